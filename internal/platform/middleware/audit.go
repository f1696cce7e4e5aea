package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/caseload/caseload/internal/platform/auth"
	"github.com/caseload/caseload/internal/platform/db"
)

// AuditEntry records who changed whose caseload, from where and with what result.
type AuditEntry struct {
	UserID       string
	UserRoles    []string
	ClinicID     int64
	TargetUserID string
	Action       string
	Path         string
	Method       string
	IPAddress    string
	RequestID    string
	StatusCode   int
	Timestamp    time.Time
}

// AuditRecorder persists audit entries. Without one, entries are only logged.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every mutating request under /api/v1/admin/. The entry is
// written after the handler so it carries the final status.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditable(req.Method, req.URL.Path) {
				return next(c)
			}

			err := next(c)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}

			ctx := req.Context()
			entry := AuditEntry{
				UserID:       auth.UserIDFromContext(ctx),
				UserRoles:    auth.RolesFromContext(ctx),
				ClinicID:     db.ClinicFromContext(ctx),
				TargetUserID: c.Param("id"),
				Action:       auditAction(req.Method, req.URL.Path),
				Path:         req.URL.Path,
				Method:       req.Method,
				IPAddress:    c.RealIP(),
				StatusCode:   status,
				Timestamp:    time.Now().UTC(),
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "admin_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Int64("clinic_id", entry.ClinicID).
				Str("target_user_id", entry.TargetUserID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("admin_action")

			return err
		}
	}
}

func isAuditable(method, path string) bool {
	if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
		return false
	}
	return strings.HasPrefix(path, "/api/v1/admin/")
}

// auditAction names the operation from the last path segment.
func auditAction(method, path string) string {
	if method == http.MethodDelete {
		return "delete_user"
	}
	switch path[strings.LastIndex(path, "/")+1:] {
	case "transfer":
		return "transfer_assignments"
	}
	return strings.ToLower(method)
}
