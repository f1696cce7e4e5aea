package db

import (
	"context"
	"net/http"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	ClinicIDKey contextKey = "clinic_id"
	DBConnKey   contextKey = "db_conn"
	DBTxKey     contextKey = "db_tx"
)

// ClinicMiddleware resolves the caller's clinic and pins one pooled
// connection to the request. The connection is released when the handler
// returns, whatever the outcome. A nil pool only resolves the clinic, which
// is what the embedded sqlite backend needs.
//
// The clinic comes from the token claim, then the X-Clinic-ID header, then
// the clinic_id query parameter, then defaultClinic. Use it only behind the
// development auth middleware; see ClaimClinicMiddleware.
func ClinicMiddleware(pool *pgxpool.Pool, defaultClinic int64) echo.MiddlewareFunc {
	return clinicMiddleware(pool, func(c echo.Context) (int64, error) {
		clinicID, ok := extractClinicID(c, defaultClinic)
		if !ok {
			return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid clinic identifier")
		}
		return clinicID, nil
	})
}

// ClaimClinicMiddleware is ClinicMiddleware for authenticated deployments:
// the clinic is taken from the verified token claim only, and requests
// without one are rejected. Headers and query parameters are ignored.
func ClaimClinicMiddleware(pool *pgxpool.Pool) echo.MiddlewareFunc {
	return clinicMiddleware(pool, func(c echo.Context) (int64, error) {
		if cid, ok := c.Get("jwt_clinic_id").(int64); ok && cid > 0 {
			return cid, nil
		}
		return 0, echo.NewHTTPError(http.StatusForbidden, "token carries no clinic")
	})
}

func clinicMiddleware(pool *pgxpool.Pool, resolve func(echo.Context) (int64, error)) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			clinicID, err := resolve(c)
			if err != nil {
				return err
			}

			ctx := WithClinicID(c.Request().Context(), clinicID)
			c.Set("clinic_id", clinicID)

			if pool != nil {
				conn, err := pool.Acquire(ctx)
				if err != nil {
					return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
				}
				defer conn.Release()

				ctx = context.WithValue(ctx, DBConnKey, conn)
				c.Set("db", conn)
			}

			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func extractClinicID(c echo.Context, defaultClinic int64) (int64, bool) {
	// 1. JWT claim (set by auth middleware)
	if cid, ok := c.Get("jwt_clinic_id").(int64); ok && cid > 0 {
		return cid, true
	}

	// 2. X-Clinic-ID header
	if raw := c.Request().Header.Get("X-Clinic-ID"); raw != "" {
		return parseClinicID(raw)
	}

	// 3. Query parameter
	if raw := c.QueryParam("clinic_id"); raw != "" {
		return parseClinicID(raw)
	}

	return defaultClinic, defaultClinic > 0
}

func parseClinicID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// WithClinicID stores the clinic scope on the context.
func WithClinicID(ctx context.Context, clinicID int64) context.Context {
	return context.WithValue(ctx, ClinicIDKey, clinicID)
}

// ClinicFromContext returns the clinic resolved for the request, or 0.
func ClinicFromContext(ctx context.Context) int64 {
	cid, _ := ctx.Value(ClinicIDKey).(int64)
	return cid
}

// ConnFromContext retrieves the request-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}
