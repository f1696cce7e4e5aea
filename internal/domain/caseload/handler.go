package caseload

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/caseload/caseload/internal/platform/auth"
	"github.com/caseload/caseload/internal/platform/db"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the admin endpoints. transferMW wraps only the
// transfer endpoint.
func (h *Handler) RegisterRoutes(api *echo.Group, transferMW ...echo.MiddlewareFunc) {
	admin := api.Group("/admin/users", auth.RequireRole("admin"))
	admin.GET("/:id/assignments", h.GetAssignments)
	admin.POST("/:id/transfer", h.TransferAssignments, transferMW...)
	admin.DELETE("/:id", h.DeleteUser)
}

func (h *Handler) GetAssignments(c echo.Context) error {
	id, clinicID, err := pathIDAndClinic(c)
	if err != nil {
		return err
	}
	sum, err := h.svc.AssignmentSummary(c.Request().Context(), id, clinicID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sum)
}

func (h *Handler) TransferAssignments(c echo.Context) error {
	id, clinicID, err := pathIDAndClinic(c)
	if err != nil {
		return err
	}
	var req TransferRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.TransferList) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, ErrEmptyTransferList.Error())
	}
	for _, item := range req.TransferList {
		if item.AssignmentID <= 0 || item.ToTherapistID <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "assignment_id and to_therapist_id are required")
		}
	}

	result, err := h.svc.TransferAssignments(c.Request().Context(), clinicID, id, req.TransferList)
	if errors.Is(err, ErrUnknownDestination) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) DeleteUser(c echo.Context) error {
	id, clinicID, err := pathIDAndClinic(c)
	if err != nil {
		return err
	}
	n, err := h.svc.DeleteUser(c.Request().Context(), id, clinicID)
	if err != nil {
		var active *ActiveAssignmentsError
		if errors.As(err, &active) {
			return c.JSON(http.StatusConflict, map[string]interface{}{
				"error":            active.Error(),
				"requiresTransfer": true,
				"assignmentCount":  active.Count,
			})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if n == 0 {
		return c.JSON(http.StatusNotFound, map[string]interface{}{"deleted": false, "rows_affected": n})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"deleted": true, "rows_affected": n})
}

func pathIDAndClinic(c echo.Context) (int64, int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	clinicID := db.ClinicFromContext(c.Request().Context())
	if clinicID <= 0 {
		return 0, 0, echo.NewHTTPError(http.StatusBadRequest, "clinic context required")
	}
	return id, clinicID, nil
}
