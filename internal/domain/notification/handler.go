package notification

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/clinic/internal/domain/profile"
	"github.com/ehr/clinic/internal/platform/apperror"
	"github.com/ehr/clinic/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/notifications", h.List)
	api.GET("/notifications/unread-count", h.UnreadCount)
	api.PATCH("/notifications/read-all", h.MarkAllRead)
	api.PATCH("/notifications/:id/read", h.MarkRead)
	api.POST("/notifications/broadcast", h.Broadcast, profile.RequireStaff())
}

func principal(c echo.Context) (profile.Principal, error) {
	p, ok := profile.PrincipalFromContext(c.Request().Context())
	if !ok {
		return profile.Principal{}, echo.NewHTTPError(http.StatusUnauthorized, "no authenticated caller")
	}
	return p, nil
}

func (h *Handler) List(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), p, pg.Limit, pg.Offset)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	if items == nil {
		items = []*Notification{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) UnreadCount(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	n, err := h.svc.UnreadCount(c.Request().Context(), p)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"unread_count": n})
}

func (h *Handler) MarkRead(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.MarkRead(c.Request().Context(), p, id); err != nil {
		return apperror.ToHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) MarkAllRead(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	n, err := h.svc.MarkAllRead(c.Request().Context(), p)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"updated": n})
}

// Broadcast answers 201 when every recipient got a row and 207 when some
// failed; the body lists the failures either way.
func (h *Handler) Broadcast(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var ev Event
	if err := c.Bind(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.Broadcast(c.Request().Context(), p, ev)
	if err != nil && res == nil {
		return apperror.ToHTTP(err)
	}
	if err != nil {
		return c.JSON(http.StatusMultiStatus, res)
	}
	return c.JSON(http.StatusCreated, res)
}
