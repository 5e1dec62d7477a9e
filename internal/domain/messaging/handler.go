package messaging

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/clinic/internal/domain/profile"
	"github.com/ehr/clinic/internal/platform/apperror"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/messages", h.Send)
	api.GET("/messages", h.Timeline)
	api.PATCH("/messages/read", h.MarkRead)
	api.GET("/conversations", h.Conversations)
	api.PATCH("/patients/:id/messages/read", h.MarkPatientMessagesRead, profile.RequireStaff())
}

func principal(c echo.Context) (profile.Principal, error) {
	p, ok := profile.PrincipalFromContext(c.Request().Context())
	if !ok {
		return profile.Principal{}, echo.NewHTTPError(http.StatusUnauthorized, "no authenticated caller")
	}
	return p, nil
}

func (h *Handler) Send(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var in SendInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	m, err := h.svc.Send(c.Request().Context(), p, in)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) Timeline(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	partner, err := uuid.Parse(c.QueryParam("partner_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid partner_id")
	}
	tl, err := h.svc.Timeline(c.Request().Context(), p, partner)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	if ch := Channel(c.QueryParam("channel")); ch != "" {
		if !ch.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid channel")
		}
		tl.Messages = filterChannel(tl.Messages, ch)
		tl.UnreadCount = UnreadFor(p.ID, tl.Messages)
	}
	if tl.Messages == nil {
		tl.Messages = []*Message{}
	}
	return c.JSON(http.StatusOK, tl)
}

func filterChannel(msgs []*Message, ch Channel) []*Message {
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Channel == ch {
			out = append(out, m)
		}
	}
	return out
}

type markReadRequest struct {
	PartnerID uuid.UUID `json:"partner_id"`
	Channel   Channel   `json:"channel,omitempty"`
}

func (h *Handler) MarkRead(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req markReadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	n, err := h.svc.MarkRead(c.Request().Context(), p, req.PartnerID, req.Channel)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"updated": n})
}

func (h *Handler) Conversations(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	convs, err := h.svc.Conversations(c.Request().Context(), p)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, convs)
}

func (h *Handler) MarkPatientMessagesRead(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	n, err := h.svc.MarkPatientMessagesRead(c.Request().Context(), p, id)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"updated": n})
}
