package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/domain/profile"
	"github.com/ehr/clinic/internal/platform/feed"
	"github.com/ehr/clinic/internal/platform/realtime"
	"github.com/ehr/clinic/internal/platform/websocket"
)

// Streams opens per-viewer feed iterators.
type Streams interface {
	Stream(viewer uuid.UUID) *realtime.Stream
}

type GatewayConfig struct {
	// ConfirmWindow is how long an optimistic entry may stay pending.
	ConfirmWindow time.Duration
	// SendTimeout bounds one insert. It outlives the socket.
	SendTimeout time.Duration
	Origins     []string
}

// Gateway serves one live conversation per WebSocket.
type Gateway struct {
	svc      *Service
	streams  Streams
	hub      *websocket.Hub
	upgrader *websocket.Upgrader
	window   time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
}

func NewGateway(svc *Service, streams Streams, hub *websocket.Hub, cfg GatewayConfig, logger zerolog.Logger) *Gateway {
	if cfg.ConfirmWindow <= 0 {
		cfg.ConfirmWindow = 15 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	return &Gateway{
		svc:      svc,
		streams:  streams,
		hub:      hub,
		upgrader: websocket.NewUpgrader(cfg.Origins),
		window:   cfg.ConfirmWindow,
		timeout:  cfg.SendTimeout,
		logger:   logger.With().Str("component", "conversation_gateway").Logger(),
	}
}

func (g *Gateway) RegisterRoutes(api *echo.Group) {
	api.GET("/ws", g.Connect)
}

// Connect handles GET /ws?partner_id=<uuid>[&channel=staff|patient].
func (g *Gateway) Connect(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	partner, err := uuid.Parse(c.QueryParam("partner_id"))
	if err != nil || partner == p.ID {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid partner_id")
	}
	ch := Channel(c.QueryParam("channel"))
	if ch != "" && !ch.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid channel")
	}

	conn, err := g.upgrader.Upgrade(c)
	if err != nil {
		// The upgrader has already written the HTTP error.
		g.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return nil
	}
	g.Serve(c.Request().Context(), p, partner, ch, conn)
	return nil
}

// clientAction is one inbound client message.
type clientAction struct {
	Action      string     `json:"action"`
	Content     string     `json:"content,omitempty"`
	ClientToken *uuid.UUID `json:"client_token,omitempty"`
	TempID      uuid.UUID  `json:"temp_id,omitempty"`
}

// conversation is the state of one served socket.
type conversation struct {
	g       *Gateway
	viewer  profile.Principal
	partner uuid.UUID
	client  *websocket.Client
	session *Session
	logger  zerolog.Logger
}

// Serve runs a conversation over conn until the socket closes or ctx ends.
func (g *Gateway) Serve(ctx context.Context, viewer profile.Principal, partner uuid.UUID, ch Channel, conn websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := websocket.NewClient(viewer.ID, conn)
	cv := &conversation{
		g:       g,
		viewer:  viewer,
		partner: partner,
		client:  client,
		logger: g.logger.With().
			Str("viewer_id", viewer.ID.String()).
			Str("partner_id", partner.String()).Logger(),
	}
	cv.session = NewSession(g.svc, viewer, partner, ch, func(u Update) {
		client.Emit(u.Kind, u)
	})

	// Subscribe before the first fetch so no insert falls between them.
	stream := g.streams.Stream(viewer.ID)
	defer stream.Close()

	cv.markRead(ctx)
	cv.refetch(ctx)

	go cv.follow(ctx, stream)
	go cv.sweep(ctx)

	g.hub.Serve(ctx, client, func(data []byte) {
		cv.handle(ctx, data)
	})
}

func (cv *conversation) emitError(msg string) {
	cv.client.Emit("error", map[string]string{"error": msg})
}

func (cv *conversation) refetch(ctx context.Context) {
	tl, err := cv.g.svc.Timeline(ctx, cv.viewer, cv.partner)
	if err != nil {
		cv.logger.Warn().Err(err).Msg("conversation refetch failed")
		cv.emitError("could not load conversation")
		return
	}
	cv.session.Replace(tl)
}

func (cv *conversation) markRead(ctx context.Context) {
	if _, err := cv.g.svc.MarkRead(ctx, cv.viewer, cv.partner, ""); err != nil {
		cv.logger.Warn().Err(err).Msg("mark conversation read failed")
	}
}

func (cv *conversation) handle(ctx context.Context, data []byte) {
	var a clientAction
	if err := json.Unmarshal(data, &a); err != nil {
		cv.emitError("malformed message")
		return
	}
	switch a.Action {
	case "send":
		e, err := cv.session.Compose(a.Content, a.ClientToken)
		if err != nil {
			cv.emitError(err.Error())
			return
		}
		go cv.deliver(ctx, e.TempID, false)
	case "retry":
		go cv.deliver(ctx, a.TempID, true)
	case "refetch":
		cv.refetch(ctx)
	case "read":
		cv.markRead(ctx)
	default:
		cv.emitError("unknown action " + a.Action)
	}
}

// deliver runs off the read pump so a slow store never stalls inbound
// actions. Failures reach the client as failed entries. Closing the socket
// discards the outcome but lets the insert finish.
func (cv *conversation) deliver(ctx context.Context, tempID uuid.UUID, retry bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cv.g.timeout)
	defer cancel()

	var err error
	if retry {
		_, err = cv.session.Retry(ctx, tempID)
	} else {
		_, err = cv.session.Deliver(ctx, tempID)
	}
	if err != nil {
		cv.logger.Debug().Err(err).Str("temp_id", tempID.String()).Msg("delivery failed")
		if retry {
			cv.emitError(err.Error())
		}
	}
}

// follow applies feed events until the stream ends.
func (cv *conversation) follow(ctx context.Context, stream *realtime.Stream) {
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return
		}
		switch ev.Type {
		case feed.MessageInserted, feed.MessageUpdated:
			m, ok := decodeMessage(ev)
			if !ok {
				cv.refetch(ctx)
				continue
			}
			cv.session.Apply(m)
			if ev.Type == feed.MessageInserted && m.ReceiverID == cv.viewer.ID && m.SenderID == cv.partner && !m.IsRead {
				cv.markRead(ctx)
			}
		case feed.Resynced:
			cv.refetch(ctx)
		case feed.NotificationInserted:
			cv.client.Emit("notification", ev.Payload)
		}
	}
}

func decodeMessage(ev feed.Event) (*Message, bool) {
	if len(ev.Payload) == 0 {
		return nil, false
	}
	var m Message
	if err := json.Unmarshal(ev.Payload, &m); err != nil || m.ID == uuid.Nil {
		return nil, false
	}
	if ch, ok := ChannelForTable(ev.Table); ok {
		m.Channel = ch
	}
	return &m, true
}

func (cv *conversation) sweep(ctx context.Context) {
	interval := cv.g.window / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := cv.session.Expire(now, cv.g.window); n > 0 {
				cv.logger.Info().Int("expired", n).Msg("optimistic entries not confirmed in time")
			}
		}
	}
}
