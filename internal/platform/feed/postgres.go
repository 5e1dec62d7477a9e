package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// PGSource opens one dedicated LISTEN connection per viewer. Table triggers
// send {type, table, id} on the viewer's channel and the hydrator loads the
// row, keeping notify payloads small.
type PGSource struct {
	config  *pgx.ConnConfig
	hydrate Hydrator
	logger  zerolog.Logger
}

func NewPGSource(databaseURL string, hydrate Hydrator, logger zerolog.Logger) (*PGSource, error) {
	cfg, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	return &PGSource{config: cfg, hydrate: hydrate, logger: logger}, nil
}

type pgConn struct {
	conn   *pgx.Conn
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
}

func (s *PGSource) Open(ctx context.Context, viewer uuid.UUID) (Conn, error) {
	conn, err := pgx.ConnectConfig(ctx, s.config.Copy())
	if err != nil {
		return nil, fmt.Errorf("connect feed: %w", err)
	}
	channel := pgx.Identifier{ChannelName(viewer)}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &pgConn{
		conn:   conn,
		events: make(chan Event, eventBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.listen(runCtx, c, viewer)
	return c, nil
}

type notifyPayload struct {
	Type  EventType `json:"type"`
	Table string    `json:"table"`
	ID    uuid.UUID `json:"id"`
}

func (s *PGSource) listen(ctx context.Context, c *pgConn, viewer uuid.UUID) {
	defer close(c.done)
	defer close(c.events)

	for {
		n, err := c.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.setErr(fmt.Errorf("%w: %v", ErrDisconnected, err))
			}
			return
		}

		var p notifyPayload
		if err := json.Unmarshal([]byte(n.Payload), &p); err != nil {
			s.logger.Warn().Err(err).Str("channel", n.Channel).Msg("malformed feed payload")
			continue
		}
		ev := Event{Type: p.Type, Table: p.Table, ID: p.ID}
		if s.hydrate != nil {
			// Hydrate through the pool: the listen connection is busy waiting.
			payload, err := s.hydrate(ctx, ev)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn().Err(err).
					Str("viewer_id", viewer.String()).
					Str("table", p.Table).
					Str("id", p.ID.String()).
					Msg("feed hydrate failed")
				continue
			}
			ev.Payload = payload
		}

		select {
		case c.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (c *pgConn) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *pgConn) Events() <-chan Event { return c.events }

func (c *pgConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *pgConn) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		<-c.done
		err = c.conn.Close(context.Background())
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	})
	return err
}
