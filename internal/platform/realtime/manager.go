// Package realtime multiplexes per-viewer change feeds across local
// subscribers.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/platform/apperror"
	"github.com/ehr/clinic/internal/platform/feed"
	"github.com/ehr/clinic/internal/platform/metrics"
)

// Callback receives feed events for one viewer. Callbacks of the same viewer
// run sequentially on that viewer's pump goroutine.
type Callback func(ev feed.Event)

type Config struct {
	// MaxReconnectInterval caps the resubscribe backoff.
	MaxReconnectInterval time.Duration
	// InitialReconnectInterval is the first resubscribe delay.
	InitialReconnectInterval time.Duration
}

// Manager keeps exactly one feed connection per viewer with at least one
// subscriber.
type Manager struct {
	source feed.Source
	logger zerolog.Logger
	cfg    Config

	mu      sync.Mutex
	viewers map[uuid.UUID]*handle
	closed  bool
}

type handle struct {
	viewer uuid.UUID

	mu        sync.Mutex
	callbacks map[uint64]Callback
	nextID    uint64

	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(source feed.Source, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = 30 * time.Second
	}
	if cfg.InitialReconnectInterval <= 0 {
		cfg.InitialReconnectInterval = 250 * time.Millisecond
	}
	return &Manager{
		source:  source,
		logger:  logger.With().Str("component", "realtime").Logger(),
		cfg:     cfg,
		viewers: make(map[uuid.UUID]*handle),
	}
}

// Subscribe registers cb for viewer and returns its unsubscribe function.
// The first subscriber opens the viewer's feed; the last unsubscribe closes
// it. Unsubscribe is idempotent and takes effect before it returns.
func (m *Manager) Subscribe(viewer uuid.UUID, cb Callback) (unsubscribe func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return func() {}
	}
	h, ok := m.viewers[viewer]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		h = &handle{
			viewer:    viewer,
			callbacks: make(map[uint64]Callback),
			cancel:    cancel,
			done:      make(chan struct{}),
		}
		m.viewers[viewer] = h
		go m.run(ctx, h)
	}
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.callbacks[id] = cb
	h.mu.Unlock()
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(h, id) })
	}
}

func (m *Manager) unsubscribe(h *handle, id uint64) {
	m.mu.Lock()
	h.mu.Lock()
	delete(h.callbacks, id)
	last := len(h.callbacks) == 0
	h.mu.Unlock()
	if last && m.viewers[h.viewer] == h {
		delete(m.viewers, h.viewer)
	}
	m.mu.Unlock()

	if last {
		h.cancel()
	}
}

// Subscribers reports how many callbacks are registered for viewer.
func (m *Manager) Subscribers(viewer uuid.UUID) int {
	m.mu.Lock()
	h, ok := m.viewers[viewer]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.callbacks)
}

// Viewers reports how many viewers hold a feed.
func (m *Manager) Viewers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.viewers)
}

// Close tears down every feed and waits for the pumps to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	handles := make([]*handle, 0, len(m.viewers))
	for id, h := range m.viewers {
		handles = append(handles, h)
		delete(m.viewers, id)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		<-h.done
	}
}

func (m *Manager) newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.InitialReconnectInterval
	b.MaxInterval = m.cfg.MaxReconnectInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(b, ctx)
}

// run owns the viewer's connection: it opens it, pumps events to the
// callbacks, and reopens it with backoff after a drop until cancelled.
func (m *Manager) run(ctx context.Context, h *handle) {
	defer close(h.done)
	log := m.logger.With().Str("viewer_id", h.viewer.String()).Logger()

	reconnect := false
	for {
		var conn feed.Conn
		open := func() error {
			c, err := m.source.Open(ctx, h.viewer)
			if err != nil {
				if reconnect {
					metrics.RecordReconnect(false)
				}
				log.Warn().Err(err).Msg("feed open failed")
				return err
			}
			conn = c
			return nil
		}
		if err := backoff.Retry(open, m.newBackoff(ctx)); err != nil {
			return
		}
		metrics.RecordFeedOpened()
		if reconnect {
			metrics.RecordReconnect(true)
			log.Info().Msg("feed resubscribed")
			m.dispatch(h, feed.Event{Type: feed.Resynced})
		}

		m.pump(ctx, h, conn)

		if ctx.Err() != nil {
			conn.Close()
			metrics.RecordFeedClosed()
			return
		}
		err := conn.Err()
		if err == nil {
			err = feed.ErrDisconnected
		}
		conn.Close()
		metrics.RecordFeedClosed()
		log.Warn().Err(apperror.Wrap(apperror.KindFeedDisconnected, err, "viewer feed dropped")).Msg("feed disconnected; resubscribing")
		reconnect = true
	}
}

func (m *Manager) pump(ctx context.Context, h *handle, conn feed.Conn) {
	for {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				return
			}
			m.dispatch(h, ev)
		case <-ctx.Done():
			return
		}
	}
}

// dispatch calls each callback still registered at the time of its turn.
func (m *Manager) dispatch(h *handle, ev feed.Event) {
	h.mu.Lock()
	ids := make([]uint64, 0, len(h.callbacks))
	for id := range h.callbacks {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.mu.Lock()
		cb, ok := h.callbacks[id]
		h.mu.Unlock()
		if !ok {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error().Interface("panic", r).Str("viewer_id", h.viewer.String()).Msg("feed callback panicked")
				}
			}()
			cb(ev)
		}()
	}
}
