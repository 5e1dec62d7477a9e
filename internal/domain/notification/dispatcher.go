package notification

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/platform/apperror"
	"github.com/ehr/clinic/internal/platform/metrics"
)

// Broadcasting is the part of Broadcaster the dispatcher drives.
type Broadcasting interface {
	Broadcast(ctx context.Context, ev Event) (*Result, error)
}

// DispatchTimeout bounds a single queued broadcast.
const DispatchTimeout = 10 * time.Second

// Dispatcher runs broadcasts off the request path. Enqueue never blocks:
// when the queue is full the event is dropped and counted.
type Dispatcher struct {
	broadcaster Broadcasting
	queue       chan Event
	workers     int
	logger      zerolog.Logger
	wg          sync.WaitGroup
}

func NewDispatcher(b Broadcasting, queueSize, workers int, logger zerolog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		broadcaster: b,
		queue:       make(chan Event, queueSize),
		workers:     workers,
		logger:      logger.With().Str("component", "notification_dispatcher").Logger(),
	}
}

// Start launches the workers. They stop when ctx is cancelled; Wait blocks
// until they have.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
	d.logger.Info().Int("workers", d.workers).Int("queue", cap(d.queue)).Msg("notification dispatcher started")
}

func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Enqueue schedules ev and reports whether it was accepted.
func (d *Dispatcher) Enqueue(ev Event) bool {
	select {
	case d.queue <- ev:
		return true
	default:
		metrics.NotificationsDropped.Inc()
		d.logger.Warn().Str("type", string(ev.Type)).Str("audience", string(ev.Audience)).
			Msg("notification queue full, dropping event")
		return false
	}
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			d.handle(ctx, ev)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev Event) {
	ctx, cancel := context.WithTimeout(ctx, DispatchTimeout)
	defer cancel()

	res, err := d.broadcaster.Broadcast(ctx, ev)
	switch {
	case err == nil:
		d.logger.Debug().Str("type", string(ev.Type)).Int("delivered", res.Delivered).Msg("notification broadcast")
	case apperror.KindOf(err) == apperror.KindPartialBroadcast:
		// Already logged by the broadcaster.
	default:
		d.logger.Error().Err(err).Str("type", string(ev.Type)).Str("audience", string(ev.Audience)).
			Msg("notification broadcast failed")
	}
}
