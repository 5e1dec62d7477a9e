package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/ehr/clinic/internal/platform/feed"
)

// ErrStreamClosed is returned by Stream.Next after Close.
var ErrStreamClosed = errors.New("stream closed")

// Stream is a pull-style subscription: events queue until Next takes them.
type Stream struct {
	unsubscribe func()

	mu     sync.Mutex
	queue  []feed.Event
	signal chan struct{}
	closed bool
}

// Stream subscribes viewer and returns an iterator over its events.
func (m *Manager) Stream(viewer uuid.UUID) *Stream {
	s := &Stream{signal: make(chan struct{}, 1)}
	s.unsubscribe = m.Subscribe(viewer, s.push)
	return s
}

func (s *Stream) push(ev feed.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Next blocks until an event arrives, ctx ends, or the stream is closed.
func (s *Stream) Next(ctx context.Context) (feed.Event, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return feed.Event{}, ErrStreamClosed
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = feed.Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-ctx.Done():
			return feed.Event{}, ctx.Err()
		}
	}
}

// Close unsubscribes and wakes a blocked Next.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.unsubscribe()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}
