package feed

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryBus is an in-process Source and Publisher for single-node
// deployments and tests.
type MemoryBus struct {
	mu     sync.Mutex
	conns  map[uuid.UUID]map[*memConn]struct{}
	opens  map[uuid.UUID]int
	closes map[uuid.UUID]int
	// openErr, when set, fails the next Open calls.
	openErr error
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		conns:  make(map[uuid.UUID]map[*memConn]struct{}),
		opens:  make(map[uuid.UUID]int),
		closes: make(map[uuid.UUID]int),
	}
}

type memConn struct {
	bus    *MemoryBus
	viewer uuid.UUID
	events chan Event
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error

	sendMu sync.RWMutex
	closed bool
}

func (b *MemoryBus) Open(ctx context.Context, viewer uuid.UUID) (Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return nil, b.openErr
	}
	c := &memConn{
		bus:    b,
		viewer: viewer,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	if b.conns[viewer] == nil {
		b.conns[viewer] = make(map[*memConn]struct{})
	}
	b.conns[viewer][c] = struct{}{}
	b.opens[viewer]++
	return c, nil
}

func (b *MemoryBus) Publish(ctx context.Context, viewer uuid.UUID, ev Event) error {
	b.mu.Lock()
	targets := make([]*memConn, 0, len(b.conns[viewer]))
	for c := range b.conns[viewer] {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	for _, c := range targets {
		if err := c.deliver(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (c *memConn) deliver(ctx context.Context, ev Event) error {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return nil
	}
	select {
	case c.events <- ev:
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Drop ends every open connection for viewer with ErrDisconnected.
func (b *MemoryBus) Drop(viewer uuid.UUID) {
	b.mu.Lock()
	targets := make([]*memConn, 0, len(b.conns[viewer]))
	for c := range b.conns[viewer] {
		targets = append(targets, c)
	}
	b.mu.Unlock()
	for _, c := range targets {
		c.end(ErrDisconnected, false)
	}
}

// FailOpens makes Open return err until called again with nil.
func (b *MemoryBus) FailOpens(err error) {
	b.mu.Lock()
	b.openErr = err
	b.mu.Unlock()
}

// Opens and Closes report lifetime counts per viewer.
func (b *MemoryBus) Opens(viewer uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens[viewer]
}

func (b *MemoryBus) Closes(viewer uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes[viewer]
}

// Active reports how many connections are open for viewer.
func (b *MemoryBus) Active(viewer uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns[viewer])
}

func (c *memConn) Events() <-chan Event { return c.events }

func (c *memConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *memConn) Close() error {
	c.end(nil, true)
	return nil
}

func (c *memConn) end(err error, closed bool) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()

		c.bus.mu.Lock()
		delete(c.bus.conns[c.viewer], c)
		if len(c.bus.conns[c.viewer]) == 0 {
			delete(c.bus.conns, c.viewer)
		}
		if closed {
			c.bus.closes[c.viewer]++
		}
		c.bus.mu.Unlock()

		close(c.done)
		// In-flight deliveries return on done; wait for them before closing.
		c.sendMu.Lock()
		c.closed = true
		close(c.events)
		c.sendMu.Unlock()
	})
}
