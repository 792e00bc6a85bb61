package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrEmpty  = errors.New("no tasks ready")
	ErrFull   = errors.New("queue is full")
	ErrClosed = errors.New("queue is closed")
)

// Channel carries serialized task messages between processes.
type Channel interface {
	// Put enqueues msg without blocking.
	Put(ctx context.Context, msg []byte) error
	// Get dequeues the oldest message. With wait unset it returns ErrEmpty
	// right away when nothing is queued; otherwise it blocks until a message
	// arrives or ctx is done.
	Get(ctx context.Context, wait bool) ([]byte, error)
	Close() error
}

// MemoryChannel is an in-process Channel backed by a buffered Go channel.
type MemoryChannel struct {
	msgs   chan []byte
	mu     sync.RWMutex
	closed bool
}

func NewMemoryChannel(size int) *MemoryChannel {
	if size <= 0 {
		size = 1024
	}
	return &MemoryChannel{msgs: make(chan []byte, size)}
}

func (c *MemoryChannel) Put(_ context.Context, msg []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.msgs <- msg:
		return nil
	default:
		return fmt.Errorf("%w: capacity %d reached", ErrFull, cap(c.msgs))
	}
}

func (c *MemoryChannel) Get(ctx context.Context, wait bool) ([]byte, error) {
	if !wait {
		select {
		case msg, ok := <-c.msgs:
			if !ok {
				return nil, ErrClosed
			}
			return msg, nil
		default:
			return nil, ErrEmpty
		}
	}
	select {
	case msg, ok := <-c.msgs:
		if !ok {
			return nil, ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *MemoryChannel) Len() int { return len(c.msgs) }

func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.msgs)
	}
	return nil
}
