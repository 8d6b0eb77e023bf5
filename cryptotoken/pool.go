package cryptotoken

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// contextPool is a fixed size pool of native contexts,
// callers wait in FIFO order when all contexts are in use.
type contextPool struct {
	ch   chan Context
	done chan struct{}

	lock   sync.Mutex
	closed bool
}

func newContextPool(size int, open func() (Context, error)) (*contextPool, error) {
	if size <= 0 {
		return nil, errors.Errorf("invalid pool size: %d", size)
	}
	p := &contextPool{
		ch:   make(chan Context, size),
		done: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		c, err := open()
		if err != nil {
			p.close()
			return nil, errors.WithMessagef(err, "failed to open context %d of %d", i+1, size)
		}
		p.ch <- c
	}
	return p, nil
}

// acquire returns a context from the pool, blocking until one is available
func (p *contextPool) acquire(ctx context.Context) (Context, error) {
	select {
	case <-p.done:
		return nil, errors.WithStack(ErrIdentityClosed)
	default:
	}

	select {
	case c := <-p.ch:
		return c, nil
	case <-p.done:
		return nil, errors.WithStack(ErrIdentityClosed)
	case <-ctx.Done():
		return nil, signingError(ctx.Err(), "interrupted while waiting for signing context")
	}
}

// release returns the context to the pool,
// the context is closed if the pool is already closed
func (p *contextPool) release(c Context) {
	p.lock.Lock()
	closed := p.closed
	if !closed {
		// never blocks: the channel has capacity for every context
		p.ch <- c
	}
	p.lock.Unlock()

	if closed {
		closeContext(c)
	}
}

// available returns the number of idle contexts
func (p *contextPool) available() int {
	return len(p.ch)
}

func (p *contextPool) close() {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return
	}
	p.closed = true
	close(p.done)

	var idle []Context
drain:
	for {
		select {
		case c := <-p.ch:
			idle = append(idle, c)
		default:
			break drain
		}
	}
	p.lock.Unlock()

	for _, c := range idle {
		closeContext(c)
	}
}

func closeContext(c Context) {
	if err := c.Close(); err != nil {
		logger.Debugf("reason=close_context, err=[%+v]", err)
	}
}
