package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPoolClosed is returned by Checkout after Close.
var ErrPoolClosed = errors.New("browser pool closed")

// Tab is one browser tab checked out from a Pool. It must be handed back
// with Return; a tab that failed mid-navigation should be discarded with
// Discard so the pool opens a fresh one.
type Tab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Context is the chromedp context bound to the tab.
func (t *Tab) Context() context.Context { return t.ctx }

// Pool hands out at most size tabs at a time. Tabs are opened lazily and
// reused across checkouts.
type Pool struct {
	slots  chan *Tab
	open   func() (context.Context, context.CancelFunc)
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newPool(size int, open func() (context.Context, context.CancelFunc)) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		slots: make(chan *Tab, size),
		open:  open,
		done:  make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		p.slots <- nil
	}
	return p
}

// Checkout waits for a free slot and returns its tab, opening one if the
// slot is empty.
func (p *Pool) Checkout(ctx context.Context) (*Tab, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for browser tab: %w", ctx.Err())
	case <-p.done:
		return nil, ErrPoolClosed
	case tab := <-p.slots:
		if tab != nil {
			return tab, nil
		}
		tctx, cancel := p.open()
		return &Tab{ctx: tctx, cancel: cancel}, nil
	}
}

// Return puts a healthy tab back.
func (p *Pool) Return(tab *Tab) {
	p.release(tab, false)
}

// Discard closes tab and frees its slot.
func (p *Pool) Discard(tab *Tab) {
	p.release(tab, true)
}

func (p *Pool) release(tab *Tab, discard bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || discard {
		if tab != nil {
			tab.cancel()
		}
		tab = nil
	}
	if p.closed {
		return
	}
	p.slots <- tab
}

// Close closes idle tabs. Tabs still checked out are closed when returned.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
	for {
		select {
		case tab := <-p.slots:
			if tab != nil {
				tab.cancel()
			}
		default:
			return
		}
	}
}
