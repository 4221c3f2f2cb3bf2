package mcp

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Correlator matches responses to the requests that caused them. Every request gets an
// id from a counter that is never reset, and a pending slot that is removed exactly once:
// by its response, its timeout, a cancellation or Fail.
//
// Correlator is safe for concurrent use. Callers only ever block on their own slot.
type Correlator struct {
	logger *slog.Logger

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*Pending
	failed  error
}

// Pending is a registered request waiting for its response.
type Pending struct {
	ID      int64
	Method  string
	Timeout time.Duration

	results chan pendingResult
}

type pendingResult struct {
	res Response
	err error
}

// NewCorrelator creates an empty Correlator. A nil logger means slog.Default().
func NewCorrelator(logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		logger:  logger,
		pending: make(map[int64]*Pending),
	}
}

// Register assigns the next id to a request for method and inserts its slot. A
// non-positive timeout leaves the wait bounded only by the context passed to Await.
// After Fail, Register returns the error Fail was called with.
func (c *Correlator) Register(method string, timeout time.Duration) (*Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failed != nil {
		return nil, c.failed
	}

	c.nextID++
	p := &Pending{
		ID:      c.nextID,
		Method:  method,
		Timeout: timeout,
		results: make(chan pendingResult, 1),
	}
	c.pending[p.ID] = p
	return p, nil
}

// Await blocks until p is answered. On timeout the slot is removed and a *TimeoutError
// is returned; when ctx is done first the slot is removed and ctx.Err() is returned.
// A response arriving after either is discarded by Deliver.
func (c *Correlator) Await(ctx context.Context, p *Pending) (Response, error) {
	var timeout <-chan time.Time
	if p.Timeout > 0 {
		timer := time.NewTimer(p.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-p.results:
		return r.res, r.err
	case <-timeout:
		if !c.remove(p.ID) {
			// Delivered while the timer fired.
			r := <-p.results
			return r.res, r.err
		}
		return Response{}, &TimeoutError{ID: p.ID, Method: p.Method, Timeout: p.Timeout}
	case <-ctx.Done():
		if !c.remove(p.ID) {
			r := <-p.results
			return r.res, r.err
		}
		return Response{}, ctx.Err()
	}
}

// Deliver routes res to its pending slot. Responses with no pending slot, because they
// were never requested or were already timed out or cancelled, are logged and dropped,
// and Deliver returns false.
func (c *Correlator) Deliver(res Response) bool {
	id, ok := res.ID.Int()
	var p *Pending
	if ok {
		c.mu.Lock()
		p = c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
	}
	if p == nil {
		c.logger.Warn("discarding unexpected response", slog.String("id", res.ID.String()))
		return false
	}

	p.results <- pendingResult{res: res}
	return true
}

// Cancel removes the slot for id. A goroutine blocked in Await for it returns
// context.Canceled. Cancel reports whether the slot was still pending.
func (c *Correlator) Cancel(id int64) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return false
	}

	p.results <- pendingResult{err: context.Canceled}
	return true
}

// Fail fails every pending slot with err and makes all later Register calls return it.
// Only the first call has an effect.
func (c *Correlator) Fail(err error) {
	c.mu.Lock()
	if c.failed != nil {
		c.mu.Unlock()
		return
	}
	c.failed = err
	pending := c.pending
	c.pending = make(map[int64]*Pending)
	c.mu.Unlock()

	for _, p := range pending {
		p.results <- pendingResult{err: err}
	}
}

// Len returns the number of pending requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) remove(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}
