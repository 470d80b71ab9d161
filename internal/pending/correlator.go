// Package pending correlates awaitable calls with later push responses. The
// upstream protocol carries no per-request correlation id, so matching is
// strict FIFO: the oldest open call is resolved by the next response of the
// expected kind. Callers keep this sound by never racing two submissions from
// the same logical caller.
package pending

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/tradebridge/errs"
	"github.com/coachpo/tradebridge/internal/observability"
)

// Token identifies one in-flight awaitable call.
type Token string

type call struct {
	token  Token
	done   chan struct{}
	result any
}

// Correlator tracks open calls in arrival order.
type Correlator struct {
	mu    sync.Mutex
	calls map[Token]*call
	order []Token
}

// NewCorrelator constructs an empty correlator.
func NewCorrelator() *Correlator {
	c := new(Correlator)
	c.calls = make(map[Token]*call)
	return c
}

// Open registers a new in-flight call and returns its token.
func (c *Correlator) Open() Token {
	pc := new(call)
	pc.token = Token(uuid.NewString())
	pc.done = make(chan struct{})

	c.mu.Lock()
	c.calls[pc.token] = pc
	c.order = append(c.order, pc.token)
	c.mu.Unlock()
	return pc.token
}

// AwaitResult blocks until the call is resolved, up to timeout. The call is
// removed on every exit path; a response arriving after a timeout resolves
// the next oldest call instead.
func (c *Correlator) AwaitResult(ctx context.Context, token Token, timeout time.Duration) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	pc, ok := c.calls[token]
	c.mu.Unlock()
	if !ok {
		return nil, errs.New("pending/await", errs.CodeInvalid, errs.WithMessage("unknown call token"))
	}

	defer c.remove(token)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-pc.done:
		return pc.result, nil
	case <-timer.C:
		return nil, errs.New("pending/await", errs.CodeTimeout,
			errs.WithMessage("no response before deadline"),
			errs.WithTimeout(timeout))
	case <-ctx.Done():
		return nil, errs.New("pending/await", errs.CodeUnavailable,
			errs.WithMessage("wait cancelled"),
			errs.WithCause(ctx.Err()))
	}
}

// Resolve completes the identified call. Unknown or already-resolved tokens
// are a logged no-op.
func (c *Correlator) Resolve(token Token, payload any) {
	c.mu.Lock()
	pc, ok := c.calls[token]
	if ok {
		pc.result = payload
		close(pc.done)
		c.dropLocked(token)
	}
	c.mu.Unlock()
	if !ok {
		observability.Log().Debug("response for unknown call dropped",
			observability.F("token", string(token)))
	}
}

// ResolveOldest completes the oldest open call, returning false when none is
// open. This is the FIFO path used when a response carries no token.
func (c *Correlator) ResolveOldest(payload any) bool {
	c.mu.Lock()
	if len(c.order) == 0 {
		c.mu.Unlock()
		observability.Log().Debug("response with no open call dropped")
		return false
	}
	token := c.order[0]
	pc := c.calls[token]
	pc.result = payload
	close(pc.done)
	c.dropLocked(token)
	c.mu.Unlock()
	return true
}

// OpenCount reports how many calls are currently in flight.
func (c *Correlator) OpenCount() int {
	c.mu.Lock()
	n := len(c.order)
	c.mu.Unlock()
	return n
}

func (c *Correlator) remove(token Token) {
	c.mu.Lock()
	c.dropLocked(token)
	c.mu.Unlock()
}

func (c *Correlator) dropLocked(token Token) {
	if _, ok := c.calls[token]; !ok {
		return
	}
	delete(c.calls, token)
	for i, t := range c.order {
		if t == token {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
