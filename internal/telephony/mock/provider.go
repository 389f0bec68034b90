package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/checkin-call-engine/internal/telephony"
)

// Provider records hand-offs in memory and can be told to fail for specific users.
type Provider struct {
	mu       sync.Mutex
	requests []telephony.Request
	failures map[string]error
	hook     func(telephony.Request)
}

// NewProvider constructs an always-accepting provider.
func NewProvider() *Provider {
	return &Provider{failures: make(map[string]error)}
}

func (p *Provider) Name() string { return "mock" }

// FailFor makes every dispatch for userID return err.
func (p *Provider) FailFor(userID string, err error) {
	p.mu.Lock()
	p.failures[userID] = err
	p.mu.Unlock()
}

// OnDispatch registers a callback run after each accepted hand-off.
func (p *Provider) OnDispatch(fn func(telephony.Request)) {
	p.mu.Lock()
	p.hook = fn
	p.mu.Unlock()
}

// Dispatch accepts the call unless a failure was registered for the user.
func (p *Provider) Dispatch(ctx context.Context, req telephony.Request) (telephony.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return telephony.Receipt{}, err
	}

	p.mu.Lock()
	if err, ok := p.failures[req.UserID]; ok {
		p.mu.Unlock()
		return telephony.Receipt{}, err
	}
	p.requests = append(p.requests, req)
	hook := p.hook
	p.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	return telephony.Receipt{Reference: fmt.Sprintf("mock-%s", req.CallID)}, nil
}

// Requests returns a copy of every accepted hand-off.
func (p *Provider) Requests() []telephony.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]telephony.Request, len(p.requests))
	copy(out, p.requests)
	return out
}
