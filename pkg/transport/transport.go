// Package transport binds the coordination protocol to concrete
// delivery mechanisms. The protocol core is transport-agnostic: a
// Dispatcher pushes encoded envelopes toward an address, and inbound
// servers hand raw envelopes to a Handler for decoding and routing.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Handler consumes one raw inbound envelope and returns the raw
// synchronous reply (an ack or error envelope). The coordination
// engine implements this.
type Handler interface {
	HandleRaw(ctx context.Context, raw []byte) ([]byte, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, raw []byte) ([]byte, error)

// HandleRaw calls f.
func (f HandlerFunc) HandleRaw(ctx context.Context, raw []byte) ([]byte, error) {
	return f(ctx, raw)
}

// Dispatcher delivers an encoded envelope to the agent at addr and
// returns the raw synchronous reply.
type Dispatcher interface {
	Dispatch(ctx context.Context, addr string, raw []byte) ([]byte, error)
}

// ErrUnknownAddress is returned by the local transport when no handler
// is bound to the target address.
var ErrUnknownAddress = errors.New("no handler bound to address")

// Local is an in-process transport connecting engines directly. It
// serves tests and single-process multi-agent deployments.
type Local struct {
	mu       sync.RWMutex
	handlers map[string]Handler // address -> handler
}

// NewLocal creates an empty local transport.
func NewLocal() *Local {
	return &Local{handlers: make(map[string]Handler)}
}

// Bind attaches a handler to an address.
func (l *Local) Bind(addr string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[addr] = h
}

// Unbind detaches the handler at an address.
func (l *Local) Unbind(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, addr)
}

// Dispatch delivers raw directly to the bound handler.
func (l *Local) Dispatch(ctx context.Context, addr string, raw []byte) ([]byte, error) {
	l.mu.RLock()
	h, ok := l.handlers[addr]
	l.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("dispatch to %s: %w", addr, ErrUnknownAddress)
	}
	return h.HandleRaw(ctx, raw)
}

var _ Dispatcher = (*Local)(nil)
