// Package proxy lets application code send mail through a mail client that
// runs in another process.
//
// The two sides meet on a request/reply bus. A [Gateway] registers a
// handler on a [Subscriber] and forwards each request to a local
// mailer.Sender; a [Client] is a mailer.Sender that turns SendMail into a
// bus request. [LocalBus] connects both ends in one process, and [HTTPBus]
// with [NewHTTPHandler] carries requests over HTTP.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultAddress is the bus address used when none is given.
const DefaultAddress = "mailer.send"

var (
	// ErrNoHandler is returned when no handler is registered at an address.
	ErrNoHandler = errors.New("proxy: no handler registered")
	// ErrAddressInUse is returned when registering a second handler at an
	// address.
	ErrAddressInUse = errors.New("proxy: address already has a handler")
)

// Handler answers one bus request.
type Handler func(ctx context.Context, body []byte) ([]byte, error)

// Subscriber accepts handler registrations.
type Subscriber interface {
	// Handle registers h at address. The returned func removes it.
	Handle(address string, h Handler) (func(), error)
}

// Requester sends a request and waits for its reply.
type Requester interface {
	Request(ctx context.Context, address string, body []byte) ([]byte, error)
}

// LocalBus is an in-process bus. Each request runs its handler in a new
// goroutine so the caller can give up when ctx ends.
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

var (
	_ Subscriber = (*LocalBus)(nil)
	_ Requester  = (*LocalBus)(nil)
)

// NewLocalBus returns an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[string]Handler)}
}

// Handle implements Subscriber.
func (b *LocalBus) Handle(address string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[address]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, address)
	}
	b.handlers[address] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, address)
			b.mu.Unlock()
		})
	}, nil
}

// Request implements Requester.
func (b *LocalBus) Request(ctx context.Context, address string, body []byte) ([]byte, error) {
	b.mu.RLock()
	h, ok := b.handlers[address]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, address)
	}

	type reply struct {
		body []byte
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		body, err := h(ctx, body)
		ch <- reply{body, err}
	}()
	select {
	case r := <-ch:
		return r.body, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Option configures a Gateway or a Client.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) *options {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
