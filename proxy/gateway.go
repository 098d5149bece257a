package proxy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alexisbouchez/mailer"
	"github.com/alexisbouchez/mailer/metrics"
)

// Gateway serves send requests arriving on a bus with a local Sender. It
// holds no state besides its registration.
type Gateway struct {
	sender  mailer.Sender
	bus     Subscriber
	address string
	logger  *slog.Logger

	mu         sync.Mutex
	unregister func()
}

var _ mailer.Lifecycle = (*Gateway)(nil)

// NewGateway returns a gateway that serves address on bus. An empty address
// means DefaultAddress.
func NewGateway(sender mailer.Sender, bus Subscriber, address string, opts ...Option) *Gateway {
	if address == "" {
		address = DefaultAddress
	}
	o := buildOptions(opts)
	return &Gateway{
		sender:  sender,
		bus:     bus,
		address: address,
		logger:  o.logger.With("address", address),
	}
}

// Address returns the bus address the gateway serves.
func (g *Gateway) Address() string { return g.address }

// Start registers the gateway on the bus.
func (g *Gateway) Start(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.unregister != nil {
		return errors.New("proxy: gateway already started")
	}
	unregister, err := g.bus.Handle(g.address, g.handle)
	if err != nil {
		return err
	}
	g.unregister = unregister
	g.logger.Info("mail gateway started")
	return nil
}

// Stop removes the registration. Requests already being served complete.
func (g *Gateway) Stop(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.unregister == nil {
		return nil
	}
	g.unregister()
	g.unregister = nil
	g.logger.Info("mail gateway stopped")
	return nil
}

func (g *Gateway) handle(ctx context.Context, body []byte) ([]byte, error) {
	start := time.Now()
	res, err := g.serve(ctx, body)

	result := metrics.ResultOK
	if err != nil {
		result = mailer.KindOf(err).String()
		g.logger.Debug("proxied send failed", "err", err)
	}
	metrics.ProxyRequestsTotal.WithLabelValues(g.address, result).Inc()
	metrics.ProxyRequestDuration.WithLabelValues(g.address).Observe(time.Since(start).Seconds())

	if err != nil {
		return EncodeError(err)
	}
	return EncodeResult(res)
}

func (g *Gateway) serve(ctx context.Context, body []byte) (*mailer.Result, error) {
	req, err := DecodeRequest(body)
	if err != nil {
		return nil, mailer.NewError(mailer.KindInvalidMessage, "decode request", err)
	}
	if req.Action != ActionSend {
		return nil, mailer.Errorf(mailer.KindInvalidMessage, "decode request", "unsupported action %q", req.Action)
	}
	if req.Message == nil {
		return nil, mailer.Errorf(mailer.KindInvalidMessage, "decode request", "request has no message")
	}
	return g.sender.SendMail(ctx, req.Message)
}
