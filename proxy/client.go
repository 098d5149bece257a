package proxy

import (
	"context"
	"errors"
	"log/slog"

	"github.com/alexisbouchez/mailer"
)

// Client is a mailer.Sender that delivers through a Gateway reached over a
// bus. Its lifecycle methods do nothing: the pool lives with the gateway.
type Client struct {
	bus     Requester
	address string
	logger  *slog.Logger
}

var (
	_ mailer.Sender    = (*Client)(nil)
	_ mailer.Lifecycle = (*Client)(nil)
)

// NewClient returns a client for the gateway at address. An empty address
// means DefaultAddress.
func NewClient(bus Requester, address string, opts ...Option) *Client {
	if address == "" {
		address = DefaultAddress
	}
	o := buildOptions(opts)
	return &Client{bus: bus, address: address, logger: o.logger.With("address", address)}
}

// SendMail sends msg through the gateway. Error replies come back as
// *mailer.Error values of the kind the gateway reported.
func (c *Client) SendMail(ctx context.Context, msg *mailer.Message) (*mailer.Result, error) {
	if msg == nil {
		return nil, mailer.Errorf(mailer.KindInvalidMessage, "validate", "message is nil")
	}
	body, err := EncodeRequest(msg)
	if err != nil {
		return nil, mailer.NewError(mailer.KindInvalidMessage, "encode request", err)
	}

	reply, err := c.bus.Request(ctx, c.address, body)
	if err != nil {
		e := mailer.NewError(mailer.KindConnect, "proxy request", err)
		switch {
		case ctx.Err() != nil:
			// The gateway may have sent the message already.
			e.Kind = mailer.KindTimeout
			e.OutcomeUnknown = true
		case !errors.Is(err, ErrNoHandler):
			e.OutcomeUnknown = true
		}
		return nil, e
	}
	return DecodeReply(reply)
}

// SendMailAsync runs SendMail in the background. The returned channel
// receives exactly one Outcome.
func (c *Client) SendMailAsync(ctx context.Context, msg *mailer.Message) <-chan mailer.Outcome {
	ch := make(chan mailer.Outcome, 1)
	go func() {
		res, err := c.SendMail(ctx, msg)
		ch <- mailer.Outcome{Result: res, Err: err}
	}()
	return ch
}

// Close is a no-op.
func (c *Client) Close() error {
	c.logger.Debug("close called on proxy client, nothing to release")
	return nil
}

// Start is a no-op.
func (c *Client) Start(context.Context) error {
	c.logger.Debug("start called on proxy client, nothing to start")
	return nil
}

// Stop is a no-op.
func (c *Client) Stop(context.Context) error {
	c.logger.Debug("stop called on proxy client, nothing to stop")
	return nil
}
