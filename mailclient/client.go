// Package mailclient is the entry point for sending mail. A Client validates
// and encodes each message, borrows an authenticated session from its
// connection pool and runs one SMTP transaction on it.
//
// Clients built with NewShared and an equal pool name and configuration
// share one pool; the pool is shut down when the last of them is closed.
package mailclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alexisbouchez/mailer"
	"github.com/alexisbouchez/mailer/encoder"
	"github.com/alexisbouchez/mailer/metrics"
	"github.com/alexisbouchez/mailer/pool"
	"github.com/alexisbouchez/mailer/session"
)

// DefaultPoolName is the shared pool used when NewShared gets an empty name.
const DefaultPoolName = "DEFAULT_POOL"

type sharedKey struct {
	name string
	key  mailer.PoolKey
}

var (
	shared      = pool.NewRegistry[sharedKey, *session.Session]()
	privatePool atomic.Int64
)

// Option configures a Client.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	sessionOpts []session.Option
	now         func() time.Time
	probeAfter  time.Duration
}

// WithLogger sets the logger for the client, its pool and its sessions.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDialer sets the dialer used to open sessions.
func WithDialer(d session.Dialer) Option {
	return func(o *options) { o.sessionOpts = append(o.sessionOpts, session.WithDialer(d)) }
}

// WithTLSConfig overrides the TLS configuration derived from the Config.
func WithTLSConfig(c *tls.Config) Option {
	return func(o *options) { o.sessionOpts = append(o.sessionOpts, session.WithTLSConfig(c)) }
}

// WithClock sets the time source for Date headers and idle bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithProbeAfter sets how long a session may sit idle before it is checked
// with NOOP on reuse. Negative disables the check.
func WithProbeAfter(d time.Duration) Option {
	return func(o *options) { o.probeAfter = d }
}

// Client sends mail through a pool of SMTP sessions. It is safe for
// concurrent use.
type Client struct {
	cfg     mailer.Config
	pool    *pool.Pool[*session.Session]
	release func()
	ownName string
	encoder *encoder.Encoder
	logger  *slog.Logger
	closed  atomic.Bool
}

var _ mailer.Sender = (*Client)(nil)

// New returns a client with a private pool.
func New(cfg mailer.Config, opts ...Option) (*Client, error) {
	c, o, err := newClient(cfg, opts)
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("client-%d", privatePool.Add(1))
	p := c.newPool(name, o)
	c.pool = p
	c.release = p.Shutdown
	c.logger.Debug("mail client created", "pool", name, "host", c.cfg.Hostname)
	return c, nil
}

// NewShared returns a client that shares its pool with every other shared
// client of the same poolName and connection settings. The pool is sized
// by the client that creates it.
func NewShared(cfg mailer.Config, poolName string, opts ...Option) (*Client, error) {
	if poolName == "" {
		poolName = DefaultPoolName
	}
	c, o, err := newClient(cfg, opts)
	if err != nil {
		return nil, err
	}
	key := sharedKey{name: poolName, key: c.cfg.PoolKey()}
	c.pool = shared.Acquire(key, func() *pool.Pool[*session.Session] {
		return c.newPool(poolName+"/"+key.key.ID()[:8], o)
	})
	c.release = func() { shared.Release(key) }
	c.logger.Debug("mail client created", "pool", c.pool.Name(), "host", c.cfg.Hostname)
	return c, nil
}

func newClient(cfg mailer.Config, opts []Option) (*Client, *options, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	o := &options{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.sessionOpts = append(o.sessionOpts, session.WithLogger(o.logger))

	// The own hostname is resolved once and reused for every session and
	// Message-ID.
	ownName := cfg.OwnHostnameOrDefault()
	return &Client{
		cfg:     cfg,
		ownName: ownName,
		encoder: encoder.New(ownName, cfg.UserAgent, encoder.WithClock(o.now)),
		logger:  o.logger,
	}, o, nil
}

func (c *Client) newPool(name string, o *options) *pool.Pool[*session.Session] {
	cfg := c.cfg
	cfg.OwnHostname = c.ownName
	sessionOpts := o.sessionOpts
	idle := time.Duration(0)
	if cfg.KeepAlive {
		idle = cfg.KeepAliveTimeout
	}
	return pool.New(func(ctx context.Context) (*session.Session, error) {
		return session.Dial(ctx, &cfg, sessionOpts...)
	}, pool.Options{
		Name:        name,
		MaxSize:     cfg.MaxPoolSize,
		KeepAlive:   cfg.KeepAlive,
		IdleTimeout: idle,
		ProbeAfter:  o.probeAfter,
		Logger:      o.logger,
		Now:         o.now,
	})
}

// SendMail validates, encodes and sends msg. It returns either a Result or
// an *mailer.Error, never both. The session used is returned to the pool
// on success and closed on any failure.
func (c *Client) SendMail(ctx context.Context, msg *mailer.Message) (res *mailer.Result, err error) {
	start := time.Now()
	defer func() { c.observe(start, err) }()

	if c.closed.Load() {
		return nil, mailer.Errorf(mailer.KindPoolClosed, "send", "mail client has been closed")
	}
	if msg == nil {
		return nil, mailer.Errorf(mailer.KindInvalidMessage, "validate", "message is nil")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	from, rcpts, err := msg.Envelope()
	if err != nil {
		return nil, mailer.NewError(mailer.KindInvalidMessage, "envelope", err)
	}
	enc, err := c.encoder.Encode(msg)
	if err != nil {
		var me *mailer.Error
		if errors.As(err, &me) {
			return nil, err
		}
		return nil, mailer.NewError(mailer.KindInvalidMessage, "encode", err)
	}
	metrics.MessageBytes.Observe(float64(len(enc.Data)))

	s, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	env := session.Envelope{
		From:            from,
		To:              rcpts,
		AllowRcptErrors: c.cfg.AllowRcptErrors,
		Pipelining:      c.cfg.Pipelining,
	}
	accepted, err := s.Send(ctx, env, enc.Data)
	if err != nil {
		c.pool.Discard(s)
		var me *mailer.Error
		if errors.As(err, &me) && me.Kind == mailer.KindRecipient {
			metrics.RecipientsRejectedTotal.Add(float64(len(me.Recipients)))
		}
		c.logger.Debug("send failed", "pool", c.pool.Name(), "message_id", enc.MessageID, "err", err)
		return nil, err
	}
	c.pool.Release(s)

	if rejected := len(rcpts) - len(accepted); rejected > 0 {
		metrics.RecipientsRejectedTotal.Add(float64(rejected))
	}
	c.logger.Debug("message sent", "pool", c.pool.Name(), "message_id", enc.MessageID, "recipients", len(accepted))
	return &mailer.Result{MessageID: enc.MessageID, Recipients: accepted}, nil
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

// Close releases the client's pool reference. In-flight sends finish on
// their sessions, which are then closed. Closing twice is an error.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return mailer.Errorf(mailer.KindPoolClosed, "close", "mail client has been closed")
	}
	c.release()
	c.logger.Debug("mail client closed", "pool", c.pool.Name())
	return nil
}

// Stats reports the occupancy of the client's pool.
func (c *Client) Stats() pool.Stats { return c.pool.Stats() }

// PoolName returns the name of the client's pool.
func (c *Client) PoolName() string { return c.pool.Name() }

func (c *Client) observe(start time.Time, err error) {
	result := metrics.ResultOK
	if err != nil {
		result = mailer.KindOf(err).String()
	}
	metrics.SendsTotal.WithLabelValues(result).Inc()
	metrics.SendDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
}
