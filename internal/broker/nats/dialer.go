// Package nats implements the broker contracts on top of a NATS server that
// bridges the realtime topics as subjects.
package nats

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"dronefood-realtime/internal/broker"
	"dronefood-realtime/internal/logger"
)

// Options configures a Dialer.
type Options struct {
	Name     string
	Username string
	Password string
	// PingInterval plays the heart-beat role; MaxPingsOut unanswered pings
	// mark the connection stale.
	PingInterval   time.Duration
	MaxPingsOut    int
	ConnectTimeout time.Duration

	TLSConfig *tls.Config
	Logger    *logger.Logger

	connect connectFunc
}

// Option mutates Options.
type Option func(*Options)

// WithName sets the connection name shown in server monitoring.
func WithName(name string) Option {
	return func(o *Options) { o.Name = name }
}

// WithCredentials sets user and password.
func WithCredentials(username, password string) Option {
	return func(o *Options) {
		o.Username = username
		o.Password = password
	}
}

// WithPingInterval sets the ping interval.
func WithPingInterval(d time.Duration) Option {
	return func(o *Options) { o.PingInterval = d }
}

// WithConnectTimeout bounds the connect handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *Options) { o.ConnectTimeout = d }
}

// WithTLSConfig enables TLS.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *Options) { o.TLSConfig = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// Dialer opens NATS connections.
type Dialer struct {
	servers string
	opts    Options
}

// NewDialer creates a dialer for a comma separated list of server URLs.
func NewDialer(servers string, opts ...Option) (*Dialer, error) {
	if strings.TrimSpace(servers) == "" {
		return nil, fmt.Errorf("no NATS server URLs provided")
	}

	o := Options{
		PingInterval:   4 * time.Second,
		MaxPingsOut:    2,
		ConnectTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
	if o.connect == nil {
		o.connect = natsConnect
	}

	return &Dialer{servers: servers, opts: o}, nil
}

// String implements broker.Dialer
func (d *Dialer) String() string {
	return "nats " + d.servers
}

// Dial implements broker.Dialer. Client-side reconnect is disabled so a lost
// connection ends the Conn. Asynchronous server errors such as permission
// violations go to onError.
func (d *Dialer) Dial(ctx context.Context, onError broker.ErrorHandler) (broker.Conn, error) {
	name := d.opts.Name
	if name == "" {
		name = "realtime-" + uuid.NewString()
	}

	c := &Conn{
		logger:   d.opts.Logger.With("name", name),
		signal:   broker.NewCloseSignal(),
		onError:  onError,
		handlers: make(map[string]broker.MessageHandler),
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.NoReconnect(),
		nats.Timeout(d.opts.ConnectTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleAsyncError),
	}
	if d.opts.PingInterval > 0 {
		opts = append(opts,
			nats.PingInterval(d.opts.PingInterval),
			nats.MaxPingsOutstanding(d.opts.MaxPingsOut))
	}
	if d.opts.Username != "" {
		opts = append(opts, nats.UserInfo(d.opts.Username, d.opts.Password))
	}
	if d.opts.TLSConfig != nil {
		opts = append(opts, nats.Secure(d.opts.TLSConfig))
	}

	d.opts.Logger.Info("connecting to NATS server", "urls", d.servers)

	type result struct {
		nc  connection
		err error
	}
	done := make(chan result, 1)
	go func() {
		nc, err := d.opts.connect(d.servers, opts...)
		done <- result{nc, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to connect to NATS server: %w", r.err)
		}
		c.nc = r.nc
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				r.nc.Close()
			}
		}()
		return nil, fmt.Errorf("nats connect aborted: %w", ctx.Err())
	}

	c.logger.Info("connected to NATS server", "url", c.nc.ConnectedUrl())
	return c, nil
}
