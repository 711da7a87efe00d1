// Package mqtt implements the broker contracts on top of an MQTT broker that
// bridges the realtime topics, using the paho client.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"dronefood-realtime/internal/broker"
	"dronefood-realtime/internal/logger"
)

// ClientFactory creates the paho client for a set of options. Tests swap it
// for a mock.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Options configures a Dialer.
type Options struct {
	ClientID string
	Username string
	Password string
	// KeepAlive is the MQTT keepalive; it plays the heart-beat role. Zero
	// disables pinging.
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	// QoS used for subscriptions.
	QoS byte
	// Quiesce is how long Close lets in-flight work finish.
	Quiesce time.Duration

	TLSConfig *tls.Config
	Logger    *logger.Logger
	NewClient ClientFactory
}

// Option mutates Options.
type Option func(*Options)

// WithClientID sets the client id. Empty means a random one per dial.
func WithClientID(id string) Option {
	return func(o *Options) { o.ClientID = id }
}

// WithCredentials sets the username and password.
func WithCredentials(username, password string) Option {
	return func(o *Options) {
		o.Username = username
		o.Password = password
	}
}

// WithKeepAlive sets the keepalive interval.
func WithKeepAlive(d time.Duration) Option {
	return func(o *Options) { o.KeepAlive = d }
}

// WithConnectTimeout bounds the CONNECT exchange.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *Options) { o.ConnectTimeout = d }
}

// WithQoS sets the subscription QoS.
func WithQoS(qos byte) Option {
	return func(o *Options) { o.QoS = qos }
}

// WithTLSConfig enables TLS.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *Options) { o.TLSConfig = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithClientFactory replaces mqtt.NewClient.
func WithClientFactory(f ClientFactory) Option {
	return func(o *Options) { o.NewClient = f }
}

// Dialer opens MQTT sessions.
type Dialer struct {
	server string
	opts   Options
}

// NewDialer creates a dialer for server, e.g. tcp://broker:1883 or
// ws://broker:9001/mqtt.
func NewDialer(server string, opts ...Option) (*Dialer, error) {
	if server == "" {
		return nil, fmt.Errorf("mqtt server cannot be empty")
	}
	if !strings.Contains(server, "://") {
		server = "tcp://" + server
	}

	o := Options{
		KeepAlive:      4 * time.Second,
		ConnectTimeout: 10 * time.Second,
		Quiesce:        250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
	if o.NewClient == nil {
		o.NewClient = mqtt.NewClient
	}
	if o.QoS > 2 {
		return nil, fmt.Errorf("invalid QoS %d", o.QoS)
	}

	return &Dialer{server: server, opts: o}, nil
}

// String implements broker.Dialer
func (d *Dialer) String() string {
	return "mqtt " + d.server
}

// Dial implements broker.Dialer. paho's own reconnect logic is disabled; a
// lost connection ends the Conn and the caller decides what happens next.
// MQTT 3.1.1 has no protocol error reports, so the error handler is unused.
func (d *Dialer) Dial(ctx context.Context, _ broker.ErrorHandler) (broker.Conn, error) {
	clientID := d.opts.ClientID
	if clientID == "" {
		clientID = newClientID()
	}

	c := &Conn{
		logger:   d.opts.Logger.With("clientId", clientID),
		signal:   broker.NewCloseSignal(),
		qos:      d.opts.QoS,
		quiesce:  d.opts.Quiesce,
		handlers: make(map[string]broker.MessageHandler),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(d.server).
		SetClientID(clientID).
		SetUsername(d.opts.Username).
		SetPassword(d.opts.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetKeepAlive(d.opts.KeepAlive).
		SetConnectTimeout(d.opts.ConnectTimeout).
		SetConnectionLostHandler(c.handleConnectionLost)
	if d.opts.TLSConfig != nil {
		opts.SetTLSConfig(d.opts.TLSConfig)
	}

	c.client = d.opts.NewClient(opts)

	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		go c.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect aborted: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	c.logger.Info("mqtt client connected", "broker", d.server)
	return c, nil
}

// newClientID returns a random id within the 23 character limit of MQTT 3.1.
func newClientID() string {
	return "rt-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}
