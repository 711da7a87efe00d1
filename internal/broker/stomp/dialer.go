package stomp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"dronefood-realtime/internal/broker"
	"dronefood-realtime/internal/logger"
)

// Options configures a Dialer.
type Options struct {
	// Endpoints are URL paths tried in order until one accepts the WebSocket
	// upgrade. Empty means the base URL's own path.
	Endpoints []string

	Login    string
	Passcode string
	// Host is sent as the STOMP virtual host. Defaults to the URL host name.
	Host string

	// HeartbeatOutgoing and HeartbeatIncoming are the intervals offered to
	// the broker. Zero disables that direction.
	HeartbeatOutgoing time.Duration
	HeartbeatIncoming time.Duration
	// HeartbeatTolerance scales the incoming interval into the silence
	// window after which the connection is considered lost.
	HeartbeatTolerance float64

	HandshakeTimeout time.Duration

	Clock     clockwork.Clock
	Logger    *logger.Logger
	WSDialer  *websocket.Dialer
	WSHeaders http.Header
}

// Option mutates Options.
type Option func(*Options)

// WithEndpoints sets the ordered endpoint paths.
func WithEndpoints(paths ...string) Option {
	return func(o *Options) { o.Endpoints = paths }
}

// WithCredentials sets the STOMP login and passcode.
func WithCredentials(login, passcode string) Option {
	return func(o *Options) {
		o.Login = login
		o.Passcode = passcode
	}
}

// WithHost overrides the STOMP virtual host.
func WithHost(host string) Option {
	return func(o *Options) { o.Host = host }
}

// WithHeartbeat sets the offered outgoing and incoming heart-beat intervals.
func WithHeartbeat(outgoing, incoming time.Duration) Option {
	return func(o *Options) {
		o.HeartbeatOutgoing = outgoing
		o.HeartbeatIncoming = incoming
	}
}

// WithHeartbeatTolerance sets the silence window multiplier.
func WithHeartbeatTolerance(f float64) Option {
	return func(o *Options) { o.HeartbeatTolerance = f }
}

// WithHandshakeTimeout bounds the WebSocket upgrade plus CONNECT exchange.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *Options) { o.HandshakeTimeout = d }
}

// WithClock injects the clock driving heart-beats.
func WithClock(c clockwork.Clock) Option {
	return func(o *Options) { o.Clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithWebSocketDialer replaces the gorilla dialer, e.g. for TLS settings.
func WithWebSocketDialer(d *websocket.Dialer) Option {
	return func(o *Options) { o.WSDialer = d }
}

// WithWebSocketHeaders adds HTTP headers to the upgrade request.
func WithWebSocketHeaders(h http.Header) Option {
	return func(o *Options) { o.WSHeaders = h }
}

// Dialer opens STOMP sessions against a base URL.
type Dialer struct {
	base *url.URL
	opts Options
}

// NewDialer creates a dialer for baseURL. http and https schemes are mapped
// to ws and wss; a missing scheme means ws.
func NewDialer(baseURL string, opts ...Option) (*Dialer, error) {
	o := Options{
		HeartbeatOutgoing:  4 * time.Second,
		HeartbeatIncoming:  4 * time.Second,
		HeartbeatTolerance: 2,
		HandshakeTimeout:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
	if o.WSDialer == nil {
		d := *websocket.DefaultDialer
		d.Subprotocols = []string{"v12.stomp", "v11.stomp"}
		o.WSDialer = &d
	}
	if o.HeartbeatTolerance < 1 {
		o.HeartbeatTolerance = 1
	}

	base, err := normalizeURL(baseURL)
	if err != nil {
		return nil, err
	}
	if o.Host == "" {
		o.Host = base.Hostname()
	}

	for _, ep := range o.Endpoints {
		if !strings.HasPrefix(ep, "/") {
			return nil, fmt.Errorf("endpoint must start with '/': %s", ep)
		}
	}

	return &Dialer{base: base, opts: o}, nil
}

func normalizeURL(raw string) (*url.URL, error) {
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid WebSocket URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http", "tcp":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("URL has no host: %s", raw)
	}
	return u, nil
}

// URLs returns the endpoint URLs in the order Dial tries them.
func (d *Dialer) URLs() []string {
	if len(d.opts.Endpoints) == 0 {
		return []string{d.base.String()}
	}
	urls := make([]string, 0, len(d.opts.Endpoints))
	for _, ep := range d.opts.Endpoints {
		u := *d.base
		u.Path = strings.TrimSuffix(d.base.Path, "/") + ep
		urls = append(urls, u.String())
	}
	return urls
}

// String implements broker.Dialer
func (d *Dialer) String() string {
	return "stomp " + d.base.String()
}

// Dial implements broker.Dialer. Endpoints are tried in order until one
// upgrades; a broker that rejects CONNECT fails the dial without trying the
// rest. ERROR frames received after CONNECTED go to onError.
func (d *Dialer) Dial(ctx context.Context, onError broker.ErrorHandler) (broker.Conn, error) {
	conn, err := d.DialSTOMP(ctx, onError)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// DialSTOMP is Dial returning the concrete connection.
func (d *Dialer) DialSTOMP(ctx context.Context, onError broker.ErrorHandler) (*Conn, error) {
	if d.opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.HandshakeTimeout)
		defer cancel()
	}

	var errs []error
	for _, endpoint := range d.URLs() {
		ws, resp, err := d.opts.WSDialer.DialContext(ctx, endpoint, d.opts.WSHeaders)
		if err != nil {
			if resp != nil {
				err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
			}
			d.opts.Logger.Debug("websocket endpoint unavailable",
				"endpoint", endpoint,
				"error", err)
			errs = append(errs, fmt.Errorf("%s: %w", endpoint, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}

		conn, err := d.handshake(ctx, ws, endpoint, onError)
		if err != nil {
			_ = ws.Close()
			return nil, err
		}
		return conn, nil
	}

	return nil, fmt.Errorf("no endpoint accepted the connection: %w", errors.Join(errs...))
}

func (d *Dialer) handshake(ctx context.Context, ws *websocket.Conn, endpoint string, onError broker.ErrorHandler) (*Conn, error) {
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	connect := NewFrame(CmdConnect,
		HdrAcceptVersion, "1.2,1.1",
		HdrHost, d.opts.Host,
		HdrHeartBeat, formatHeartbeat(d.opts.HeartbeatOutgoing, d.opts.HeartbeatIncoming),
	)
	if d.opts.Login != "" {
		connect.Set(HdrLogin, d.opts.Login)
		connect.Set(HdrPasscode, d.opts.Passcode)
	}

	if err := ws.WriteMessage(websocket.TextMessage, connect.Marshal()); err != nil {
		return nil, ctxOr(ctx, fmt.Errorf("failed to send CONNECT: %w", err))
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return nil, ctxOr(ctx, fmt.Errorf("failed to read CONNECTED: %w", err))
		}
		frames, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("malformed handshake response: %w", err)
		}
		if len(frames) == 0 {
			continue // heart-beat before CONNECTED
		}

		f := frames[0]
		switch f.Command {
		case CmdConnected:
			sx, sy := parseHeartbeat(f.Value(HdrHeartBeat))
			out := negotiate(d.opts.HeartbeatOutgoing, sy)
			in := negotiate(d.opts.HeartbeatIncoming, sx)

			d.opts.Logger.Info("stomp session established",
				"endpoint", endpoint,
				"version", f.Value(HdrVersion),
				"heartbeatOut", out,
				"heartbeatIn", in)

			return newConn(ws, f, endpoint, out, in, &d.opts, onError), nil
		case CmdError:
			return nil, &broker.ProtocolError{
				Message: f.Value(HdrMessage),
				Details: string(f.Body),
			}
		default:
			return nil, fmt.Errorf("unexpected %s frame during handshake", f.Command)
		}
	}
}

// ctxOr prefers the context error when the context ended the exchange.
func ctxOr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("handshake aborted: %w", ctxErr)
	}
	return err
}

func formatHeartbeat(out, in time.Duration) string {
	return strconv.FormatInt(out.Milliseconds(), 10) + "," + strconv.FormatInt(in.Milliseconds(), 10)
}

// parseHeartbeat reads "sx,sy" from CONNECTED. Malformed values disable
// heart-beats.
func parseHeartbeat(v string) (sx, sy time.Duration) {
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return 0, 0
	}
	x, err1 := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	y, err2 := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err1 != nil || err2 != nil || x < 0 || y < 0 {
		return 0, 0
	}
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond
}

// negotiate applies the STOMP rule: disabled if either side offers zero,
// otherwise the larger of the two.
func negotiate(ours, theirs time.Duration) time.Duration {
	if ours <= 0 || theirs <= 0 {
		return 0
	}
	return max(ours, theirs)
}
