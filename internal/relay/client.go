package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	sio "github.com/zishang520/socket.io-client-go/socket"
)

// Reserved local events, dispatched by the client itself.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

// Transport names accepted in Options.Transports.
const (
	TransportWebSocket = "websocket"
	TransportPolling   = "polling"
)

const (
	defaultPath                 = "/socket.io"
	defaultTimeout              = 10 * time.Second
	defaultReconnectionDelay    = time.Second
	defaultReconnectionDelayMax = 5 * time.Second
	randomizationFactor         = 0.5
)

var (
	ErrClosed         = errors.New("relay: client closed")
	ErrConnectTimeout = errors.New("relay: connect timeout")
)

var transportCtors = map[string]transports.TransportCtor{
	TransportWebSocket: transports.WebSocket,
	TransportPolling:   transports.Polling,
}

// Options configures a Client.
type Options struct {
	// URL is the relay endpoint, e.g. https://relay.example.com.
	URL string
	// Path is the Engine.IO mount path. Defaults to /socket.io.
	Path string
	// Transports are tried in order on the first connect. Reconnects stay
	// on the transport that worked.
	Transports []string
	// Timeout bounds each connection attempt.
	Timeout time.Duration

	Reconnection         bool
	ReconnectionDelay    time.Duration
	ReconnectionDelayMax time.Duration

	Header http.Header
	Logger *slog.Logger
}

// Handler receives the JSON arguments of a relay event.
type Handler func(args []json.RawMessage)

type pendingEmit struct {
	event string
	args  []any
}

// Client is a long-lived relay connection on the default Socket.IO
// namespace.
type Client struct {
	opts Options
	uri  string
	log  *slog.Logger

	mu        sync.Mutex
	handlers  map[string][]Handler
	pending   []pendingEmit
	socket    *sio.Socket
	transport string
	closed    bool

	closing     chan struct{}
	connectOnce sync.Once
	connectErr  error
}

// New validates opts and returns an unconnected client.
func New(opts Options) (*Client, error) {
	uri, err := relayURL(opts.URL)
	if err != nil {
		return nil, err
	}
	if len(opts.Transports) == 0 {
		opts.Transports = []string{TransportWebSocket, TransportPolling}
	}
	for _, name := range opts.Transports {
		if _, ok := transportCtors[name]; !ok {
			return nil, fmt.Errorf("relay: unknown transport %q", name)
		}
	}
	if opts.Path == "" {
		opts.Path = defaultPath
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ReconnectionDelay <= 0 {
		opts.ReconnectionDelay = defaultReconnectionDelay
	}
	if opts.ReconnectionDelayMax < opts.ReconnectionDelay {
		opts.ReconnectionDelayMax = max(defaultReconnectionDelayMax, opts.ReconnectionDelay)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		opts:     opts,
		uri:      uri,
		log:      logger.With("component", "relay"),
		handlers: make(map[string][]Handler),
		closing:  make(chan struct{}),
	}, nil
}

// relayURL checks the endpoint and normalises websocket schemes, which the
// Engine.IO handshake does not accept.
func relayURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("invalid relay URL %q: unsupported scheme", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid relay URL %q: missing host", raw)
	}
	return u.String(), nil
}

// Connect establishes the first connection. Afterwards the connection is
// kept alive in the background while Options.Reconnection is set. Later
// calls return the first call's result.
func (c *Client) Connect(ctx context.Context) error {
	c.connectOnce.Do(func() {
		c.connectErr = c.connect(ctx)
	})
	return c.connectErr
}

func (c *Client) connect(ctx context.Context) error {
	var errs []error
	for _, name := range c.opts.Transports {
		s, err := c.open(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrClosed) {
				return err
			}
			c.log.Debug("transport failed", "transport", name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			s.Disconnect()
			return ErrClosed
		}
		c.socket, c.transport = s, name
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()

		c.log.Info("connected", "transport", name, "id", s.Id())
		for _, p := range pending {
			if err := s.Emit(p.event, p.args...); err != nil {
				c.log.Warn("flush buffered emit", "event", p.event, "err", err)
			}
		}
		c.dispatch(EventConnect, nil)
		return nil
	}
	return fmt.Errorf("connect %s: %w", c.opts.URL, errors.Join(errs...))
}

// open connects one transport to the default namespace.
func (c *Client) open(ctx context.Context, name string) (*sio.Socket, error) {
	opts := sio.DefaultOptions()
	opts.SetPath(c.opts.Path)
	opts.SetTransports(types.NewSet(transportCtors[name]))
	opts.SetTimeout(c.opts.Timeout)
	opts.SetReconnection(c.opts.Reconnection)
	opts.SetReconnectionDelay(float64(c.opts.ReconnectionDelay.Milliseconds()))
	opts.SetReconnectionDelayMax(float64(c.opts.ReconnectionDelayMax.Milliseconds()))
	opts.SetRandomizationFactor(randomizationFactor)
	opts.SetAutoConnect(false)
	if c.opts.Header != nil {
		opts.SetExtraHeaders(c.opts.Header)
	}

	s := sio.NewManager(c.uri, opts).Socket("/", nil)

	result := make(chan error, 1)
	report := func(err error) {
		select {
		case result <- err:
		default:
		}
	}
	s.Once("connect", func(...any) { report(nil) })
	s.On("connect_error", func(args ...any) {
		err := connectError(args)
		c.log.Debug("connect error", "transport", name, "err", err)
		report(err)
	})
	c.bridge(s)
	s.Connect()

	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()

	select {
	case err := <-result:
		if err == nil {
			return s, nil
		}
		s.Disconnect()
		return nil, err
	case <-timer.C:
		s.Disconnect()
		return nil, fmt.Errorf("%w after %s", ErrConnectTimeout, c.opts.Timeout)
	case <-ctx.Done():
		s.Disconnect()
		return nil, ctx.Err()
	case <-c.closing:
		s.Disconnect()
		return nil, ErrClosed
	}
}

func connectError(args []any) error {
	if len(args) == 0 {
		return errors.New("namespace connect failed")
	}
	err, ok := args[0].(error)
	if !ok {
		return fmt.Errorf("namespace connect failed: %v", args[0])
	}
	var refused *sio.ExtendedError
	if errors.As(err, &refused) {
		return fmt.Errorf("namespace connect refused: %s", refused.Message)
	}
	if err.Error() == "timeout" {
		return ErrConnectTimeout
	}
	return err
}

// bridge forwards the events of s to the registered handlers while s is the
// active socket.
func (c *Client) bridge(s *sio.Socket) {
	var opened atomic.Bool
	s.On("connect", func(...any) {
		// The first connect is reported by connect itself.
		if !opened.Swap(true) || !c.current(s) {
			return
		}
		c.log.Info("reconnected", "id", s.Id())
		c.dispatch(EventConnect, nil)
	})
	s.On("disconnect", func(args ...any) {
		if !c.current(s) {
			return
		}
		reason := "transport close"
		if len(args) > 0 {
			if r, ok := args[0].(string); ok {
				reason = r
			}
		}
		c.log.Warn("disconnected", "reason", reason)
		raw, _ := json.Marshal(reason)
		c.dispatch(EventDisconnect, []json.RawMessage{raw})
	})
	s.OnAny(func(args ...any) {
		if len(args) == 0 || !c.current(s) {
			return
		}
		name, ok := args[0].(string)
		if !ok {
			return
		}
		c.dispatch(name, c.encodeArgs(name, args[1:]))
	})
}

func (c *Client) current(s *sio.Socket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socket == s
}

// encodeArgs turns decoded event arguments back into JSON. Acknowledgement
// callbacks and other values without a JSON form are skipped.
func (c *Client) encodeArgs(event string, args []any) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			c.log.Debug("dropping argument", "event", event, "err", err)
			continue
		}
		out = append(out, raw)
	}
	return out
}

// On registers a handler for event. Events are delivered on library
// goroutines, so handlers for different events may run concurrently.
func (c *Client) On(event string, h Handler) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.mu.Unlock()
}

// Off removes every handler registered for event.
func (c *Client) Off(event string) {
	c.mu.Lock()
	delete(c.handlers, event)
	c.mu.Unlock()
}

func (c *Client) dispatch(event string, args []json.RawMessage) {
	c.mu.Lock()
	hs := append([]Handler(nil), c.handlers[event]...)
	c.mu.Unlock()

	for _, h := range hs {
		h(args)
	}
}

// Emit sends an event with JSON-encoded arguments. Emits made before the
// first connect, or while reconnecting, are sent once the connection is
// back.
func (c *Client) Emit(event string, args ...any) error {
	if event == EventConnect || event == EventDisconnect {
		return fmt.Errorf("relay: %q is a reserved event", event)
	}
	for _, a := range args {
		if _, err := json.Marshal(a); err != nil {
			return fmt.Errorf("relay: encode %s: %w", event, err)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	s := c.socket
	if s == nil {
		c.pending = append(c.pending, pendingEmit{event: event, args: args})
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return s.Emit(event, args...)
}

// ID returns the socket id assigned by the relay, or "" while disconnected.
func (c *Client) ID() string {
	c.mu.Lock()
	s := c.socket
	c.mu.Unlock()
	if s == nil {
		return ""
	}
	return s.Id()
}

// Connected reports whether the namespace is currently connected.
func (c *Client) Connected() bool {
	c.mu.Lock()
	s, closed := c.socket, c.closed
	c.mu.Unlock()
	return s != nil && !closed && s.Connected()
}

// Transport returns the name of the active transport.
func (c *Client) Transport() string {
	if !c.Connected() {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// Close disconnects from the relay and stops reconnection. A Connect still
// in progress returns ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.pending = nil
	s := c.socket
	close(c.closing)
	c.mu.Unlock()

	c.connectOnce.Do(func() { c.connectErr = ErrClosed })

	if s != nil {
		s.Disconnect()
		c.log.Info("disconnected", "reason", "client close")
	}
	return nil
}
