package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zishang520/engine.io/v2/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io/v2/socket"
)

type relayEvent struct {
	Name string
	Args []json.RawMessage
}

// testRelay is an in-process Socket.IO server recording what clients emit.
type testRelay struct {
	io     *socket.Server
	http   *httptest.Server
	events chan relayEvent

	mu      sync.Mutex
	sockets []*socket.Socket
	refuse  string
}

func newTestRelay(t *testing.T, allowed ...string) *testRelay {
	t.Helper()
	if len(allowed) == 0 {
		allowed = []string{transports.POLLING, transports.WEBSOCKET}
	}
	opts := socket.DefaultServerOptions()
	opts.SetTransports(types.NewSet(allowed...))

	r := &testRelay{events: make(chan relayEvent, 16)}
	r.io = socket.NewServer(nil, opts)
	r.io.Use(func(s *socket.Socket, next func(*socket.ExtendedError)) {
		r.mu.Lock()
		refuse := r.refuse
		r.mu.Unlock()
		if refuse != "" {
			next(socket.NewExtendedError(refuse, nil))
			return
		}
		next(nil)
	})
	r.io.On("connection", func(clients ...any) {
		s := clients[0].(*socket.Socket)
		r.mu.Lock()
		r.sockets = append(r.sockets, s)
		r.mu.Unlock()
		s.OnAny(func(args ...any) {
			name, _ := args[0].(string)
			ev := relayEvent{Name: name}
			for _, a := range args[1:] {
				raw, err := json.Marshal(a)
				if err == nil {
					ev.Args = append(ev.Args, raw)
				}
			}
			r.events <- ev
		})
	})
	r.http = httptest.NewServer(r.io.ServeHandler(nil))
	t.Cleanup(func() {
		r.io.Close(nil)
		r.http.Close()
	})
	return r
}

func (r *testRelay) URL() string { return r.http.URL }

func (r *testRelay) last(t *testing.T) *socket.Socket {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.sockets)
	return r.sockets[len(r.sockets)-1]
}

func (r *testRelay) connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sockets)
}

func (r *testRelay) waitEvent(t *testing.T) relayEvent {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no event reached the relay")
		return relayEvent{}
	}
}

func connectClient(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	return c
}

func TestConnectOverWebSocket(t *testing.T) {
	srv := newTestRelay(t)
	c := connectClient(t, Options{URL: srv.URL()})

	assert.True(t, c.Connected())
	assert.Equal(t, TransportWebSocket, c.Transport())
	assert.Equal(t, string(srv.last(t).Id()), c.ID())

	require.NoError(t, c.Emit("join-room", "room-1"))
	ev := srv.waitEvent(t)
	assert.Equal(t, "join-room", ev.Name)
	require.Len(t, ev.Args, 1)
	assert.JSONEq(t, `"room-1"`, string(ev.Args[0]))
}

func TestTransportOrderIsRespected(t *testing.T) {
	srv := newTestRelay(t)
	c := connectClient(t, Options{URL: srv.URL(), Transports: []string{TransportPolling, TransportWebSocket}})

	assert.Equal(t, TransportPolling, c.Transport())
}

func TestFallsBackToPolling(t *testing.T) {
	srv := newTestRelay(t, transports.POLLING)
	c := connectClient(t, Options{URL: srv.URL(), Timeout: 2 * time.Second})

	assert.Equal(t, TransportPolling, c.Transport())

	got := make(chan json.RawMessage, 1)
	c.On("receive-answer", func(args []json.RawMessage) { got <- args[0] })

	require.NoError(t, c.Emit("offer", map[string]string{"roomId": "r"}))
	ev := srv.waitEvent(t)
	assert.Equal(t, "offer", ev.Name)
	assert.JSONEq(t, `{"roomId":"r"}`, string(ev.Args[0]))

	require.NoError(t, srv.last(t).Emit("receive-answer", map[string]string{"sender": "peer"}))
	select {
	case raw := <-got:
		assert.JSONEq(t, `{"sender":"peer"}`, string(raw))
	case <-time.After(3 * time.Second):
		t.Fatal("answer not dispatched")
	}
}

func TestOffRemovesHandlers(t *testing.T) {
	srv := newTestRelay(t)
	c := connectClient(t, Options{URL: srv.URL()})

	got := make(chan struct{}, 4)
	c.On("room-full", func([]json.RawMessage) { got <- struct{}{} })
	c.On("room-full", func([]json.RawMessage) { got <- struct{}{} })

	require.NoError(t, srv.last(t).Emit("room-full", "r"))
	for range 2 {
		select {
		case <-got:
		case <-time.After(3 * time.Second):
			t.Fatal("handler not called")
		}
	}

	c.Off("room-full")
	require.NoError(t, srv.last(t).Emit("room-full", "r"))
	select {
	case <-got:
		t.Fatal("handler called after Off")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEmitBufferedUntilConnect(t *testing.T) {
	srv := newTestRelay(t)
	c, err := New(Options{URL: srv.URL()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.Emit("join-room", "early"))
	assert.False(t, c.Connected())

	require.NoError(t, c.Connect(context.Background()))
	ev := srv.waitEvent(t)
	assert.Equal(t, "join-room", ev.Name)
	assert.JSONEq(t, `"early"`, string(ev.Args[0]))
}

func TestReconnectsAfterTransportClose(t *testing.T) {
	srv := newTestRelay(t)
	c, err := New(Options{
		URL:                  srv.URL(),
		Reconnection:         true,
		ReconnectionDelay:    50 * time.Millisecond,
		ReconnectionDelayMax: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	connects := make(chan struct{}, 4)
	drops := make(chan string, 4)
	c.On(EventConnect, func([]json.RawMessage) { connects <- struct{}{} })
	c.On(EventDisconnect, func(args []json.RawMessage) {
		var reason string
		_ = json.Unmarshal(args[0], &reason)
		drops <- reason
	})

	require.NoError(t, c.Connect(context.Background()))
	<-connects

	srv.last(t).Conn().Close(false)

	select {
	case reason := <-drops:
		assert.NotEmpty(t, reason)
	case <-time.After(3 * time.Second):
		t.Fatal("disconnect not reported")
	}
	select {
	case <-connects:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not reconnect")
	}
	assert.Equal(t, 2, srv.connections())

	require.NoError(t, c.Emit("join-room", "again"))
	ev := srv.waitEvent(t)
	assert.Equal(t, "join-room", ev.Name)
}

func TestServerDisconnectStopsReconnection(t *testing.T) {
	srv := newTestRelay(t)
	c, err := New(Options{
		URL:               srv.URL(),
		Reconnection:      true,
		ReconnectionDelay: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	drops := make(chan string, 1)
	c.On(EventDisconnect, func(args []json.RawMessage) {
		var reason string
		_ = json.Unmarshal(args[0], &reason)
		drops <- reason
	})
	require.NoError(t, c.Connect(context.Background()))

	srv.last(t).Disconnect(true)

	select {
	case reason := <-drops:
		assert.Equal(t, "io server disconnect", reason)
	case <-time.After(3 * time.Second):
		t.Fatal("disconnect not reported")
	}
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, srv.connections())
	assert.False(t, c.Connected())
}

func TestConnectRefusedByNamespace(t *testing.T) {
	srv := newTestRelay(t)
	srv.refuse = "not allowed"

	c, err := New(Options{URL: srv.URL(), Transports: []string{TransportWebSocket}})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "namespace connect refused: not allowed")
	assert.False(t, c.Connected())
}

func TestConnectFailsWhenEveryTransportFails(t *testing.T) {
	c, err := New(Options{URL: "http://127.0.0.1:1", Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "websocket:")
	assert.Contains(t, err.Error(), "polling:")
}

func TestConnectTimeout(t *testing.T) {
	// Accepts the websocket upgrade but never sends the Engine.IO open packet.
	var upgrader websocket.Upgrader
	silent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(silent.Close)

	c, err := New(Options{URL: silent.URL, Transports: []string{TransportWebSocket}, Timeout: 300 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	start := time.Now()
	err = c.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnectTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestCloseDisconnectsAndRejectsEmits(t *testing.T) {
	srv := newTestRelay(t)
	c, err := New(Options{
		URL:               srv.URL(),
		Reconnection:      true,
		ReconnectionDelay: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.False(t, c.Connected())
	assert.Empty(t, c.Transport())
	assert.ErrorIs(t, c.Emit("join-room", "r"), ErrClosed)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, srv.connections())
}

func TestCloseBeforeConnect(t *testing.T) {
	srv := newTestRelay(t)
	c, err := New(Options{URL: srv.URL()})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, srv.connections())
}

func TestCloseDuringConnect(t *testing.T) {
	var upgrader websocket.Upgrader
	silent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(silent.Close)

	c, err := New(Options{URL: silent.URL, Transports: []string{TransportWebSocket}, Timeout: 5 * time.Second})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Close")
	}
	assert.False(t, c.Connected())
}

func TestEmitRejectsReservedEvents(t *testing.T) {
	c, err := New(Options{URL: "http://relay.test"})
	require.NoError(t, err)

	assert.Error(t, c.Emit(EventConnect))
	assert.Error(t, c.Emit(EventDisconnect))
	assert.Error(t, c.Emit("bad", func() {}))
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{URL: "ftp://relay.test"})
	assert.Error(t, err)

	_, err = New(Options{URL: "http://"})
	assert.Error(t, err)

	_, err = New(Options{URL: "http://relay.test", Transports: []string{"carrier-pigeon"}})
	assert.Error(t, err)

	c, err := New(Options{URL: "wss://relay.test/"})
	require.NoError(t, err)
	assert.Equal(t, "https://relay.test/", c.uri)
	assert.Equal(t, defaultPath, c.opts.Path)
	assert.Equal(t, []string{TransportWebSocket, TransportPolling}, c.opts.Transports)
}
