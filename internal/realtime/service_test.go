package realtime

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsServer is an in-process websocket peer. Received envelopes land on
// frames; conns allows tests to kill live connections abnormally.
type wsServer struct {
	srv    *httptest.Server
	frames chan Envelope

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	ws := &wsServer{frames: make(chan Envelope, 64)}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.mu.Lock()
		ws.conns = append(ws.conns, conn)
		ws.mu.Unlock()
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			ws.frames <- env
		}
	}))
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *wsServer) url() string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http")
}

// killConns drops every live connection without a close handshake, which the
// client sees as abnormal closure.
func (ws *wsServer) killConns() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, c := range ws.conns {
		c.Close()
	}
	ws.conns = nil
}

// push sends a frame to the most recent client connection.
func (ws *wsServer) push(t *testing.T, env Envelope) {
	t.Helper()
	ws.mu.Lock()
	defer ws.mu.Unlock()
	require.NotEmpty(t, ws.conns, "no client connected")
	require.NoError(t, ws.conns[len(ws.conns)-1].WriteJSON(env))
}

func (ws *wsServer) expectFrame(t *testing.T, msgType string) Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-ws.frames:
			if env.Type == msgType {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", msgType)
		}
	}
}

func newTestService(ws *wsServer, opts Options) *Service {
	opts.URL = ws.url()
	if opts.ReconnectInterval == 0 {
		opts.ReconnectInterval = 10 * time.Millisecond
	}
	return New(opts)
}

func TestConnect_AnnouncesSessionAndPresence(t *testing.T) {
	ws := newWSServer(t)
	svc := newTestService(ws, Options{})
	defer svc.Disconnect()

	require.NoError(t, svc.Connect(context.Background(), "u1", "buyer", "tok"))
	assert.True(t, svc.IsConnected())

	connect := ws.expectFrame(t, TypeConnect)
	assert.Equal(t, "u1", connect.UserID)
	assert.Equal(t, "buyer", connect.UserRole)
	var payload ConnectPayload
	require.NoError(t, json.Unmarshal(connect.Data, &payload))
	assert.Equal(t, "u1", payload.UserID)

	status := ws.expectFrame(t, TypeUserStatusUpdate)
	var sp StatusPayload
	require.NoError(t, json.Unmarshal(status.Data, &sp))
	assert.Equal(t, PresenceOnline, sp.Status)

	// Scenario A: an explicit status send on the open transport succeeds.
	assert.True(t, svc.Send(TypeUserStatusUpdate, StatusPayload{UserID: "u1", Status: PresenceOnline}))
}

func TestConnect_SecondCallResolvesImmediately(t *testing.T) {
	ws := newWSServer(t)
	svc := newTestService(ws, Options{})
	defer svc.Disconnect()

	require.NoError(t, svc.Connect(context.Background(), "u1", "buyer", "tok"))
	require.NoError(t, svc.Connect(context.Background(), "u1", "buyer", "tok"))

	// Only one transport was created.
	ws.mu.Lock()
	defer ws.mu.Unlock()
	assert.Len(t, ws.conns, 1)
}

func TestConnect_RejectsWhileAttemptInFlight(t *testing.T) {
	// A listener that accepts TCP but never completes the websocket handshake
	// keeps the first Connect in flight.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	svc := New(Options{
		URL:    "ws://" + ln.Addr().String(),
		Dialer: &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
	})

	ctx, cancel := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- svc.Connect(ctx, "u1", "buyer", "tok")
	}()

	// Give the first attempt time to start dialing.
	time.Sleep(50 * time.Millisecond)
	err = svc.Connect(context.Background(), "u1", "buyer", "tok")
	assert.ErrorIs(t, err, ErrConnectInProgress)

	cancel()
	assert.Error(t, <-firstDone)
	assert.False(t, svc.IsConnected())
}

func TestSend_WhileClosedReturnsFalse(t *testing.T) {
	svc := New(Options{URL: "ws://localhost:1"})
	assert.NotPanics(t, func() {
		assert.False(t, svc.Send(TypeChatMessage, ChatMessagePayload{Message: "hi"}))
	})
}

func TestReconnect_CeilingStopsRetrying(t *testing.T) {
	ws := newWSServer(t)
	svc := newTestService(ws, Options{MaxReconnectAttempts: 5, ReconnectInterval: 5 * time.Millisecond})
	defer svc.Disconnect()

	var mu sync.Mutex
	lost, gaveUp := 0, 0
	svc.OnConnectionChange(func(ev ConnEvent) {
		mu.Lock()
		defer mu.Unlock()
		switch ev {
		case ConnLost:
			lost++
		case ConnGaveUp:
			gaveUp++
		}
	})

	require.NoError(t, svc.Connect(context.Background(), "u1", "buyer", "tok"))

	// Take the server away entirely so every reconnect attempt fails.
	ws.killConns()
	ws.srv.Close()

	// Linear backoff with a 5ms base: attempts at 5,10,15,20,25ms plus dial
	// time. Wait well past the last one.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gaveUp == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 5, lost, "exactly five reconnect attempts scheduled")
	mu.Unlock()
	assert.False(t, svc.IsConnected())

	// No further attempts fire after giving up.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 5, lost)
	assert.Equal(t, 1, gaveUp)
	mu.Unlock()
}

func TestReconnect_LinearBackoff(t *testing.T) {
	var mu sync.Mutex
	var attempts []time.Time
	dropped := false

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		first := !dropped
		dropped = true
		if !first {
			attempts = append(attempts, time.Now())
		}
		mu.Unlock()
		if first {
			conn, err := testUpgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			conn.Close() // abnormal closure right after open
			return
		}
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	base := 60 * time.Millisecond
	svc := New(Options{
		URL:                  "ws" + strings.TrimPrefix(srv.URL, "http"),
		MaxReconnectAttempts: 2,
		ReconnectInterval:    base,
	})
	defer svc.Disconnect()

	start := time.Now()
	require.NoError(t, svc.Connect(context.Background(), "u1", "buyer", "tok"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// Attempt 1 fires ~1x base after the drop, attempt 2 ~2x base after
	// attempt 1 fails. Allow generous slack for scheduling.
	gap1 := attempts[0].Sub(start)
	gap2 := attempts[1].Sub(attempts[0])
	assert.GreaterOrEqual(t, gap1, base)
	assert.GreaterOrEqual(t, gap2, 2*base)
	assert.Less(t, gap2, 6*base)
}

func TestDisconnect_PreventsReconnect(t *testing.T) {
	ws := newWSServer(t)
	svc := newTestService(ws, Options{ReconnectInterval: 5 * time.Millisecond})

	var mu sync.Mutex
	lost := 0
	svc.OnConnectionChange(func(ev ConnEvent) {
		if ev == ConnLost {
			mu.Lock()
			lost++
			mu.Unlock()
		}
	})

	require.NoError(t, svc.Connect(context.Background(), "u1", "buyer", "tok"))
	svc.Disconnect()
	assert.False(t, svc.IsConnected())

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, lost, "intentional disconnect must not schedule reconnects")
	mu.Unlock()
}

type recordingEffects struct {
	mu            sync.Mutex
	chats         []InboundChatMessage
	notifications []Notification
	alerts        []string
}

func (r *recordingEffects) ChatMessageReceived(msg InboundChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats = append(r.chats, msg)
}

func (r *recordingEffects) NotificationReceived(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
}

func (r *recordingEffects) SystemAlert(title, message string, _ Severity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, title+": "+message)
}

func TestDispatch_SubscribersAndFixedHandlers(t *testing.T) {
	ws := newWSServer(t)
	effects := &recordingEffects{}
	svc := newTestService(ws, Options{Effects: effects})
	defer svc.Disconnect()

	var mu sync.Mutex
	var received []Notification
	svc.Subscribe(TypeNotification, func(data json.RawMessage, env Envelope) {
		var n Notification
		require.NoError(t, json.Unmarshal(data, &n))
		mu.Lock()
		received = append(received, n)
		mu.Unlock()
		assert.Equal(t, TypeNotification, env.Type)
	})

	require.NoError(t, svc.Connect(context.Background(), "u1", "buyer", "tok"))
	ws.expectFrame(t, TypeConnect)

	data, _ := json.Marshal(Notification{Title: "Hi", Message: "Test", Type: SeverityInfo})
	ws.push(t, Envelope{Type: TypeNotification, Data: data})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "Hi", received[0].Title)
	mu.Unlock()

	effects.mu.Lock()
	require.Len(t, effects.notifications, 1)
	assert.Equal(t, "Test", effects.notifications[0].Message)
	effects.mu.Unlock()
}

func TestDispatch_MaintenanceSystemMessage(t *testing.T) {
	ws := newWSServer(t)
	effects := &recordingEffects{}
	svc := newTestService(ws, Options{Effects: effects})
	defer svc.Disconnect()

	require.NoError(t, svc.Connect(context.Background(), "u1", "buyer", "tok"))
	ws.expectFrame(t, TypeConnect)

	data, _ := json.Marshal(SystemMessagePayload{Kind: "maintenance", Message: "down at midnight"})
	ws.push(t, Envelope{Type: TypeSystemMessage, Data: data})

	require.Eventually(t, func() bool {
		effects.mu.Lock()
		defer effects.mu.Unlock()
		return len(effects.alerts) == 1
	}, 2*time.Second, 5*time.Millisecond)

	effects.mu.Lock()
	assert.Equal(t, "System Maintenance: down at midnight", effects.alerts[0])
	effects.mu.Unlock()
}

func TestDispatch_MalformedFrameDropped(t *testing.T) {
	ws := newWSServer(t)
	effects := &recordingEffects{}
	svc := newTestService(ws, Options{Effects: effects})
	defer svc.Disconnect()

	require.NoError(t, svc.Connect(context.Background(), "u1", "buyer", "tok"))
	ws.expectFrame(t, TypeConnect)

	ws.mu.Lock()
	conn := ws.conns[len(ws.conns)-1]
	ws.mu.Unlock()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	// A valid frame after the malformed one still dispatches.
	data, _ := json.Marshal(InboundChatMessage{MessageID: "m1", SenderID: "s1", Message: "hello"})
	ws.push(t, Envelope{Type: TypeChatMessage, Data: data})

	require.Eventually(t, func() bool {
		effects.mu.Lock()
		defer effects.mu.Unlock()
		return len(effects.chats) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, svc.IsConnected())
}
