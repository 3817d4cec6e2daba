// Package realtime implements the websocket client for the BizLink
// marketplace: connection lifecycle with linear-backoff reconnection, a
// subscription registry routing inbound frames by type tag, and typed senders
// for the chat/notification/update-stream protocol.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bizlink/bizlink-realtime/internal/pkg/metrics"
)

const (
	// DefaultMaxReconnectAttempts is the reconnection ceiling.
	DefaultMaxReconnectAttempts = 5

	// DefaultReconnectInterval is the base retry interval. The delay before
	// attempt N is N times this value (linear, not exponential).
	DefaultReconnectInterval = 3 * time.Second
)

// ErrConnectInProgress is returned by Connect while another connection attempt
// is still being established.
var ErrConnectInProgress = errors.New("connection already in progress")

// ConnEvent describes a connection state transition delivered to listeners.
type ConnEvent int

const (
	// ConnOpen fires when the transport opens (initial connect or reconnect).
	ConnOpen ConnEvent = iota
	// ConnLost fires on abnormal closure while reconnection is still possible.
	ConnLost
	// ConnGaveUp fires when the reconnect ceiling is reached; a manual Connect
	// is required from then on.
	ConnGaveUp
	// ConnClosed fires on intentional Disconnect.
	ConnClosed
)

// SideEffects receives the fixed internal reactions to specific inbound
// message types, independent of application subscribers. Implementations must
// be best-effort: they are never allowed to fail the dispatch path.
type SideEffects interface {
	ChatMessageReceived(msg InboundChatMessage)
	NotificationReceived(n Notification)
	SystemAlert(title, message string, severity Severity)
}

// Options configures a Service.
type Options struct {
	// URL is the websocket endpoint base, e.g. ws://host:8080. The /ws path
	// and the userId/role/token query parameters are appended by Connect.
	URL string

	// MaxReconnectAttempts is the reconnection ceiling; 0 means the default.
	MaxReconnectAttempts int

	// ReconnectInterval is the base backoff interval; 0 means the default.
	ReconnectInterval time.Duration

	// Dialer overrides the websocket dialer, mainly for tests.
	Dialer *websocket.Dialer

	// Effects receives fixed inbound side effects; nil disables them.
	Effects SideEffects

	// Logger receives lifecycle and dispatch logs; nil means slog.Default.
	Logger *slog.Logger
}

// Service owns at most one live websocket connection per session and the
// subscription registry fed by its read loop. Construct one per application
// (or per test) with New; there is no package-level instance.
type Service struct {
	url          string
	maxAttempts  int
	baseInterval time.Duration
	dialer       *websocket.Dialer
	effects      SideEffects
	log          *slog.Logger

	reg *registry

	mu             sync.Mutex
	conn           *websocket.Conn
	writeMu        sync.Mutex
	connecting     bool
	userID         string
	userRole       string
	token          string
	attempts       int
	reconnectGen   uint64
	reconnectTimer *time.Timer

	listenerMu sync.Mutex
	listeners  []func(ConnEvent)
}

// New creates a Service. It does not dial; call Connect.
func New(opts Options) *Service {
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		url:          opts.URL,
		maxAttempts:  opts.MaxReconnectAttempts,
		baseInterval: opts.ReconnectInterval,
		dialer:       opts.Dialer,
		effects:      opts.Effects,
		log:          opts.Logger,
		reg:          newRegistry(opts.Logger),
	}
}

// Connect establishes the websocket connection for the given session. It is a
// no-op returning nil if a connection is already open, returns
// ErrConnectInProgress if an attempt is in flight, and otherwise blocks until
// the transport is open and the CONNECT announce frame has been sent. Dial
// errors during establishment are returned to the caller; all later transport
// failures are handled internally by the reconnection algorithm.
func (s *Service) Connect(ctx context.Context, userID, role, token string) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	if s.connecting {
		s.mu.Unlock()
		return ErrConnectInProgress
	}
	s.connecting = true
	s.userID = userID
	s.userRole = role
	s.token = token
	s.mu.Unlock()

	endpoint, err := s.endpoint(userID, role, token)
	if err != nil {
		s.clearConnecting()
		return err
	}

	conn, _, err := s.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		s.clearConnecting()
		return fmt.Errorf("websocket dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connecting = false
	s.attempts = 0
	s.mu.Unlock()

	metrics.ConnectionUp.Set(1)
	s.log.Info("websocket connected", "user", userID, "role", role)

	go s.readLoop(conn)

	s.Send(TypeConnect, ConnectPayload{UserID: userID, UserRole: role, Timestamp: nowMillis()})
	s.UpdateUserStatus(PresenceOnline)
	s.notify(ConnOpen)
	return nil
}

func (s *Service) clearConnecting() {
	s.mu.Lock()
	s.connecting = false
	s.mu.Unlock()
}

func (s *Service) endpoint(userID, role, token string) (string, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return "", fmt.Errorf("parse websocket url %q: %w", s.url, err)
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("userId", userID)
	q.Set("role", role)
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Disconnect closes the transport with a normal-closure code and saturates the
// attempt counter so no scheduled reconnection races the intentional close.
func (s *Service) Disconnect() {
	s.mu.Lock()
	s.attempts = s.maxAttempts
	s.reconnectGen++ // invalidates any reconnect timer already in flight
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnected"),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
		metrics.ConnectionUp.Set(0)
		s.log.Info("websocket disconnected")
		s.notify(ConnClosed)
	}
}

// IsConnected reflects live transport state, not intent.
func (s *Service) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Send frames data under the given type tag and writes it to the transport.
// It returns false without error if the transport is not open; this is a
// degraded-mode signal for the caller (queue, retry, or warn), not a failure.
func (s *Service) Send(msgType string, data any) bool {
	s.mu.Lock()
	conn := s.conn
	userID, userRole := s.userID, s.userRole
	s.mu.Unlock()

	if conn == nil {
		metrics.MessagesDroppedTotal.WithLabelValues(msgType).Inc()
		s.log.Warn("websocket not connected, message not sent", "type", msgType)
		return false
	}

	raw, err := json.Marshal(data)
	if err != nil {
		s.log.Error("marshal outbound payload", "type", msgType, "err", err)
		return false
	}
	env := Envelope{
		Type:      msgType,
		Data:      raw,
		Timestamp: nowMillis(),
		UserID:    userID,
		UserRole:  userRole,
	}

	s.writeMu.Lock()
	err = conn.WriteJSON(env)
	s.writeMu.Unlock()
	if err != nil {
		s.log.Warn("websocket write failed", "type", msgType, "err", err)
		return false
	}
	metrics.MessagesSentTotal.WithLabelValues(msgType).Inc()
	return true
}

// Subscribe registers a handler for an inbound message type. Handlers for the
// same type run in registration order.
func (s *Service) Subscribe(msgType string, fn Handler) Subscription {
	return s.reg.Subscribe(msgType, fn)
}

// Unsubscribe removes one handler by its subscription token.
func (s *Service) Unsubscribe(msgType string, id Subscription) {
	s.reg.Unsubscribe(msgType, id)
}

// UnsubscribeAll clears every handler for a message type.
func (s *Service) UnsubscribeAll(msgType string) {
	s.reg.UnsubscribeAll(msgType)
}

// OnConnectionChange registers a listener for connection state transitions.
// Listeners are invoked synchronously from the lifecycle paths.
func (s *Service) OnConnectionChange(fn func(ConnEvent)) {
	s.listenerMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenerMu.Unlock()
}

func (s *Service) notify(ev ConnEvent) {
	s.listenerMu.Lock()
	fns := make([]func(ConnEvent), len(s.listeners))
	copy(fns, s.listeners)
	s.listenerMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// readLoop pumps inbound frames from one transport instance until it fails,
// then routes the closure into the reconnection algorithm.
func (s *Service) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.handleClosure(conn, err)
			return
		}
		s.dispatch(raw)
	}
}

// handleClosure clears the connection and schedules a reconnect unless the
// closure was normal or belongs to a transport we already replaced.
func (s *Service) handleClosure(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		// Stale read loop from a transport Disconnect already closed.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()

	_ = conn.Close()
	metrics.ConnectionUp.Set(0)

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		s.log.Info("websocket closed", "reason", err)
		s.notify(ConnClosed)
		return
	}

	s.log.Warn("websocket connection lost", "err", err)
	s.scheduleReconnect()
}

// scheduleReconnect arms the next attempt with a delay that grows linearly
// with the attempt number. Past the ceiling it gives up with a log; the
// application must call Connect again.
func (s *Service) scheduleReconnect() {
	s.mu.Lock()
	if s.attempts >= s.maxAttempts {
		s.mu.Unlock()
		s.log.Error("max reconnection attempts reached", "attempts", s.maxAttempts)
		s.notify(ConnGaveUp)
		return
	}
	s.attempts++
	attempt := s.attempts
	gen := s.reconnectGen
	delay := s.baseInterval * time.Duration(attempt)
	s.reconnectTimer = time.AfterFunc(delay, func() { s.reconnect(gen) })
	s.mu.Unlock()

	metrics.ReconnectAttemptsTotal.Inc()
	s.log.Info("reconnect scheduled", "attempt", attempt, "max", s.maxAttempts, "delay", delay)
	s.notify(ConnLost)
}

func (s *Service) reconnect(gen uint64) {
	s.mu.Lock()
	if gen != s.reconnectGen {
		// Disconnect superseded this attempt.
		s.mu.Unlock()
		return
	}
	userID, role, token := s.userID, s.userRole, s.token
	s.mu.Unlock()

	err := s.Connect(context.Background(), userID, role, token)
	if err != nil && !errors.Is(err, ErrConnectInProgress) {
		s.log.Warn("reconnection failed", "err", err)
		s.scheduleReconnect()
	}
}

// dispatch parses one inbound frame, forwards it to registry subscribers, and
// then runs the fixed internal handler for recognized system types. A
// malformed frame is logged and dropped; an unknown type only reaches
// subscribers, if any.
func (s *Service) dispatch(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.log.Error("malformed inbound frame", "err", err)
		return
	}
	metrics.MessagesReceivedTotal.WithLabelValues(env.Type).Inc()

	s.reg.dispatch(env)

	switch env.Type {
	case TypeChatMessage:
		var msg InboundChatMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			s.log.Warn("bad chat message payload", "err", err)
			return
		}
		if s.effects != nil {
			s.effects.ChatMessageReceived(msg)
		}
	case TypeNotification:
		var n Notification
		if err := json.Unmarshal(env.Data, &n); err != nil {
			s.log.Warn("bad notification payload", "err", err)
			return
		}
		if s.effects != nil {
			s.effects.NotificationReceived(n)
		}
	case TypeSystemMessage:
		var sys SystemMessagePayload
		if err := json.Unmarshal(env.Data, &sys); err != nil {
			s.log.Warn("bad system message payload", "err", err)
			return
		}
		if sys.Kind == "maintenance" && s.effects != nil {
			title := sys.Title
			if title == "" {
				title = "System Maintenance"
			}
			s.effects.SystemAlert(title, sys.Message, SeverityWarning)
		}
	case TypeLeadUpdate, TypeOrderUpdate, TypeAnalyticsUpdate, TypeUserStatusUpdate:
		// Forwarded to subscribers only; no fixed side effect.
		s.log.Debug("update frame received", "type", env.Type)
	default:
		if !s.reg.hasSubscribers(env.Type) {
			s.log.Debug("unhandled message type", "type", env.Type)
		}
	}
}
