// Package chat holds the conversation-level state built on top of the
// realtime service: per-conversation transcripts with optimistic delivery
// tracking, typing-indicator debounce, and active-conversation bookkeeping for
// the support desk.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bizlink/bizlink-realtime/internal/realtime"
)

// DeliveryStatus is the lifecycle of one sent message.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

// State is the session lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrNotConnected signals that a send could not reach the transport. The
// message stays in the transcript with status "sending" and, when an outbox is
// configured, has been queued for retry; the caller should surface a retry
// affordance.
var ErrNotConnected = errors.New("transport not connected")

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("chat session closed")

// Message is one turn in the conversation transcript.
type Message struct {
	ID         string         `json:"id"`
	SenderID   string         `json:"senderId"`
	SenderName string         `json:"senderName"`
	SenderRole string         `json:"senderRole"`
	Text       string         `json:"message"`
	Timestamp  time.Time      `json:"timestamp"`
	Status     DeliveryStatus `json:"status"`
}

// Conn is the slice of the realtime service a session needs. *realtime.Service
// satisfies it.
type Conn interface {
	Connect(ctx context.Context, userID, role, token string) error
	IsConnected() bool
	SendChatMessage(messageID, recipientID, message string, chatType realtime.ChatType) bool
	SendTypingIndicator(recipientID string, typing bool) bool
	Subscribe(msgType string, fn realtime.Handler) realtime.Subscription
	Unsubscribe(msgType string, id realtime.Subscription)
	OnConnectionChange(fn func(realtime.ConnEvent))
}

// HistoryLoader retrieves the prior transcript from the server. The session
// treats failures as an empty history.
type HistoryLoader interface {
	Messages(ctx context.Context, recipientID, productID string) ([]Message, error)
}

// Queue receives messages that could not be sent while disconnected so they
// can be flushed once the connection returns.
type Queue interface {
	Enqueue(msgType string, payload any) error
}

// SessionConfig describes one conversation.
type SessionConfig struct {
	UserID      string
	UserName    string
	UserRole    string
	RecipientID string
	ProductID   string
	ChatType    realtime.ChatType

	// TypingIdle is how long after the last keystroke the typing indicator is
	// retracted; 0 means 2 seconds.
	TypingIdle time.Duration
}

type subRef struct {
	msgType string
	id      realtime.Subscription
}

// Session owns the in-memory transcript of one conversation. The transcript is
// discarded on Close; history remains retrievable from the server on reopen.
type Session struct {
	cfg     SessionConfig
	conn    Conn
	history HistoryLoader
	queue   Queue
	log     *slog.Logger

	mu            sync.Mutex
	connListening bool
	state         State
	messages      []Message
	pending       map[string]struct{}
	subs          []subRef
	typingTimer   *time.Timer
	typingActive  bool
	peerTyping    bool
}

// NewSession creates an idle session. history and queue may be nil.
func NewSession(cfg SessionConfig, conn Conn, history HistoryLoader, queue Queue, log *slog.Logger) *Session {
	if cfg.TypingIdle <= 0 {
		cfg.TypingIdle = 2 * time.Second
	}
	if cfg.ChatType == "" {
		cfg.ChatType = realtime.ChatSupport
	}
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		cfg:     cfg,
		conn:    conn,
		history: history,
		queue:   queue,
		log:     log,
		state:   StateIdle,
		pending: make(map[string]struct{}),
	}
}

// Open connects (if needed), loads the prior transcript, and subscribes to the
// inbound types scoped to this conversation.
func (s *Session) Open(ctx context.Context, token string) error {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateClosed {
		s.mu.Unlock()
		return fmt.Errorf("open: session is %s", s.state)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	if !s.conn.IsConnected() {
		if err := s.conn.Connect(ctx, s.cfg.UserID, s.cfg.UserRole, token); err != nil {
			s.mu.Lock()
			s.state = StateIdle
			s.mu.Unlock()
			return fmt.Errorf("open chat session: %w", err)
		}
	}

	var loaded []Message
	if s.history != nil && s.cfg.RecipientID != "" {
		msgs, err := s.history.Messages(ctx, s.cfg.RecipientID, s.cfg.ProductID)
		if err != nil {
			s.log.Warn("chat history unavailable", "recipient", s.cfg.RecipientID, "err", err)
		} else {
			loaded = msgs
		}
	}

	s.mu.Lock()
	s.messages = loaded
	s.subs = []subRef{
		{realtime.TypeChatMessage, s.conn.Subscribe(realtime.TypeChatMessage, s.onChatMessage)},
		{realtime.TypeTypingIndicator, s.conn.Subscribe(realtime.TypeTypingIndicator, s.onTyping)},
		{realtime.TypeMessageStatus, s.conn.Subscribe(realtime.TypeMessageStatus, s.onMessageStatus)},
	}
	s.state = StateOpen
	listen := !s.connListening
	s.connListening = true
	s.mu.Unlock()

	if listen {
		s.conn.OnConnectionChange(s.onConnEvent)
	}
	return nil
}

// Send appends an optimistic transcript entry and attempts transmission. When
// the transport is down the entry keeps status "sending", the message is
// queued for retry if an outbox is configured, and ErrNotConnected is
// returned so the caller can surface a retry affordance. There is no simulated
// delivery.
func (s *Session) Send(text string) (Message, error) {
	s.mu.Lock()
	if s.state != StateOpen && s.state != StateReconnecting {
		s.mu.Unlock()
		return Message{}, ErrSessionClosed
	}
	msg := Message{
		ID:         uuid.New().String(),
		SenderID:   s.cfg.UserID,
		SenderName: s.cfg.UserName,
		SenderRole: s.cfg.UserRole,
		Text:       text,
		Timestamp:  time.Now(),
		Status:     StatusSending,
	}
	s.messages = append(s.messages, msg)
	s.pending[msg.ID] = struct{}{}
	s.mu.Unlock()

	s.stopTyping()

	if s.conn.SendChatMessage(msg.ID, s.cfg.RecipientID, text, s.cfg.ChatType) {
		s.setStatus(msg.ID, StatusSent)
		msg.Status = StatusSent
		return msg, nil
	}

	if s.queue != nil {
		payload := realtime.ChatMessagePayload{
			MessageID:   msg.ID,
			RecipientID: s.cfg.RecipientID,
			Message:     text,
			ChatType:    s.cfg.ChatType,
			ProductID:   s.cfg.ProductID,
			SenderID:    s.cfg.UserID,
			SenderRole:  s.cfg.UserRole,
		}
		if err := s.queue.Enqueue(realtime.TypeChatMessage, payload); err != nil {
			return msg, fmt.Errorf("queue message for retry: %w", err)
		}
	}
	return msg, ErrNotConnected
}

// Typing records a keystroke. The "typing" signal is sent once at burst start
// and retracted after the idle window elapses with no further keystrokes.
func (s *Session) Typing() {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return
	}
	start := !s.typingActive
	s.typingActive = true
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(s.cfg.TypingIdle, s.typingIdleElapsed)
	s.mu.Unlock()

	if start {
		s.conn.SendTypingIndicator(s.cfg.RecipientID, true)
	}
}

func (s *Session) typingIdleElapsed() {
	s.mu.Lock()
	active := s.typingActive
	s.typingActive = false
	s.mu.Unlock()
	if active {
		s.conn.SendTypingIndicator(s.cfg.RecipientID, false)
	}
}

func (s *Session) stopTyping() {
	s.mu.Lock()
	active := s.typingActive
	s.typingActive = false
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.mu.Unlock()
	if active {
		s.conn.SendTypingIndicator(s.cfg.RecipientID, false)
	}
}

// Close unsubscribes every handler registered by Open and discards the
// in-memory transcript.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	subs := s.subs
	s.subs = nil
	s.messages = nil
	s.pending = make(map[string]struct{})
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.typingActive = false
	s.state = StateClosed
	s.mu.Unlock()

	for _, ref := range subs {
		s.conn.Unsubscribe(ref.msgType, ref.id)
	}
}

// State reports the session lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a copy of the transcript.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// PeerTyping reports whether the counterpart is currently typing.
func (s *Session) PeerTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerTyping
}

// onChatMessage handles inbound chat frames. An echo of one of our own
// pending messages reconciles the existing transcript entry instead of
// appending a duplicate; anything else scoped to this conversation is appended
// as a delivered remote turn.
func (s *Session) onChatMessage(data json.RawMessage, _ realtime.Envelope) {
	var msg realtime.InboundChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("bad inbound chat payload", "err", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[msg.MessageID]; ok {
		s.updateStatusLocked(msg.MessageID, StatusDelivered)
		delete(s.pending, msg.MessageID)
		return
	}

	if s.cfg.RecipientID != "" && msg.SenderID != s.cfg.RecipientID {
		return // another conversation on the shared connection
	}

	ts := time.Now()
	if msg.Timestamp > 0 {
		ts = time.UnixMilli(msg.Timestamp)
	}
	s.peerTyping = false
	s.messages = append(s.messages, Message{
		ID:         msg.MessageID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		SenderRole: msg.SenderRole,
		Text:       msg.Message,
		Timestamp:  ts,
		Status:     StatusDelivered,
	})
}

func (s *Session) onTyping(data json.RawMessage, _ realtime.Envelope) {
	var p realtime.TypingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if s.cfg.RecipientID != "" && p.SenderID != s.cfg.RecipientID {
		return
	}
	s.mu.Lock()
	s.peerTyping = p.IsTyping
	s.mu.Unlock()
}

// onMessageStatus reconciles a delivery-state transition reported by the
// server, keyed by the client-generated message id.
func (s *Session) onMessageStatus(data json.RawMessage, _ realtime.Envelope) {
	var p realtime.MessageStatusPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	status, ok := parseDeliveryStatus(p.Status)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateStatusLocked(p.MessageID, status)
	if status == StatusDelivered || status == StatusRead {
		delete(s.pending, p.MessageID)
	}
}

func (s *Session) onConnEvent(ev realtime.ConnEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == StateOpen && ev == realtime.ConnLost:
		s.state = StateReconnecting
	case s.state == StateReconnecting && ev == realtime.ConnOpen:
		s.state = StateOpen
	case s.state == StateReconnecting && ev == realtime.ConnGaveUp:
		s.state = StateClosed
	}
}

func (s *Session) setStatus(id string, status DeliveryStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateStatusLocked(id, status)
}

func (s *Session) updateStatusLocked(id string, status DeliveryStatus) {
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Status = status
			return
		}
	}
}

func parseDeliveryStatus(v string) (DeliveryStatus, bool) {
	switch DeliveryStatus(v) {
	case StatusSending, StatusSent, StatusDelivered, StatusRead:
		return DeliveryStatus(v), true
	}
	return "", false
}
