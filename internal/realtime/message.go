package realtime

import (
	"encoding/json"
	"time"
)

// Message type tags recognized on the wire. Outbound tags are composed by the
// domain senders; inbound tags are routed to subscribers and to the fixed
// internal handlers in dispatch.
const (
	TypeConnect            = "CONNECT"
	TypeChatMessage        = "CHAT_MESSAGE"
	TypeJoinChatRoom       = "JOIN_CHAT_ROOM"
	TypeLeaveChatRoom      = "LEAVE_CHAT_ROOM"
	TypeNotification       = "NOTIFICATION"
	TypeSubscribeLeads     = "SUBSCRIBE_LEAD_UPDATES"
	TypeSubscribeOrders    = "SUBSCRIBE_ORDER_UPDATES"
	TypeSubscribeAnalytics = "SUBSCRIBE_ANALYTICS"
	TypeUserStatusUpdate   = "USER_STATUS_UPDATE"
	TypeLeadUpdate         = "LEAD_UPDATE"
	TypeOrderUpdate        = "ORDER_UPDATE"
	TypeAnalyticsUpdate    = "ANALYTICS_UPDATE"
	TypeSystemMessage      = "SYSTEM_MESSAGE"
	TypeTypingIndicator    = "TYPING_INDICATOR"
	TypeMessageStatus      = "MESSAGE_STATUS"
)

// Envelope is the wire frame. Outbound frames carry the full shape; inbound
// frames carry at least type and data.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	UserRole  string          `json:"userRole,omitempty"`
}

// ChatType classifies a conversation.
type ChatType string

const (
	ChatSupport ChatType = "support"
	ChatInquiry ChatType = "inquiry"
)

// Severity tags a notification envelope.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Presence is a user status token.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceAway    Presence = "away"
	PresenceBusy    Presence = "busy"
	PresenceOffline Presence = "offline"
)

// ConnectPayload announces an authenticated session after the transport opens.
type ConnectPayload struct {
	UserID    string `json:"userId"`
	UserRole  string `json:"userRole"`
	Timestamp int64  `json:"timestamp"`
}

// ChatMessagePayload is the outbound body of a TypeChatMessage frame. MessageID
// is client-generated so the server echo can be matched to the optimistic
// transcript entry.
type ChatMessagePayload struct {
	MessageID   string   `json:"messageId"`
	RecipientID string   `json:"recipientId"`
	Message     string   `json:"message"`
	ChatType    ChatType `json:"chatType"`
	ProductID   string   `json:"productId,omitempty"`
	SenderID    string   `json:"senderId"`
	SenderRole  string   `json:"senderRole"`
}

// InboundChatMessage is the body of an inbound TypeChatMessage frame.
type InboundChatMessage struct {
	MessageID  string `json:"messageId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	SenderRole string `json:"senderRole"`
	Message    string `json:"message"`
	ChatID     string `json:"chatId,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// RoomPayload is the body of join/leave room frames.
type RoomPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserRole string `json:"userRole,omitempty"`
}

// Notification is the notification envelope carried inside a TypeNotification
// frame, both directions.
type Notification struct {
	Title      string   `json:"title"`
	Message    string   `json:"message"`
	Type       Severity `json:"type"`
	ActionURL  string   `json:"actionUrl,omitempty"`
	SenderID   string   `json:"senderId,omitempty"`
	SenderRole string   `json:"senderRole,omitempty"`
	Timestamp  int64    `json:"timestamp"`
}

// NotificationPayload addresses a Notification to a recipient.
type NotificationPayload struct {
	RecipientID  string       `json:"recipientId"`
	Notification Notification `json:"notification"`
}

// StreamPayload announces interest in a server-pushed update stream
// (leads, orders, analytics).
type StreamPayload struct {
	UserID   string `json:"userId"`
	UserRole string `json:"userRole"`
}

// StatusPayload is the body of a TypeUserStatusUpdate frame.
type StatusPayload struct {
	UserID    string   `json:"userId"`
	Status    Presence `json:"status"`
	Timestamp int64    `json:"timestamp"`
}

// TypingPayload is the body of a TypeTypingIndicator frame.
type TypingPayload struct {
	RecipientID string `json:"recipientId"`
	SenderID    string `json:"senderId,omitempty"`
	IsTyping    bool   `json:"isTyping"`
}

// MessageStatusPayload reports a delivery-state transition for a chat message,
// keyed by the client-generated message id.
type MessageStatusPayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// SystemMessagePayload is the body of a TypeSystemMessage frame. Kind
// "maintenance" triggers the prominent-alert side effect.
type SystemMessagePayload struct {
	Kind    string `json:"type"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
