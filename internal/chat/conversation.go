package chat

import (
	"sort"
	"sync"
	"time"
)

// Priority tiers a support conversation.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ConversationStatus is the workflow state of a support conversation.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationWaiting  ConversationStatus = "waiting"
	ConversationResolved ConversationStatus = "resolved"
)

// Conversation is one active support thread as seen by an agent.
type Conversation struct {
	ID                 string
	CounterpartName    string
	CounterpartContact string
	Subject            string
	Priority           Priority
	Status             ConversationStatus
	LastActivity       time.Time
	UnreadCount        int
	Tags               []string
}

// ConversationList tracks the agent's active conversations: unread counts,
// activity ordering, and which thread currently has focus. Archival is a
// server concern; nothing is deleted here.
type ConversationList struct {
	mu      sync.Mutex
	chats   map[string]*Conversation
	focused string
}

// NewConversationList creates an empty list.
func NewConversationList() *ConversationList {
	return &ConversationList{chats: make(map[string]*Conversation)}
}

// Upsert inserts or replaces a conversation record.
func (l *ConversationList) Upsert(c Conversation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c.Priority == "" {
		c.Priority = PriorityMedium
	}
	if c.Status == "" {
		c.Status = ConversationActive
	}
	l.chats[c.ID] = &c
}

// Focus marks a conversation as the one the agent is viewing and clears its
// unread count. An empty id clears focus.
func (l *ConversationList) Focus(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.focused = id
	if c, ok := l.chats[id]; ok {
		c.UnreadCount = 0
	}
}

// RecordInbound bumps last activity for an inbound message and increments the
// unread count unless the conversation is focused.
func (l *ConversationList) RecordInbound(id string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.chats[id]
	if !ok {
		return
	}
	c.LastActivity = at
	if l.focused != id {
		c.UnreadCount++
	}
}

// RecordReply bumps last activity for an agent reply and resets the unread
// count.
func (l *ConversationList) RecordReply(id string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.chats[id]
	if !ok {
		return
	}
	c.LastActivity = at
	c.UnreadCount = 0
	if c.Status == ConversationWaiting {
		c.Status = ConversationActive
	}
}

// Resolve marks a conversation resolved.
func (l *ConversationList) Resolve(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.chats[id]; ok {
		c.Status = ConversationResolved
	}
}

// Get returns a copy of one conversation.
func (l *ConversationList) Get(id string) (Conversation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.chats[id]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// List returns copies of every conversation, most recently active first.
func (l *ConversationList) List() []Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Conversation, 0, len(l.chats))
	for _, c := range l.chats {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// TotalUnread sums unread counts across all conversations.
func (l *ConversationList) TotalUnread() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, c := range l.chats {
		total += c.UnreadCount
	}
	return total
}
