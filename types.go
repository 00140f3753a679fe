package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// Role identifies who authored a message.
type Role string

const (
	RoleUser         Role = "user"
	RoleCounterparty Role = "counterparty"
	RoleSystem       Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleCounterparty, RoleSystem:
		return true
	}
	return false
}

// Message is a single chat message in a conversation thread.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`

	// TempID is the client-generated id of an optimistic send. It is cleared
	// once the server id is known.
	TempID  string `json:"-"`
	Pending bool   `json:"-"`
	Failed  bool   `json:"-"`
}

// renderKey is the identity a message is deduplicated by.
func (m Message) renderKey() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// ConversationSummary is a row of the REST conversation list.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	LastMessage  string    `json:"lastMessage,omitempty"`
	LastActivity time.Time `json:"lastActivity"`
	UnreadCount  int       `json:"unreadCount"`
}

// ConversationDetail is the REST detail view of one conversation.
type ConversationDetail struct {
	ConversationSummary
	Phone  string `json:"phone,omitempty"`
	Email  string `json:"email,omitempty"`
	Status string `json:"status,omitempty"`
}

// ============================================================================
// REST envelope
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic REST response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Connection status
// ============================================================================

// ConnectionState is the state of the transport session.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// StatusKind is what the UI status indicator shows.
type StatusKind string

const (
	StatusConnected    StatusKind = "connected"
	StatusReconnecting StatusKind = "reconnecting"
	StatusDisconnected StatusKind = "disconnected"
)

// ConnectionStatus is a status transition reported to the renderer.
type ConnectionStatus struct {
	Kind    StatusKind
	Attempt int
	// Exhausted is set once automatic reconnection has given up. The status
	// stays until an explicit Reconnect.
	Exhausted bool
	Err       error
}
