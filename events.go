package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Wire event types.
const (
	EventMessageCreated      = "message-created"
	EventConversationUpdated = "conversation-updated"
	EventDocumentUploaded    = "document-uploaded"
	EventAnalysisCompleted   = "analysis-completed"

	eventAuthenticated     = "authenticated"
	intentJoinConversation = "join-conversation"
)

// Event is an inbound push event. The concrete types are MessageCreated,
// ConversationUpdated, DocumentUploaded and AnalysisCompleted.
type Event interface {
	Conversation() string
	Kind() string
	isEvent()
}

// MessageCreated carries a new message for a conversation.
type MessageCreated struct {
	ConversationID string
	Message        Message
}

// ConversationUpdated signals that conversation detail or history changed.
type ConversationUpdated struct {
	ConversationID string
}

// DocumentUploaded signals a new document on a conversation's lead.
type DocumentUploaded struct {
	ConversationID string
	DocumentID     string
	FileName       string
}

// AnalysisCompleted signals that a lead's statement analysis is ready.
type AnalysisCompleted struct {
	ConversationID string
	AnalysisID     string
}

func (e MessageCreated) Conversation() string      { return e.ConversationID }
func (e ConversationUpdated) Conversation() string { return e.ConversationID }
func (e DocumentUploaded) Conversation() string    { return e.ConversationID }
func (e AnalysisCompleted) Conversation() string   { return e.ConversationID }

func (MessageCreated) Kind() string      { return EventMessageCreated }
func (ConversationUpdated) Kind() string { return EventConversationUpdated }
func (DocumentUploaded) Kind() string    { return EventDocumentUploaded }
func (AnalysisCompleted) Kind() string   { return EventAnalysisCompleted }

func (MessageCreated) isEvent()      {}
func (ConversationUpdated) isEvent() {}
func (DocumentUploaded) isEvent()    {}
func (AnalysisCompleted) isEvent()   {}

// ============================================================================
// Wire format
// ============================================================================

// Envelope is the wire format for all socket frames.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type wireMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type wirePayload struct {
	ConversationID string       `json:"conversationId"`
	Message        *wireMessage `json:"message,omitempty"`
	DocumentID     string       `json:"documentId,omitempty"`
	FileName       string       `json:"fileName,omitempty"`
	AnalysisID     string       `json:"analysisId,omitempty"`
}

// errUnknownEvent marks frames we do not model; they are skipped quietly.
var errUnknownEvent = errors.New("unknown event type")

// DecodeEvent parses one frame into a typed Event.
func DecodeEvent(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ParseError{Source: "envelope", Err: err}
	}
	return env.Event()
}

// Event decodes the envelope payload into a typed Event.
func (env Envelope) Event() (Event, error) {
	switch env.Type {
	case EventMessageCreated, EventConversationUpdated, EventDocumentUploaded, EventAnalysisCompleted:
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownEvent, env.Type)
	}

	var p wirePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, &ParseError{Source: env.Type, Err: err}
	}
	if p.ConversationID == "" {
		return nil, &ParseError{Source: env.Type, Err: errors.New("missing conversationId")}
	}

	switch env.Type {
	case EventMessageCreated:
		if p.Message == nil || p.Message.ID == "" {
			return nil, &ParseError{Source: env.Type, Err: errors.New("missing message id")}
		}
		role := p.Message.Role
		if !role.Valid() {
			return nil, &ParseError{Source: env.Type, Err: fmt.Errorf("invalid role %q", role)}
		}
		return MessageCreated{
			ConversationID: p.ConversationID,
			Message: Message{
				ID:             p.Message.ID,
				ConversationID: p.ConversationID,
				Role:           role,
				Content:        p.Message.Content,
				Timestamp:      p.Message.Timestamp,
			},
		}, nil
	case EventConversationUpdated:
		return ConversationUpdated{ConversationID: p.ConversationID}, nil
	case EventDocumentUploaded:
		return DocumentUploaded{ConversationID: p.ConversationID, DocumentID: p.DocumentID, FileName: p.FileName}, nil
	default:
		return AnalysisCompleted{ConversationID: p.ConversationID, AnalysisID: p.AnalysisID}, nil
	}
}

// EncodeEvent renders ev in the wire format. Used by relays and tests.
func EncodeEvent(ev Event) ([]byte, error) {
	p := wirePayload{ConversationID: ev.Conversation()}
	switch e := ev.(type) {
	case MessageCreated:
		p.Message = &wireMessage{
			ID:        e.Message.ID,
			Role:      e.Message.Role,
			Content:   e.Message.Content,
			Timestamp: e.Message.Timestamp,
		}
	case DocumentUploaded:
		p.DocumentID, p.FileName = e.DocumentID, e.FileName
	case AnalysisCompleted:
		p.AnalysisID = e.AnalysisID
	case ConversationUpdated:
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: ev.Kind(), Payload: payload})
}
