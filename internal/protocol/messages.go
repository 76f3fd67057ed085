// Package protocol defines the websocket wire format shared with the
// Nightdesk realtime gateway.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/nightdesk/syncd/internal/domain"
)

// Message is the envelope for all websocket frames.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates a frame with the given type and payload.
func NewMessage(msgType string, payload any) (*Message, error) {
	if payload == nil {
		return &Message{Type: msgType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    msgType,
		Payload: data,
	}, nil
}

// ParsePayload unmarshals the payload into the given target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// Frame types (server → client).
const (
	EventConnected     = "connected"
	EventAuthenticated = "authenticated"
	EventAuthError     = "auth_error"
	EventNewMessage    = "new_message"
	EventMessageSent   = "message_sent"
	EventMessageError  = "message_error"
	EventTypingStart   = "typing_start"
	EventTypingStop    = "typing_stop"
	EventMessagesRead  = "messages_read"
	EventUserOnline    = "user_online"
	EventUserOffline   = "user_offline"
	EventTaskUpdated   = "task_updated"
	EventProjectJoined = "project_joined"
	EventProjectLeft   = "project_left"
)

// Frame types (client → server). Messages and read markers go over REST,
// not the socket, so they have no command here.
const (
	CommandAuthenticate      = "authenticate"
	CommandJoinConversation  = "join_conversation"
	CommandLeaveConversation = "leave_conversation"
	CommandTypingStart       = "typing_start"
	CommandTypingStop        = "typing_stop"
	CommandJoinProject       = "join_project"
	CommandLeaveProject      = "leave_project"
	CommandPing              = "ping"
)

// AuthenticatePayload is the first frame sent after the transport opens.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// AuthenticatedPayload confirms the handshake.
type AuthenticatedPayload struct {
	UserID string `json:"user_id"`
}

// AuthErrorPayload rejects the handshake.
type AuthErrorPayload struct {
	Reason string `json:"reason"`
}

// NewMessagePayload carries a message pushed into a joined conversation.
type NewMessagePayload struct {
	Message domain.Message `json:"message"`
}

// MessageSentPayload acknowledges a message accepted by the server.
type MessageSentPayload struct {
	MessageID string    `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
}

// MessageErrorPayload reports a rejected send, keyed by the client-side
// mutation id so the optimistic entry can be rolled back.
type MessageErrorPayload struct {
	MutationID string `json:"mutation_id"`
	Reason     string `json:"reason"`
}

// TypingPayload signals a typing start or stop.
type TypingPayload struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
}

// MessagesReadPayload marks a conversation read up to a message.
type MessagesReadPayload struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	UserID         string    `json:"user_id"`
	ReadAt         time.Time `json:"read_at"`
}

// PresencePayload signals a user going online or offline.
type PresencePayload struct {
	UserID string `json:"user_id"`
}

// TaskUpdatedPayload carries a partial task update with the server's
// authoritative timestamp.
type TaskUpdatedPayload struct {
	TaskID    string         `json:"task_id"`
	ProjectID string         `json:"project_id"`
	Updates   map[string]any `json:"updates"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ProjectMembershipPayload signals a project joined or left.
type ProjectMembershipPayload struct {
	ProjectID string `json:"project_id"`
}

// JoinConversationPayload subscribes to a conversation's events.
type JoinConversationPayload struct {
	ConversationID string `json:"conversation_id"`
}

// LeaveConversationPayload unsubscribes from a conversation's events.
type LeaveConversationPayload struct {
	ConversationID string `json:"conversation_id"`
}

// TypingCommandPayload signals the local user's typing state.
type TypingCommandPayload struct {
	ConversationID string `json:"conversation_id"`
}

// ProjectCommandPayload joins or leaves a project room.
type ProjectCommandPayload struct {
	ProjectID string `json:"project_id"`
}
