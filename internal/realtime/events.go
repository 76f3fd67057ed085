// Package realtime turns raw gateway frames into typed domain events and
// manages ref-counted topic subscriptions across reconnects.
package realtime

import (
	"fmt"
	"time"

	"github.com/nightdesk/syncd/internal/domain"
	"github.com/nightdesk/syncd/internal/protocol"
)

// Event is the closed set of domain events pushed by the gateway.
type Event interface {
	EventType() string
}

// NewMessage carries a message pushed into a joined conversation.
type NewMessage struct {
	Message domain.Message
}

// MessageSent acknowledges a message accepted by the server.
type MessageSent struct {
	MessageID string
	SentAt    time.Time
}

// MessageError reports a send rejected by the server.
type MessageError struct {
	MutationID string
	Reason     string
}

// TypingStart signals a user started typing.
type TypingStart struct {
	UserID         string
	ConversationID string
}

// TypingStop signals a user stopped typing.
type TypingStop struct {
	UserID         string
	ConversationID string
}

// MessagesRead marks a conversation read up to a message.
type MessagesRead struct {
	ConversationID string
	MessageID      string
	UserID         string
	ReadAt         time.Time
}

// UserOnline signals a user came online.
type UserOnline struct {
	UserID string
}

// UserOffline signals a user went offline.
type UserOffline struct {
	UserID string
}

// TaskUpdated carries a partial task update with the server timestamp.
type TaskUpdated struct {
	TaskID    string
	ProjectID string
	Updates   map[string]any
	UpdatedAt time.Time
}

// ProjectJoined signals the user was added to a project.
type ProjectJoined struct {
	ProjectID string
}

// ProjectLeft signals the user was removed from a project.
type ProjectLeft struct {
	ProjectID string
}

func (NewMessage) EventType() string    { return protocol.EventNewMessage }
func (MessageSent) EventType() string   { return protocol.EventMessageSent }
func (MessageError) EventType() string  { return protocol.EventMessageError }
func (TypingStart) EventType() string   { return protocol.EventTypingStart }
func (TypingStop) EventType() string    { return protocol.EventTypingStop }
func (MessagesRead) EventType() string  { return protocol.EventMessagesRead }
func (UserOnline) EventType() string    { return protocol.EventUserOnline }
func (UserOffline) EventType() string   { return protocol.EventUserOffline }
func (TaskUpdated) EventType() string   { return protocol.EventTaskUpdated }
func (ProjectJoined) EventType() string { return protocol.EventProjectJoined }
func (ProjectLeft) EventType() string   { return protocol.EventProjectLeft }

// Decode converts a frame into its typed event. Frame types outside the
// closed set return an error so the caller can log and drop them without
// breaking the read loop.
func Decode(msg *protocol.Message) (Event, error) {
	switch msg.Type {
	case protocol.EventNewMessage:
		var p protocol.NewMessagePayload
		if err := msg.ParsePayload(&p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		return NewMessage{Message: p.Message}, nil

	case protocol.EventMessageSent:
		var p protocol.MessageSentPayload
		if err := msg.ParsePayload(&p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		return MessageSent{MessageID: p.MessageID, SentAt: p.SentAt}, nil

	case protocol.EventMessageError:
		var p protocol.MessageErrorPayload
		if err := msg.ParsePayload(&p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		return MessageError{MutationID: p.MutationID, Reason: p.Reason}, nil

	case protocol.EventTypingStart:
		var p protocol.TypingPayload
		if err := msg.ParsePayload(&p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		return TypingStart{UserID: p.UserID, ConversationID: p.ConversationID}, nil

	case protocol.EventTypingStop:
		var p protocol.TypingPayload
		if err := msg.ParsePayload(&p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		return TypingStop{UserID: p.UserID, ConversationID: p.ConversationID}, nil

	case protocol.EventMessagesRead:
		var p protocol.MessagesReadPayload
		if err := msg.ParsePayload(&p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		return MessagesRead{
			ConversationID: p.ConversationID,
			MessageID:      p.MessageID,
			UserID:         p.UserID,
			ReadAt:         p.ReadAt,
		}, nil

	case protocol.EventUserOnline:
		var p protocol.PresencePayload
		if err := msg.ParsePayload(&p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		return UserOnline{UserID: p.UserID}, nil

	case protocol.EventUserOffline:
		var p protocol.PresencePayload
		if err := msg.ParsePayload(&p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		return UserOffline{UserID: p.UserID}, nil

	case protocol.EventTaskUpdated:
		var p protocol.TaskUpdatedPayload
		if err := msg.ParsePayload(&p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		return TaskUpdated{
			TaskID:    p.TaskID,
			ProjectID: p.ProjectID,
			Updates:   p.Updates,
			UpdatedAt: p.UpdatedAt,
		}, nil

	case protocol.EventProjectJoined:
		var p protocol.ProjectMembershipPayload
		if err := msg.ParsePayload(&p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		return ProjectJoined{ProjectID: p.ProjectID}, nil

	case protocol.EventProjectLeft:
		var p protocol.ProjectMembershipPayload
		if err := msg.ParsePayload(&p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		return ProjectLeft{ProjectID: p.ProjectID}, nil
	}

	return nil, fmt.Errorf("unknown frame type %q", msg.Type)
}
