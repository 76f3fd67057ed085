// Package domain defines the entity snapshots shared by the sync core.
// Entities are immutable values: every change produces a new snapshot via
// the With* helpers, never an in-place edit.
package domain

import "time"

// Kind identifies the entity type of a snapshot.
type Kind string

const (
	KindTask         Kind = "task"
	KindMessage      Kind = "message"
	KindConversation Kind = "conversation"
)

// Entity is implemented by all cacheable domain records.
type Entity interface {
	// EntityID returns the unique id of the record.
	EntityID() string
	// EntityKind returns the record's kind.
	EntityKind() Kind
	// Modified returns the record's version marker.
	Modified() time.Time
	// CacheKeys returns the query keys this record belongs to.
	CacheKeys() []string
}

// Task statuses.
const (
	TaskStatusTodo       = "todo"
	TaskStatusInProgress = "in_progress"
	TaskStatusDone       = "done"
)

// Task priorities.
const (
	TaskPriorityLow    = "low"
	TaskPriorityNormal = "normal"
	TaskPriorityHigh   = "high"
	TaskPriorityUrgent = "urgent"
)

// Task is a shift/editorial task within a project.
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	AssigneeID  string     `json:"assignee_id,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (t Task) EntityID() string      { return t.ID }
func (t Task) EntityKind() Kind      { return KindTask }
func (t Task) Modified() time.Time   { return t.UpdatedAt }
func (t Task) CacheKeys() []string   { return []string{"tasks", "project:" + t.ProjectID + ":tasks"} }

// WithStatus returns a copy of the task with the given status.
func (t Task) WithStatus(status string) Task {
	t.Status = status
	return t
}

// WithPriority returns a copy of the task with the given priority.
func (t Task) WithPriority(priority string) Task {
	t.Priority = priority
	return t
}

// WithAssignee returns a copy of the task assigned to the given user.
func (t Task) WithAssignee(userID string) Task {
	t.AssigneeID = userID
	return t
}

// ApplyUpdates returns a copy of the task with the given partial updates
// applied. Unknown fields are ignored so the client stays compatible with
// newer servers.
func (t Task) ApplyUpdates(updates map[string]any) Task {
	for field, value := range updates {
		s, ok := value.(string)
		if !ok {
			continue
		}
		switch field {
		case "title":
			t.Title = s
		case "description":
			t.Description = s
		case "status":
			t.Status = s
		case "priority":
			t.Priority = s
		case "assignee_id":
			t.AssigneeID = s
		}
	}
	return t
}

// Message statuses. A message is "sending" while an optimistic send is in
// flight and becomes "sent" (or "failed") once the server settles it.
const (
	MessageStatusSending = "sending"
	MessageStatusSent    = "sent"
	MessageStatusFailed  = "failed"
)

// Message types.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeFile  = "file"
)

// Message is a direct or group chat message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	Type           string    `json:"type"`
	ReplyToID      string    `json:"reply_to_id,omitempty"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (m Message) EntityID() string    { return m.ID }
func (m Message) EntityKind() Kind    { return KindMessage }
func (m Message) Modified() time.Time { return m.UpdatedAt }
func (m Message) CacheKeys() []string {
	return []string{"conversation:" + m.ConversationID + ":messages"}
}

// WithStatus returns a copy of the message with the given status.
func (m Message) WithStatus(status string) Message {
	m.Status = status
	return m
}

// Conversation kinds.
const (
	ConversationDirect = "direct"
	ConversationGroup  = "group"
)

// Conversation is a direct-message or group chat room.
type Conversation struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Title         string    `json:"title,omitempty"`
	MemberIDs     []string  `json:"member_ids"`
	LastMessageID string    `json:"last_message_id,omitempty"`
	LastReadID    string    `json:"last_read_id,omitempty"`
	UnreadCount   int       `json:"unread_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (c Conversation) EntityID() string    { return c.ID }
func (c Conversation) EntityKind() Kind    { return KindConversation }
func (c Conversation) Modified() time.Time { return c.UpdatedAt }
func (c Conversation) CacheKeys() []string { return []string{"conversations"} }

// WithLastMessage returns a copy with the last-message pointer advanced and
// the unread counter bumped.
func (c Conversation) WithLastMessage(messageID string, at time.Time) Conversation {
	c.LastMessageID = messageID
	c.UnreadCount++
	c.UpdatedAt = at
	return c
}

// WithRead returns a copy marked read up to the given message.
func (c Conversation) WithRead(messageID string, at time.Time) Conversation {
	c.LastReadID = messageID
	c.UnreadCount = 0
	c.UpdatedAt = at
	return c
}
