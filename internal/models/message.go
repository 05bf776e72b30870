package models

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Status tracks whether a message has been confirmed by persistence.
type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Message is one turn of a thread. It is a value: transitions return a new
// Message instead of mutating the receiver.
type Message struct {
	ID        uuid.UUID `json:"id"`
	ThreadID  uuid.UUID `json:"thread_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	IsLoading bool      `json:"is_loading"`
	Status    Status    `json:"status"`
}

// NewPendingUserMessage builds an optimistic user message awaiting persistence.
func NewPendingUserMessage(threadID uuid.UUID, content string, now time.Time) Message {
	return Message{
		ID:        uuid.New(),
		ThreadID:  threadID,
		Role:      RoleUser,
		Content:   content,
		CreatedAt: now,
		Status:    StatusSending,
	}
}

// NewPlaceholder builds the assistant message a streamed reply is written into.
func NewPlaceholder(threadID uuid.UUID, now time.Time) Message {
	return Message{
		ID:        uuid.New(),
		ThreadID:  threadID,
		Role:      RoleAssistant,
		CreatedAt: now,
		IsLoading: true,
		Status:    StatusSending,
	}
}

// NewFailedMessage builds a message that could not be delivered.
func NewFailedMessage(threadID uuid.UUID, role Role, content string, now time.Time) Message {
	return Message{
		ID:        uuid.New(),
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		CreatedAt: now,
		Status:    StatusFailed,
	}
}

// Remote normalises a message delivered by the realtime channel or loaded
// from persistence: anything that exists remotely is sent and never loading.
func (m Message) Remote() Message {
	m.Status = StatusSent
	m.IsLoading = false
	return m
}
