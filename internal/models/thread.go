package models

import (
	"time"

	"github.com/google/uuid"
)

// DefaultThreadTitle is given to new threads until a title is generated.
const DefaultThreadTitle = "New Chat"

// Thread groups a sequence of messages owned by one user.
type Thread struct {
	ID            uuid.UUID  `json:"id"`
	Title         string     `json:"title"`
	UserID        uuid.UUID  `json:"user_id"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// NewThread returns an empty thread with the default title.
func NewThread(userID uuid.UUID, now time.Time) Thread {
	return Thread{
		ID:        uuid.New(),
		Title:     DefaultThreadTitle,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// WithTitle returns a copy carrying the new title.
func (t Thread) WithTitle(title string, now time.Time) Thread {
	t.Title = title
	t.UpdatedAt = now
	return t
}

// Touch raises LastMessageAt to at; it never moves backwards.
func (t Thread) Touch(at time.Time) Thread {
	if t.LastMessageAt != nil && !at.After(*t.LastMessageAt) {
		return t
	}
	ts := at
	t.LastMessageAt = &ts
	if at.After(t.UpdatedAt) {
		t.UpdatedAt = at
	}
	return t
}

// RecencyKey is the timestamp threads are ordered by.
func (t Thread) RecencyKey() time.Time {
	if t.LastMessageAt != nil {
		return *t.LastMessageAt
	}
	return t.CreatedAt
}

// HasDefaultTitle reports whether the thread still needs a generated title.
func (t Thread) HasDefaultTitle() bool {
	return t.Title == DefaultThreadTitle
}

// Equal compares all fields, following the LastMessageAt pointer.
func (t Thread) Equal(o Thread) bool {
	if t.ID != o.ID || t.Title != o.Title || t.UserID != o.UserID ||
		!t.CreatedAt.Equal(o.CreatedAt) || !t.UpdatedAt.Equal(o.UpdatedAt) {
		return false
	}
	switch {
	case t.LastMessageAt == nil && o.LastMessageAt == nil:
		return true
	case t.LastMessageAt == nil || o.LastMessageAt == nil:
		return false
	default:
		return t.LastMessageAt.Equal(*o.LastMessageAt)
	}
}
