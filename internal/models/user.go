package models

import (
	"time"

	"github.com/google/uuid"
)

// User is the account owning threads.
type User struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// WithDisplayName is the only refresh a fetched user accepts.
func (u User) WithDisplayName(name string, now time.Time) User {
	u.DisplayName = name
	u.UpdatedAt = now
	return u
}
