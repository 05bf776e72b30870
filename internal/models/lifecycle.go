package models

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a lifecycle move is not allowed from
// the message's current state.
var ErrInvalidTransition = errors.New("invalid message transition")

func invalid(m Message, op string) error {
	return fmt.Errorf("%s message %s (status=%s loading=%t): %w", op, m.ID, m.Status, m.IsLoading, ErrInvalidTransition)
}

// Confirm moves a sending message to sent.
func (m Message) Confirm() (Message, error) {
	if m.Status != StatusSending || m.IsLoading {
		return m, invalid(m, "confirm")
	}
	m.Status = StatusSent
	return m, nil
}

// Fail moves a sending message to failed. A failed message is never loading.
func (m Message) Fail() (Message, error) {
	if m.Status != StatusSending {
		return m, invalid(m, "fail")
	}
	m.Status = StatusFailed
	m.IsLoading = false
	return m, nil
}

// Retry moves a failed message back to sending; id, content and createdAt
// are kept.
func (m Message) Retry() (Message, error) {
	if m.Status != StatusFailed {
		return m, invalid(m, "retry")
	}
	m.Status = StatusSending
	return m, nil
}

// AppendChunk concatenates a streamed fragment onto a loading placeholder.
func (m Message) AppendChunk(chunk string) (Message, error) {
	if !m.IsLoading || m.Status != StatusSending {
		return m, invalid(m, "append to")
	}
	m.Content += chunk
	return m, nil
}

// Finish clears the loading flag once the stream has completed.
func (m Message) Finish() (Message, error) {
	if !m.IsLoading {
		return m, invalid(m, "finish")
	}
	m.IsLoading = false
	return m, nil
}
