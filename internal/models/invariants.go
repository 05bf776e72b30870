package models

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// SortMessages orders messages by CreatedAt ascending. The sort is stable so
// equal timestamps keep their insertion order.
func SortMessages(msgs []Message) {
	slices.SortStableFunc(msgs, func(a, b Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

// IndexOf returns the position of the message with id, or -1.
func IndexOf(msgs []Message, id uuid.UUID) int {
	return slices.IndexFunc(msgs, func(m Message) bool { return m.ID == id })
}

// CheckInvariants validates an exposed message list.
func CheckInvariants(msgs []Message) error {
	seen := make(map[uuid.UUID]struct{}, len(msgs))
	loading := 0
	for i, m := range msgs {
		if _, ok := seen[m.ID]; ok {
			return fmt.Errorf("duplicate message id %s", m.ID)
		}
		seen[m.ID] = struct{}{}
		if m.IsLoading {
			loading++
		}
		if i > 0 && m.CreatedAt.Before(msgs[i-1].CreatedAt) {
			return fmt.Errorf("message %s out of order at %d", m.ID, i)
		}
		// A failed reply is a finished one whose save failed; stream errors
		// remove the placeholder instead of failing it.
		if m.Status == StatusFailed && m.IsLoading {
			return fmt.Errorf("failed message %s is loading", m.ID)
		}
	}
	if loading > 1 {
		return fmt.Errorf("%d loading placeholders", loading)
	}
	return nil
}
