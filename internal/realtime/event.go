package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"threadsync/internal/models"
)

// Kind names a remote mutation.
type Kind string

const (
	MessageInserted Kind = "message.inserted"
	MessageDeleted  Kind = "message.deleted"
	ThreadUpdated   Kind = "thread.updated"
	ThreadDeleted   Kind = "thread.deleted"
)

// Event is the payload carried on a realtime channel. Message is set for
// inserts, Thread for thread updates; deletes only carry ids.
type Event struct {
	Kind      Kind            `json:"kind"`
	ThreadID  uuid.UUID       `json:"thread_id"`
	MessageID uuid.UUID       `json:"message_id"`
	Message   *models.Message `json:"message,omitempty"`
	Thread    *models.Thread  `json:"thread,omitempty"`
}

// MessagesChannel carries message inserts and deletes of one thread.
func MessagesChannel(threadID uuid.UUID) string {
	return "messages:" + threadID.String()
}

// ThreadsChannel carries thread updates and deletes of one user.
func ThreadsChannel(userID uuid.UUID) string {
	return "threads:" + userID.String()
}

// Hub is a channel-addressed event bus. Delivery is at-least-once and has
// no ordering guarantee relative to the caller's own writes.
type Hub interface {
	Subscribe(ctx context.Context, channel string) (*Subscription, error)
	Publish(ctx context.Context, channel string, ev Event) error
	Close() error
}

const defaultBufferSize = 64

// Subscription is a cancellable event source. Events is closed once the
// subscription ends, either through Close or because the transport failed.
type Subscription struct {
	channel string
	events  chan Event
	done    chan struct{}
	once    sync.Once
	release func()
}

func newSubscription(channel string, size int) *Subscription {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Subscription{
		channel: channel,
		events:  make(chan Event, size),
		done:    make(chan struct{}),
	}
}

// Channel returns the channel name the subscription listens on.
func (s *Subscription) Channel() string { return s.channel }

// Events returns the event stream.
func (s *Subscription) Events() <-chan Event { return s.events }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.release != nil {
			s.release()
		}
	})
}

// deliver hands ev to the consumer, giving up when the subscription or ctx
// ends first.
func (s *Subscription) deliver(ctx context.Context, ev Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
