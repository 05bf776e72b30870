package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"threadsync/internal/logging"
	"threadsync/internal/models"
	"threadsync/internal/realtime"
)

// NotifyingStore publishes realtime events after successful writes.
// Publishing is best effort; a failed publish never fails the write.
type NotifyingStore struct {
	Repository
	hub realtime.Hub
	log zerolog.Logger
}

func NewNotifyingStore(inner Repository, hub realtime.Hub) *NotifyingStore {
	return &NotifyingStore{Repository: inner, hub: hub, log: logging.For("notify")}
}

func (n *NotifyingStore) publish(ctx context.Context, channel string, ev realtime.Event) {
	if err := n.hub.Publish(context.WithoutCancel(ctx), channel, ev); err != nil {
		n.log.Warn().Err(err).Str("channel", channel).Str("kind", string(ev.Kind)).Msg("publish realtime event")
	}
}

func (n *NotifyingStore) threadChanged(ctx context.Context, id uuid.UUID) {
	th, err := n.Repository.GetThread(ctx, id)
	if err != nil {
		n.log.Debug().Err(err).Str("thread_id", id.String()).Msg("reload thread for event")
		return
	}
	n.publish(ctx, realtime.ThreadsChannel(th.UserID), realtime.Event{Kind: realtime.ThreadUpdated, ThreadID: th.ID, Thread: &th})
}

func (n *NotifyingStore) CreateThread(ctx context.Context, th models.Thread) (models.Thread, error) {
	saved, err := n.Repository.CreateThread(ctx, th)
	if err != nil {
		return saved, err
	}
	n.publish(ctx, realtime.ThreadsChannel(saved.UserID), realtime.Event{Kind: realtime.ThreadUpdated, ThreadID: saved.ID, Thread: &saved})
	return saved, nil
}

func (n *NotifyingStore) UpdateThread(ctx context.Context, th models.Thread) (models.Thread, error) {
	saved, err := n.Repository.UpdateThread(ctx, th)
	if err != nil {
		return saved, err
	}
	n.publish(ctx, realtime.ThreadsChannel(saved.UserID), realtime.Event{Kind: realtime.ThreadUpdated, ThreadID: saved.ID, Thread: &saved})
	return saved, nil
}

func (n *NotifyingStore) DeleteThread(ctx context.Context, id uuid.UUID) error {
	th, lookupErr := n.Repository.GetThread(ctx, id)
	if err := n.Repository.DeleteThread(ctx, id); err != nil {
		return err
	}
	if lookupErr == nil {
		n.publish(ctx, realtime.ThreadsChannel(th.UserID), realtime.Event{Kind: realtime.ThreadDeleted, ThreadID: id})
	}
	return nil
}

func (n *NotifyingStore) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	saved, err := n.Repository.CreateMessage(ctx, msg)
	if err != nil {
		return saved, err
	}
	n.publish(ctx, realtime.MessagesChannel(saved.ThreadID), realtime.Event{
		Kind:      realtime.MessageInserted,
		ThreadID:  saved.ThreadID,
		MessageID: saved.ID,
		Message:   &saved,
	})
	n.threadChanged(ctx, saved.ThreadID)
	return saved, nil
}

func (n *NotifyingStore) DeleteMessage(ctx context.Context, id uuid.UUID) error {
	msg, lookupErr := n.Repository.GetMessage(ctx, id)
	if err := n.Repository.DeleteMessage(ctx, id); err != nil {
		return err
	}
	if lookupErr == nil {
		n.publish(ctx, realtime.MessagesChannel(msg.ThreadID), realtime.Event{
			Kind:      realtime.MessageDeleted,
			ThreadID:  msg.ThreadID,
			MessageID: id,
		})
	}
	return nil
}
