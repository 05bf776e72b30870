package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"threadsync/internal/conversation"
	"threadsync/internal/models"
)

var (
	ErrNotFound        = conversation.ErrNotFound
	ErrOperationFailed = conversation.ErrTransportFailure
)

// Repository is the full persistence surface. Store implements it against
// SQL; the decorators in this package wrap any Repository.
type Repository interface {
	UpsertUser(ctx context.Context, email, displayName string) (models.User, error)
	ListThreads(ctx context.Context, userID uuid.UUID) ([]models.Thread, error)
	GetThread(ctx context.Context, id uuid.UUID) (models.Thread, error)
	CreateThread(ctx context.Context, thread models.Thread) (models.Thread, error)
	UpdateThread(ctx context.Context, thread models.Thread) (models.Thread, error)
	DeleteThread(ctx context.Context, id uuid.UUID) error
	ListMessages(ctx context.Context, threadID uuid.UUID) ([]models.Message, error)
	GetMessage(ctx context.Context, id uuid.UUID) (models.Message, error)
	CreateMessage(ctx context.Context, msg models.Message) (models.Message, error)
	DeleteMessage(ctx context.Context, id uuid.UUID) error
}

// Store persists users, threads and messages with database/sql.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// failed marks err as a transport failure while keeping the driver error.
func failed(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrOperationFailed, err)
}

func notFound(kind string, id uuid.UUID) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// UpsertUser returns the user with email, creating it on first sight. A
// non-empty displayName refreshes the stored one.
func (s *Store) UpsertUser(ctx context.Context, email, displayName string) (models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return models.User{}, fmt.Errorf("email is required: %w", conversation.ErrValidation)
	}
	var u models.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, display_name, avatar_url, created_at, updated_at FROM users WHERE email = ?`,
		email,
	).Scan(&u.ID, &u.Email, &u.DisplayName, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt)
	switch {
	case err == nil:
		if displayName == "" || displayName == u.DisplayName {
			return u, nil
		}
		u = u.WithDisplayName(displayName, s.now())
		if _, err := s.db.ExecContext(ctx,
			`UPDATE users SET display_name = ?, updated_at = ? WHERE id = ?`,
			u.DisplayName, u.UpdatedAt, u.ID,
		); err != nil {
			return models.User{}, failed("update user", err)
		}
		return u, nil
	case errors.Is(err, sql.ErrNoRows):
	default:
		return models.User{}, failed("get user", err)
	}

	now := s.now()
	u = models.User{ID: uuid.New(), Email: email, DisplayName: displayName, CreatedAt: now, UpdatedAt: now}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, display_name, avatar_url, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.DisplayName, u.AvatarURL, u.CreatedAt, u.UpdatedAt,
	); err != nil {
		return models.User{}, failed("create user", err)
	}
	return u, nil
}

const threadColumns = `id, user_id, title, created_at, updated_at, last_message_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (models.Thread, error) {
	var (
		th   models.Thread
		last sql.NullTime
	)
	if err := row.Scan(&th.ID, &th.UserID, &th.Title, &th.CreatedAt, &th.UpdatedAt, &last); err != nil {
		return models.Thread{}, err
	}
	if last.Valid {
		ts := last.Time
		th.LastMessageAt = &ts
	}
	return th, nil
}

// ListThreads returns the user's threads, most recent activity first.
func (s *Store) ListThreads(ctx context.Context, userID uuid.UUID) ([]models.Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE user_id = ? ORDER BY COALESCE(last_message_at, created_at) DESC`,
		userID,
	)
	if err != nil {
		return nil, failed("list threads", err)
	}
	defer rows.Close()

	var threads []models.Thread
	for rows.Next() {
		th, err := scanThread(rows)
		if err != nil {
			return nil, failed("scan thread", err)
		}
		threads = append(threads, th)
	}
	if err := rows.Err(); err != nil {
		return nil, failed("list threads", err)
	}
	return threads, nil
}

func (s *Store) GetThread(ctx context.Context, id uuid.UUID) (models.Thread, error) {
	th, err := scanThread(s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Thread{}, notFound("thread", id)
		}
		return models.Thread{}, failed("get thread", err)
	}
	return th, nil
}

func (s *Store) CreateThread(ctx context.Context, th models.Thread) (models.Thread, error) {
	if th.ID == uuid.Nil || th.UserID == uuid.Nil {
		return models.Thread{}, fmt.Errorf("thread and user id are required: %w", conversation.ErrValidation)
	}
	th.CreatedAt = th.CreatedAt.UTC()
	th.UpdatedAt = th.UpdatedAt.UTC()
	var last any
	if th.LastMessageAt != nil {
		last = th.LastMessageAt.UTC()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, user_id, title, created_at, updated_at, last_message_at) VALUES (?, ?, ?, ?, ?, ?)`,
		th.ID, th.UserID, th.Title, th.CreatedAt, th.UpdatedAt, last,
	); err != nil {
		return models.Thread{}, failed("create thread", err)
	}
	return th, nil
}

// UpdateThread saves the title. last_message_at is owned by CreateMessage
// and is returned as stored.
func (s *Store) UpdateThread(ctx context.Context, th models.Thread) (models.Thread, error) {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE threads SET title = ?, updated_at = ? WHERE id = ?`,
		th.Title, th.UpdatedAt.UTC(), th.ID,
	); err != nil {
		return models.Thread{}, failed("update thread", err)
	}
	return s.GetThread(ctx, th.ID)
}

// DeleteThread removes a thread and its messages.
func (s *Store) DeleteThread(ctx context.Context, id uuid.UUID) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return failed("begin tx", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, id); err != nil {
		return failed("delete thread messages", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return failed("delete thread", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return failed("thread rows affected", err)
	}
	if affected == 0 {
		err = notFound("thread", id)
		return err
	}
	if err = tx.Commit(); err != nil {
		return failed("commit delete thread", err)
	}
	return nil
}

const messageColumns = `id, thread_id, role, content, created_at`

func scanMessage(row rowScanner) (models.Message, error) {
	var m models.Message
	if err := row.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
		return models.Message{}, err
	}
	return m.Remote(), nil
}

// ListMessages returns the thread's messages ordered by createdAt.
func (s *Store) ListMessages(ctx context.Context, threadID uuid.UUID) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE thread_id = ? ORDER BY created_at ASC`,
		threadID,
	)
	if err != nil {
		return nil, failed("list messages", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, failed("scan message", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, failed("list messages", err)
	}
	models.SortMessages(messages)
	return messages, nil
}

func (s *Store) GetMessage(ctx context.Context, id uuid.UUID) (models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Message{}, notFound("message", id)
		}
		return models.Message{}, failed("get message", err)
	}
	return m, nil
}

// CreateMessage stores msg and raises the thread's last_message_at. The
// stored copy is returned as sent.
func (s *Store) CreateMessage(ctx context.Context, msg models.Message) (_ models.Message, err error) {
	if msg.IsLoading {
		return models.Message{}, fmt.Errorf("message %s is still streaming: %w", msg.ID, conversation.ErrValidation)
	}
	if !msg.Role.Valid() {
		return models.Message{}, fmt.Errorf("unknown role %q: %w", msg.Role, conversation.ErrValidation)
	}
	msg.CreatedAt = msg.CreatedAt.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Message{}, failed("begin tx", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ThreadID, msg.Role, msg.Content, msg.CreatedAt,
	); err != nil {
		return models.Message{}, failed("insert message", err)
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE threads SET last_message_at = ? WHERE id = ? AND (last_message_at IS NULL OR last_message_at < ?)`,
		msg.CreatedAt, msg.ThreadID, msg.CreatedAt,
	); err != nil {
		return models.Message{}, failed("touch thread", err)
	}
	if err = tx.Commit(); err != nil {
		return models.Message{}, failed("commit message", err)
	}
	return msg.Remote(), nil
}

func (s *Store) DeleteMessage(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return failed("delete message", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return failed("message rows affected", err)
	}
	if affected == 0 {
		return notFound("message", id)
	}
	return nil
}
