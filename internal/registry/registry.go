package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"threadsync/internal/conversation"
	"threadsync/internal/models"
)

// Store is the thread persistence used by the registry.
type Store interface {
	ListThreads(ctx context.Context, userID uuid.UUID) ([]models.Thread, error)
	CreateThread(ctx context.Context, thread models.Thread) (models.Thread, error)
	DeleteThread(ctx context.Context, id uuid.UUID) error
}

// Registry holds the threads of the signed-in user.
type Registry struct {
	store  Store
	userID uuid.UUID
	now    func() time.Time
	log    zerolog.Logger

	mu       sync.RWMutex
	threads  []models.Thread
	search   string
	selected uuid.UUID
	loading  bool
	errMsg   string
}

func New(store Store, userID uuid.UUID, now func() time.Time) *Registry {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Registry{
		store:  store,
		userID: userID,
		now:    now,
		log:    log.With().Str("user_id", userID.String()).Logger(),
	}
}

func (r *Registry) UserID() uuid.UUID { return r.userID }

// Load replaces the thread list with the stored one.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	r.loading = true
	r.errMsg = ""
	r.mu.Unlock()

	threads, err := r.store.ListThreads(ctx, r.userID)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.loading = false
	if err != nil {
		r.log.Warn().Err(err).Msg("load threads")
		r.errMsg = fmt.Sprintf("Failed to load threads: %v", err)
		return err
	}
	r.threads = append([]models.Thread(nil), threads...)
	if r.selected != uuid.Nil && r.indexLocked(r.selected) < 0 {
		r.selected = uuid.Nil
	}
	return nil
}

// Create stores a new thread with the default title, puts it first and
// selects it.
func (r *Registry) Create(ctx context.Context) (models.Thread, error) {
	r.DismissError()
	saved, err := r.store.CreateThread(ctx, models.NewThread(r.userID, r.now()))

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.log.Warn().Err(err).Msg("create thread")
		r.errMsg = fmt.Sprintf("Failed to create thread: %v", err)
		return models.Thread{}, err
	}
	if i := r.indexLocked(saved.ID); i >= 0 {
		r.threads = slices.Delete(r.threads, i, i+1)
	}
	r.threads = slices.Insert(r.threads, 0, saved)
	r.selected = saved.ID
	return saved, nil
}

// Delete removes a thread once the store confirmed it.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	r.DismissError()
	err := r.store.DeleteThread(ctx, id)
	if err != nil && !errors.Is(err, conversation.ErrNotFound) {
		r.log.Warn().Err(err).Str("thread_id", id.String()).Msg("delete thread")
		r.mu.Lock()
		r.errMsg = fmt.Sprintf("Failed to delete thread: %v", err)
		r.mu.Unlock()
		return err
	}
	r.ApplyRemoteDelete(id)
	return nil
}

// UpdateTitle replaces the thread with the same id, as delivered by title
// generation. Unknown threads are ignored.
func (r *Registry) UpdateTitle(th models.Thread) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(th.ID)
	if i < 0 {
		return
	}
	r.threads[i] = keepRecency(r.threads[i], th)
}

// Touch records message activity so the thread sorts by it.
func (r *Registry) Touch(id uuid.UUID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexLocked(id); i >= 0 {
		r.threads[i] = r.threads[i].Touch(at)
	}
}

// ApplyRemoteUpdate merges a thread changed elsewhere. Older versions, by
// UpdatedAt, lose.
func (r *Registry) ApplyRemoteUpdate(th models.Thread) {
	if th.UserID != r.userID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(th.ID)
	if i < 0 {
		r.threads = slices.Insert(r.threads, 0, th)
		return
	}
	if th.UpdatedAt.Before(r.threads[i].UpdatedAt) {
		return
	}
	r.threads[i] = keepRecency(r.threads[i], th)
}

// ApplyRemoteDelete drops a thread and its selection.
func (r *Registry) ApplyRemoteDelete(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexLocked(id); i >= 0 {
		r.threads = slices.Delete(r.threads, i, i+1)
	}
	if r.selected == id {
		r.selected = uuid.Nil
	}
}

func keepRecency(old, next models.Thread) models.Thread {
	if old.LastMessageAt != nil {
		next = next.Touch(*old.LastMessageAt)
	}
	return next
}

func (r *Registry) SetSearch(text string) {
	r.mu.Lock()
	r.search = text
	r.mu.Unlock()
}

func (r *Registry) Search() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.search
}

// Filtered returns the threads whose title contains the search text, most
// recent first.
func (r *Registry) Filtered() []models.Thread {
	r.mu.RLock()
	needle := strings.ToLower(strings.TrimSpace(r.search))
	out := make([]models.Thread, 0, len(r.threads))
	for _, th := range r.threads {
		if needle == "" || strings.Contains(strings.ToLower(th.Title), needle) {
			out = append(out, th)
		}
	}
	r.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b models.Thread) int {
		return b.RecencyKey().Compare(a.RecencyKey())
	})
	return out
}

// Threads returns every thread in stored order.
func (r *Registry) Threads() []models.Thread {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.Thread(nil), r.threads...)
}

func (r *Registry) Get(id uuid.UUID) (models.Thread, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.indexLocked(id); i >= 0 {
		return r.threads[i], true
	}
	return models.Thread{}, false
}

// Select marks id as the active thread. It reports false for unknown ids.
func (r *Registry) Select(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexLocked(id) < 0 {
		return false
	}
	r.selected = id
	return true
}

func (r *Registry) ClearSelection() {
	r.mu.Lock()
	r.selected = uuid.Nil
	r.mu.Unlock()
}

func (r *Registry) Selected() (models.Thread, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.selected == uuid.Nil {
		return models.Thread{}, false
	}
	if i := r.indexLocked(r.selected); i >= 0 {
		return r.threads[i], true
	}
	return models.Thread{}, false
}

func (r *Registry) IsLoading() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loading
}

func (r *Registry) ErrorMessage() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.errMsg
}

func (r *Registry) DismissError() {
	r.mu.Lock()
	r.errMsg = ""
	r.mu.Unlock()
}

func (r *Registry) indexLocked(id uuid.UUID) int {
	return slices.IndexFunc(r.threads, func(th models.Thread) bool { return th.ID == id })
}
