package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"threadsync/internal/conversation"
	"threadsync/internal/models"
	"threadsync/internal/realtime"
	"threadsync/internal/registry"
)

var ErrNotSignedIn = errors.New("no user is signed in")

// Store is everything the controller and the objects it builds persist
// through.
type Store interface {
	registry.Store
	conversation.Store
	UpsertUser(ctx context.Context, email, displayName string) (models.User, error)
}

type Deps struct {
	Store     Store
	Generator conversation.Generator
	// Realtime is optional.
	Realtime conversation.Subscriber
}

type Options struct {
	StallTimeout time.Duration
	TitleTimeout time.Duration
	Now          func() time.Time
}

// Controller owns the signed-in user, their thread registry and the engine
// of the selected thread. At most one engine is active at a time.
type Controller struct {
	deps Deps
	opts Options

	mu        sync.Mutex
	user      *models.User
	reg       *registry.Registry
	active    *conversation.Engine
	threadSub *realtime.Subscription
}

func NewController(deps Deps, opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Controller{deps: deps, opts: opts}
}

// Login signs in the user with email, replacing any previous session, and
// loads their threads. A failed thread load is kept as the registry's error
// message and does not fail the login.
func (c *Controller) Login(ctx context.Context, email, displayName string) (models.User, error) {
	user, err := c.deps.Store.UpsertUser(ctx, email, displayName)
	if err != nil {
		return models.User{}, fmt.Errorf("sign in: %w", err)
	}
	c.Logout()

	reg := registry.New(c.deps.Store, user.ID, c.opts.Now)
	if err := reg.Load(ctx); err != nil {
		log.Warn().Err(err).Str("user_id", user.ID.String()).Msg("initial thread load failed")
	}

	var sub *realtime.Subscription
	if c.deps.Realtime != nil {
		sub, err = c.deps.Realtime.Subscribe(ctx, realtime.ThreadsChannel(user.ID))
		if err != nil {
			log.Warn().Err(err).Str("user_id", user.ID.String()).Msg("subscribe to thread changes")
			sub = nil
		}
	}

	c.mu.Lock()
	c.user = &user
	c.reg = reg
	c.threadSub = sub
	c.mu.Unlock()

	if sub != nil {
		go c.followThreads(reg, sub)
	}
	log.Info().Str("user_id", user.ID.String()).Str("email", user.Email).Msg("user signed in")
	return user, nil
}

func (c *Controller) followThreads(reg *registry.Registry, sub *realtime.Subscription) {
	logger := log.With().Str("user_id", reg.UserID().String()).Logger()
	for ev := range sub.Events() {
		switch ev.Kind {
		case realtime.ThreadUpdated:
			if ev.Thread != nil {
				reg.ApplyRemoteUpdate(*ev.Thread)
			}
		case realtime.ThreadDeleted:
			reg.ApplyRemoteDelete(ev.ThreadID)
			c.dropEngine(reg, ev.ThreadID)
		default:
			logger.Debug().Str("kind", string(ev.Kind)).Msg("ignoring thread event")
		}
	}
	logger.Debug().Msg("thread subscription ended")
}

// dropEngine closes the active engine when it belongs to a thread that was
// deleted under registry reg.
func (c *Controller) dropEngine(reg *registry.Registry, threadID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reg != reg || c.active == nil || c.active.ThreadID() != threadID {
		return
	}
	c.closeActiveLocked()
}

// Logout closes the active engine and forgets the user.
func (c *Controller) Logout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeActiveLocked()
	if c.threadSub != nil {
		c.threadSub.Close()
		c.threadSub = nil
	}
	if c.user != nil {
		log.Info().Str("user_id", c.user.ID.String()).Msg("user signed out")
	}
	c.user = nil
	c.reg = nil
}

func (c *Controller) closeActiveLocked() {
	if c.active == nil {
		return
	}
	c.active.Close()
	c.active = nil
}

// SelectThread activates the engine for thread id, closing the previous one.
// Selecting the active thread again returns the running engine.
func (c *Controller) SelectThread(ctx context.Context, id uuid.UUID) (*conversation.Engine, error) {
	c.mu.Lock()
	reg := c.reg
	if reg == nil {
		c.mu.Unlock()
		return nil, ErrNotSignedIn
	}
	if c.active != nil && c.active.ThreadID() == id {
		engine := c.active
		c.mu.Unlock()
		return engine, nil
	}
	thread, ok := reg.Get(id)
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("thread %s: %w", id, conversation.ErrNotFound)
	}
	c.closeActiveLocked()
	reg.Select(id)

	logger := log.With().Str("user_id", reg.UserID().String()).Logger()
	engine := conversation.NewEngine(thread, conversation.Deps{
		Store:     c.deps.Store,
		Generator: c.deps.Generator,
		Realtime:  c.deps.Realtime,
	}, conversation.Options{
		StallTimeout:    c.opts.StallTimeout,
		TitleTimeout:    c.opts.TitleTimeout,
		OnThreadUpdated: reg.UpdateTitle,
		OnActivity:      reg.Touch,
		Now:             c.opts.Now,
		Logger:          &logger,
	})
	c.active = engine
	c.mu.Unlock()

	if err := engine.StartRealtime(ctx); err != nil && !errors.Is(err, conversation.ErrClosed) {
		logger.Warn().Err(err).Str("thread_id", id.String()).Msg("continuing without realtime")
	}
	if err := engine.LoadMessages(ctx); err != nil && !errors.Is(err, conversation.ErrClosed) {
		logger.Debug().Err(err).Str("thread_id", id.String()).Msg("initial message load failed")
	}
	return engine, nil
}

// Deselect closes the active engine.
func (c *Controller) Deselect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeActiveLocked()
	if c.reg != nil {
		c.reg.ClearSelection()
	}
}

// CreateThread stores a new thread and selects it.
func (c *Controller) CreateThread(ctx context.Context) (models.Thread, *conversation.Engine, error) {
	reg := c.Registry()
	if reg == nil {
		return models.Thread{}, nil, ErrNotSignedIn
	}
	thread, err := reg.Create(ctx)
	if err != nil {
		return models.Thread{}, nil, err
	}
	engine, err := c.SelectThread(ctx, thread.ID)
	return thread, engine, err
}

// DeleteThread deletes a thread and deselects it when it was active.
func (c *Controller) DeleteThread(ctx context.Context, id uuid.UUID) error {
	reg := c.Registry()
	if reg == nil {
		return ErrNotSignedIn
	}
	if err := reg.Delete(ctx, id); err != nil {
		return err
	}
	c.dropEngine(reg, id)
	return nil
}

// Active returns the engine of the selected thread, or nil.
func (c *Controller) Active() *conversation.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) Registry() *registry.Registry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg
}

func (c *Controller) CurrentUser() (models.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return models.User{}, false
	}
	return *c.user, true
}
