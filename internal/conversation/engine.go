package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"threadsync/internal/metrics"
	"threadsync/internal/models"
	"threadsync/internal/realtime"
)

// Store is the persistence the engine reads from and writes through.
type Store interface {
	ListMessages(ctx context.Context, threadID uuid.UUID) ([]models.Message, error)
	CreateMessage(ctx context.Context, msg models.Message) (models.Message, error)
	DeleteMessage(ctx context.Context, id uuid.UUID) error
	UpdateThread(ctx context.Context, thread models.Thread) (models.Thread, error)
}

// Generator produces assistant replies and thread titles.
type Generator interface {
	StreamReply(ctx context.Context, history []models.Message) (ChunkStream, error)
	GenerateTitle(ctx context.Context, history []models.Message) (string, error)
}

// Subscriber opens realtime subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (*realtime.Subscription, error)
}

type Deps struct {
	Store     Store
	Generator Generator
	// Realtime is optional.
	Realtime Subscriber
}

type Options struct {
	// StallTimeout abandons a reply after this much silence. Zero disables it.
	StallTimeout time.Duration
	TitleTimeout time.Duration
	// OnThreadUpdated receives the thread after a generated title was saved.
	OnThreadUpdated func(models.Thread)
	// OnActivity is called when a message of the thread was persisted.
	OnActivity func(threadID uuid.UUID, at time.Time)
	Now         func() time.Time
	Logger      *zerolog.Logger
}

// Snapshot is a consistent view of the engine state for renderers.
type Snapshot struct {
	Thread       models.Thread    `json:"thread"`
	Messages     []models.Message `json:"messages"`
	Draft        string           `json:"draft"`
	IsLoading    bool             `json:"is_loading"`
	IsStreaming  bool             `json:"is_streaming"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

// Engine reconciles one thread's transcript. All state is owned by a single
// goroutine; collaborator calls run elsewhere and post their results back.
type Engine struct {
	deps     Deps
	opts     Options
	log      zerolog.Logger
	threadID uuid.UUID

	actions   chan func()
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	// owned by run
	thread    models.Thread
	t         transcript
	asm       assembler
	draft     string
	loads     int
	edits     uint64
	touched   map[uuid.UUID]uint64
	removed   map[uuid.UUID]uint64
	streaming bool
	errMsg    string
	cycle     uint64
	stopCycle context.CancelFunc
	titling   bool
	sub       *realtime.Subscription

	mu      sync.RWMutex
	snap    Snapshot
	changes chan struct{}
}

func NewEngine(thread models.Thread, deps Deps, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.TitleTimeout <= 0 {
		opts.TitleTimeout = 20 * time.Second
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		deps:     deps,
		opts:     opts,
		log:      logger.With().Str("thread_id", thread.ID.String()).Logger(),
		threadID: thread.ID,
		actions:  make(chan func()),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		thread:   thread,
		changes:  make(chan struct{}, 1),
	}
	e.asm.t = &e.t
	e.publish()
	metrics.ActiveEngines.Inc()
	go e.run()
	return e
}

func (e *Engine) run() {
	defer close(e.stopped)
	for {
		select {
		case <-e.done:
			e.shutdown()
			return
		case fn := <-e.actions:
			fn()
			e.publish()
		}
	}
}

func (e *Engine) shutdown() {
	if e.stopCycle != nil {
		e.stopCycle()
		e.stopCycle = nil
	}
	if e.sub != nil {
		e.sub.Close()
		e.sub = nil
	}
	e.log.Debug().Msg("conversation engine stopped")
}

// do runs fn on the owner goroutine and waits for its result.
func (e *Engine) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	select {
	case e.actions <- func() { res <- fn() }:
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-res:
		return err
	case <-e.stopped:
		return ErrClosed
	}
}

// post queues fn from a collaborator goroutine. Results arriving after Close
// are dropped.
func (e *Engine) post(fn func()) {
	select {
	case e.actions <- fn:
	case <-e.done:
	}
}

func (e *Engine) publish() {
	if err := models.CheckInvariants(e.t.msgs); err != nil {
		e.log.Error().Err(err).Msg("message list invariant violated")
	}
	msgs := make([]models.Message, len(e.t.msgs))
	copy(msgs, e.t.msgs)
	snap := Snapshot{
		Thread:       e.thread,
		Messages:     msgs,
		Draft:        e.draft,
		IsLoading:    e.loads > 0,
		IsStreaming:  e.streaming,
		ErrorMessage: e.errMsg,
	}
	e.mu.Lock()
	e.snap = snap
	e.mu.Unlock()
	select {
	case e.changes <- struct{}{}:
	default:
	}
}

// Snapshot returns the latest published state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	snap := e.snap
	snap.Messages = append([]models.Message(nil), e.snap.Messages...)
	return snap
}

// Changes signals after state changes. Signals coalesce; the channel is
// closed by Close.
func (e *Engine) Changes() <-chan struct{} { return e.changes }

// ThreadID returns the id of the thread this engine owns.
func (e *Engine) ThreadID() uuid.UUID { return e.threadID }

// Close deactivates the engine. In-flight results are ignored afterwards.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.cancel()
		<-e.stopped
		close(e.changes)
		metrics.ActiveEngines.Dec()
	})
}

func (e *Engine) SetDraft(text string) {
	_ = e.do(context.Background(), func() error {
		e.draft = text
		return nil
	})
}

func (e *Engine) DismissError() {
	_ = e.do(context.Background(), func() error {
		e.errMsg = ""
		return nil
	})
}

// LoadMessages replaces the transcript with the stored history. Replies are
// applied in arrival order. Local messages without a remote copy yet are
// kept.
func (e *Engine) LoadMessages(ctx context.Context) error {
	var since uint64
	if err := e.do(ctx, func() error {
		e.loads++
		e.errMsg = ""
		since = e.edits
		return nil
	}); err != nil {
		return err
	}

	msgs, err := e.deps.Store.ListMessages(ctx, e.threadID)
	return e.do(context.Background(), func() error {
		e.loads--
		defer e.forgetEdits()
		if err != nil {
			e.log.Warn().Err(err).Msg("load messages")
			e.errMsg = describe("load messages", err)
			return err
		}
		e.applyHistory(msgs, since)
		return nil
	})
}

// markTouched records a local confirm or insert while a load is in flight.
func (e *Engine) markTouched(id uuid.UUID) {
	e.edits++
	if e.loads == 0 {
		return
	}
	if e.touched == nil {
		e.touched = make(map[uuid.UUID]uint64)
	}
	e.touched[id] = e.edits
	delete(e.removed, id)
}

func (e *Engine) markRemoved(id uuid.UUID) {
	e.edits++
	if e.loads == 0 {
		return
	}
	if e.removed == nil {
		e.removed = make(map[uuid.UUID]uint64)
	}
	e.removed[id] = e.edits
	delete(e.touched, id)
}

func (e *Engine) forgetEdits() {
	if e.loads == 0 {
		clear(e.touched)
		clear(e.removed)
	}
}

// applyHistory merges a load reply issued when the edit counter was at
// since. Local changes made after that point win over the reply.
func (e *Engine) applyHistory(remote []models.Message, since uint64) {
	next := make([]models.Message, 0, len(remote)+2)
	seen := make(map[uuid.UUID]struct{}, len(remote))
	for _, m := range remote {
		if m.ThreadID != e.thread.ID {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		if seq, ok := e.removed[m.ID]; ok && seq > since {
			continue
		}
		seen[m.ID] = struct{}{}
		next = append(next, m.Remote())
	}
	for _, m := range e.t.msgs {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		if m.IsLoading || m.Status != models.StatusSent || e.touched[m.ID] > since {
			next = append(next, m)
		}
	}
	e.t.reset(next)
}

// SendMessage appends text as a pending user message and starts a reply.
// Blank text is ignored.
func (e *Engine) SendMessage(ctx context.Context, text string) error {
	return e.do(ctx, func() error { return e.send(text) })
}

// SendDraft sends the current draft.
func (e *Engine) SendDraft(ctx context.Context) error {
	return e.do(ctx, func() error { return e.send(e.draft) })
}

func (e *Engine) send(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if e.streaming || e.asm.active() {
		return ErrStreamInProgress
	}
	msg := models.NewPendingUserMessage(e.thread.ID, text, e.opts.Now())
	e.t.insert(msg)
	e.draft = ""
	e.errMsg = ""
	e.startCycle(msg)
	return nil
}

// RetryMessage resends a failed message with its original id and content.
// Unknown ids are ignored.
func (e *Engine) RetryMessage(ctx context.Context, id uuid.UUID) error {
	return e.do(ctx, func() error {
		m, ok := e.t.get(id)
		if !ok {
			return nil
		}
		if m.Status != models.StatusFailed {
			return ErrNotRetryable
		}
		if e.streaming || e.asm.active() {
			return ErrStreamInProgress
		}
		retried, err := m.Retry()
		if err != nil {
			return err
		}
		e.t.replace(retried)
		e.errMsg = ""
		if retried.Role == models.RoleUser {
			e.startCycle(retried)
			return nil
		}
		go e.persistMessage(retried)
		return nil
	})
}

func (e *Engine) startCycle(user models.Message) {
	if _, err := e.asm.begin(e.thread.ID, e.opts.Now()); err != nil {
		e.log.Error().Err(err).Msg("begin reply")
		return
	}
	e.cycle++
	cycle := e.cycle
	ctx, cancel := context.WithCancel(e.ctx)
	e.stopCycle = cancel
	e.streaming = true
	history := e.t.history()

	go e.persistUser(cycle, user)
	go e.streamReply(ctx, cycle, history)
}

func (e *Engine) current(cycle uint64) bool {
	return e.streaming && cycle == e.cycle
}

func (e *Engine) endCycle() {
	if e.stopCycle != nil {
		e.stopCycle()
		e.stopCycle = nil
	}
	e.streaming = false
}

func (e *Engine) persistUser(cycle uint64, msg models.Message) {
	_, err := e.deps.Store.CreateMessage(e.ctx, msg)
	e.post(func() {
		if err == nil {
			e.confirm(msg)
			return
		}
		metrics.MessagesFailed.Inc()
		e.log.Warn().Err(err).Str("message_id", msg.ID.String()).Msg("persist user message")
		e.errMsg = describe("send message", err)
		if cur, ok := e.t.get(msg.ID); ok {
			if failed, ferr := cur.Fail(); ferr == nil {
				e.t.replace(failed)
			}
		}
		if e.current(cycle) {
			e.asm.abort()
			e.endCycle()
		}
	})
}

// persistMessage writes a message that is not part of a reply cycle.
func (e *Engine) persistMessage(msg models.Message) {
	_, err := e.deps.Store.CreateMessage(e.ctx, msg)
	e.post(func() {
		if err == nil {
			e.confirm(msg)
			return
		}
		metrics.MessagesFailed.Inc()
		e.log.Warn().Err(err).Str("message_id", msg.ID.String()).Msg("persist message")
		e.errMsg = describe("save message", err)
		if cur, ok := e.t.get(msg.ID); ok {
			if failed, ferr := cur.Fail(); ferr == nil {
				e.t.replace(failed)
			}
		}
	})
}

func (e *Engine) confirm(msg models.Message) {
	metrics.MessagesSent.Inc()
	if cur, ok := e.t.get(msg.ID); ok {
		if sent, err := cur.Confirm(); err == nil {
			e.t.replace(sent)
			e.markTouched(msg.ID)
		}
	}
	e.thread = e.thread.Touch(msg.CreatedAt)
	if e.opts.OnActivity != nil {
		e.opts.OnActivity(e.thread.ID, msg.CreatedAt)
	}
}

func (e *Engine) streamReply(ctx context.Context, cycle uint64, history []models.Message) {
	if e.deps.Generator == nil {
		e.post(func() { e.streamFailed(cycle, ErrConfigurationMissing) })
		return
	}
	stream, err := e.deps.Generator.StreamReply(ctx, history)
	if err != nil {
		e.post(func() { e.streamFailed(cycle, err) })
		return
	}
	defer stream.Close()

	err = drain(ctx, stream, e.opts.StallTimeout, func(chunk string) {
		e.post(func() {
			if !e.current(cycle) {
				return
			}
			if err := e.asm.append(chunk); err != nil {
				e.log.Error().Err(err).Msg("append chunk")
			}
		})
	})
	if err != nil {
		e.post(func() { e.streamFailed(cycle, err) })
		return
	}
	e.post(func() { e.streamDone(cycle) })
}

func (e *Engine) streamFailed(cycle uint64, err error) {
	if !e.current(cycle) {
		return
	}
	outcome := metrics.OutcomeFailed
	switch {
	case errors.Is(err, ErrStreamStalled):
		outcome = metrics.OutcomeStalled
	case errors.Is(err, context.Canceled):
		outcome = metrics.OutcomeCancelled
	}
	metrics.Streams.WithLabelValues(outcome).Inc()
	e.log.Warn().Err(err).Uint64("cycle", cycle).Msg("reply stream failed")

	e.asm.abort()
	e.endCycle()
	e.errMsg = describe("get a reply", err)
}

func (e *Engine) streamDone(cycle uint64) {
	if !e.current(cycle) {
		return
	}
	reply, err := e.asm.complete()
	e.endCycle()
	if err != nil {
		e.log.Error().Err(err).Msg("complete reply")
		return
	}
	metrics.Streams.WithLabelValues(metrics.OutcomeCompleted).Inc()

	needTitle := e.thread.HasDefaultTitle() && len(e.t.msgs) >= 2 && !e.titling
	if needTitle {
		e.titling = true
	}
	thread := e.thread
	history := e.t.history()
	go func() {
		e.persistReply(reply)
		if needTitle {
			e.generateTitle(thread, history)
		}
	}()
}

// persistReply saves a finished reply. On failure the reply stays visible
// as failed, so a retry writes it again.
func (e *Engine) persistReply(reply models.Message) {
	_, err := e.deps.Store.CreateMessage(e.ctx, reply)
	e.post(func() {
		if err == nil {
			e.confirm(reply)
			return
		}
		metrics.MessagesFailed.Inc()
		e.log.Warn().Err(err).Str("message_id", reply.ID.String()).Msg("persist reply")
		e.errMsg = describe("save reply", err)
		if cur, ok := e.t.get(reply.ID); ok {
			if failed, ferr := cur.Fail(); ferr == nil {
				e.t.replace(failed)
			}
		}
	})
}

// generateTitle is best effort: failures are only logged.
func (e *Engine) generateTitle(thread models.Thread, history []models.Message) {
	ctx, cancel := context.WithTimeout(e.ctx, e.opts.TitleTimeout)
	defer cancel()

	fail := func(err error, msg string) {
		metrics.TitleGenerations.WithLabelValues(metrics.OutcomeFailed).Inc()
		e.log.Warn().Err(err).Msg(msg)
		e.post(func() { e.titling = false })
	}

	title, err := e.deps.Generator.GenerateTitle(ctx, history)
	if err != nil {
		fail(err, "generate title")
		return
	}
	title = strings.TrimSpace(title)
	if title == "" {
		fail(errors.New("empty title"), "generate title")
		return
	}
	saved, err := e.deps.Store.UpdateThread(ctx, thread.WithTitle(title, e.opts.Now()))
	if err != nil {
		fail(err, "save generated title")
		return
	}
	metrics.TitleGenerations.WithLabelValues(metrics.OutcomeCompleted).Inc()
	e.post(func() {
		e.titling = false
		if saved.ID != e.thread.ID {
			return
		}
		e.thread.Title = saved.Title
		if saved.UpdatedAt.After(e.thread.UpdatedAt) {
			e.thread.UpdatedAt = saved.UpdatedAt
		}
		if e.opts.OnThreadUpdated != nil {
			e.opts.OnThreadUpdated(e.thread)
		}
	})
}

// DeleteMessage removes a message remotely, then locally. A message the
// store does not know is removed as well. The streaming placeholder cannot
// be deleted.
func (e *Engine) DeleteMessage(ctx context.Context, id uuid.UUID) error {
	var present bool
	if err := e.do(ctx, func() error {
		m, ok := e.t.get(id)
		if ok && m.IsLoading {
			return ErrStreamInProgress
		}
		if ok {
			e.errMsg = ""
		}
		present = ok
		return nil
	}); err != nil || !present {
		return err
	}

	err := e.deps.Store.DeleteMessage(ctx, id)
	return e.do(context.Background(), func() error {
		if err != nil && !errors.Is(err, ErrNotFound) {
			e.log.Warn().Err(err).Str("message_id", id.String()).Msg("delete message")
			e.errMsg = describe("delete message", err)
			return err
		}
		if e.t.remove(id) {
			e.markRemoved(id)
		}
		return nil
	})
}

// OnMessageInserted merges a remotely inserted message. Messages already
// present, including our own optimistic copies, are left untouched.
func (e *Engine) OnMessageInserted(msg models.Message) {
	e.post(func() { e.applyInserted(msg) })
}

func (e *Engine) applyInserted(msg models.Message) {
	kind := string(realtime.MessageInserted)
	if msg.ThreadID != e.thread.ID {
		metrics.RealtimeEvents.WithLabelValues(kind, metrics.ResultIgnored).Inc()
		return
	}
	if e.t.index(msg.ID) >= 0 {
		metrics.RealtimeEvents.WithLabelValues(kind, metrics.ResultDeduped).Inc()
		return
	}
	metrics.RealtimeEvents.WithLabelValues(kind, metrics.ResultApplied).Inc()
	e.t.insert(msg.Remote())
	e.markTouched(msg.ID)
}

// OnMessageDeleted removes a message by id. Unknown ids are ignored.
func (e *Engine) OnMessageDeleted(id uuid.UUID) {
	e.post(func() {
		kind := string(realtime.MessageDeleted)
		if m, ok := e.t.get(id); ok && m.IsLoading {
			metrics.RealtimeEvents.WithLabelValues(kind, metrics.ResultIgnored).Inc()
			return
		}
		if e.t.remove(id) {
			e.markRemoved(id)
			metrics.RealtimeEvents.WithLabelValues(kind, metrics.ResultApplied).Inc()
			return
		}
		metrics.RealtimeEvents.WithLabelValues(kind, metrics.ResultIgnored).Inc()
	})
}

// StartRealtime subscribes to the thread's message channel. Failures are
// logged and returned; the engine keeps working without realtime.
func (e *Engine) StartRealtime(ctx context.Context) error {
	if e.deps.Realtime == nil {
		return nil
	}
	sub, err := e.deps.Realtime.Subscribe(ctx, realtime.MessagesChannel(e.threadID))
	if err != nil {
		e.log.Warn().Err(err).Msg("realtime subscribe")
		return err
	}
	if err := e.do(ctx, func() error {
		if e.sub != nil {
			e.sub.Close()
		}
		e.sub = sub
		return nil
	}); err != nil {
		sub.Close()
		return err
	}

	go func() {
		for ev := range sub.Events() {
			switch ev.Kind {
			case realtime.MessageInserted:
				if ev.Message != nil {
					e.OnMessageInserted(*ev.Message)
				}
			case realtime.MessageDeleted:
				e.OnMessageDeleted(ev.MessageID)
			}
		}
		e.log.Debug().Str("channel", sub.Channel()).Msg("realtime subscription ended")
	}()
	return nil
}

// StopRealtime ends the current subscription, if any.
func (e *Engine) StopRealtime() {
	_ = e.do(context.Background(), func() error {
		if e.sub != nil {
			e.sub.Close()
			e.sub = nil
		}
		return nil
	})
}
