package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"threadsync/internal/models"
	"threadsync/internal/realtime"
)

type fakeStore struct {
	mu        sync.Mutex
	messages  map[uuid.UUID]models.Message
	createErr func(models.Message) error
	deleteErr error
	listErr   error
	list      []models.Message
	updated   []models.Thread
	deleted   []uuid.UUID
	// when set, ListMessages captures its reply, signals listStarted and
	// waits for listRelease before returning it
	listStarted chan struct{}
	listRelease chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{messages: make(map[uuid.UUID]models.Message)}
}

func (s *fakeStore) ListMessages(_ context.Context, _ uuid.UUID) ([]models.Message, error) {
	s.mu.Lock()
	if s.listErr != nil {
		s.mu.Unlock()
		return nil, s.listErr
	}
	out := append([]models.Message(nil), s.list...)
	started, release := s.listStarted, s.listRelease
	s.mu.Unlock()
	if started != nil {
		started <- struct{}{}
		<-release
	}
	return out, nil
}

func (s *fakeStore) CreateMessage(_ context.Context, msg models.Message) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		if err := s.createErr(msg); err != nil {
			return models.Message{}, err
		}
	}
	s.messages[msg.ID] = msg
	return msg, nil
}

func (s *fakeStore) DeleteMessage(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	return s.deleteErr
}

func (s *fakeStore) UpdateThread(_ context.Context, th models.Thread) (models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = append(s.updated, th)
	return th, nil
}

func (s *fakeStore) stored(id uuid.UUID) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	return m, ok
}

type fakeStream struct {
	ch     chan recvResult
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan recvResult, 16), closed: make(chan struct{})}
}

func (s *fakeStream) Recv() (string, error) {
	select {
	case r := <-s.ch:
		return r.chunk, r.err
	case <-s.closed:
		return "", io.EOF
	}
}

func (s *fakeStream) Close() { s.once.Do(func() { close(s.closed) }) }

func (s *fakeStream) send(chunks ...string) {
	for _, c := range chunks {
		s.ch <- recvResult{chunk: c}
	}
}

func (s *fakeStream) finish()        { s.ch <- recvResult{err: io.EOF} }
func (s *fakeStream) fail(err error) { s.ch <- recvResult{err: err} }

type fakeGenerator struct {
	mu         sync.Mutex
	streams    chan *fakeStream
	histories  [][]models.Message
	title      string
	titleErr   error
	titleCalls int
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{streams: make(chan *fakeStream, 4), title: "Greetings"}
}

func (g *fakeGenerator) StreamReply(_ context.Context, history []models.Message) (ChunkStream, error) {
	g.mu.Lock()
	g.histories = append(g.histories, history)
	g.mu.Unlock()
	s := newFakeStream()
	g.streams <- s
	return s, nil
}

func (g *fakeGenerator) GenerateTitle(_ context.Context, _ []models.Message) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.titleCalls++
	return g.title, g.titleErr
}

func (g *fakeGenerator) nextStream(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case s := <-g.streams:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply stream opened")
	}
	return nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type harness struct {
	engine  *Engine
	store   *fakeStore
	gen     *fakeGenerator
	thread  models.Thread
	clock   *clock
	titleCh chan models.Thread
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	c := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	h := &harness{
		store:   newFakeStore(),
		gen:     newFakeGenerator(),
		thread:  models.NewThread(uuid.New(), c.t),
		clock:   c,
		titleCh: make(chan models.Thread, 4),
	}
	opts.Now = c.Now
	opts.OnThreadUpdated = func(th models.Thread) { h.titleCh <- th }
	h.engine = NewEngine(h.thread, Deps{Store: h.store, Generator: h.gen}, opts)
	t.Cleanup(h.engine.Close)
	return h
}

// flush waits until every action queued before it has been applied.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	if err := h.engine.do(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func waitFor(t *testing.T, e *Engine, what string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		snap := e.Snapshot()
		if err := models.CheckInvariants(snap.Messages); err != nil {
			t.Fatalf("invariant violated while waiting for %s: %v", what, err)
		}
		if cond(snap) {
			return snap
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s; state: %+v", what, snap)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func loadingCount(msgs []models.Message) int {
	n := 0
	for _, m := range msgs {
		if m.IsLoading {
			n++
		}
	}
	return n
}

func TestSendStreamAndTitle(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	if err := h.engine.SendMessage(ctx, "Hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	snap := h.engine.Snapshot()
	if len(snap.Messages) != 2 || !snap.IsStreaming {
		t.Fatalf("expected optimistic pair while streaming, got %+v", snap)
	}
	user, placeholder := snap.Messages[0], snap.Messages[1]
	if user.Content != "Hi" || user.Role != models.RoleUser {
		t.Fatalf("unexpected user message %+v", user)
	}
	if !placeholder.IsLoading || placeholder.Content != "" || placeholder.Role != models.RoleAssistant {
		t.Fatalf("unexpected placeholder %+v", placeholder)
	}

	stream := h.gen.nextStream(t)
	waitFor(t, h.engine, "user message sent", func(s Snapshot) bool {
		return len(s.Messages) > 0 && s.Messages[0].Status == models.StatusSent
	})

	stream.send("Hello", " there")
	waitFor(t, h.engine, "streamed content", func(s Snapshot) bool {
		return len(s.Messages) == 2 && s.Messages[1].Content == "Hello there" && s.Messages[1].IsLoading
	})
	stream.finish()

	final := waitFor(t, h.engine, "reply persisted", func(s Snapshot) bool {
		return len(s.Messages) == 2 && !s.Messages[1].IsLoading && s.Messages[1].Status == models.StatusSent
	})
	if final.IsStreaming {
		t.Fatalf("streaming flag still set")
	}
	if stored, ok := h.store.stored(placeholder.ID); !ok || stored.Content != "Hello there" || stored.IsLoading {
		t.Fatalf("reply not persisted correctly: %+v", stored)
	}

	select {
	case th := <-h.titleCh:
		if th.Title != "Greetings" || th.ID != h.thread.ID {
			t.Fatalf("unexpected title update %+v", th)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("title generation did not fire")
	}
	waitFor(t, h.engine, "thread retitled", func(s Snapshot) bool { return s.Thread.Title == "Greetings" })
	if h.engine.Snapshot().Thread.LastMessageAt == nil {
		t.Fatalf("lastMessageAt not maintained")
	}

	h.gen.mu.Lock()
	history := h.gen.histories[0]
	h.gen.mu.Unlock()
	if len(history) != 1 || history[0].ID != user.ID {
		t.Fatalf("reply must be seeded without the placeholder, got %+v", history)
	}
}

func TestBlankSendIsIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.engine.SendMessage(context.Background(), "  \n\t "); err != nil {
		t.Fatalf("blank send: %v", err)
	}
	if snap := h.engine.Snapshot(); len(snap.Messages) != 0 || snap.IsStreaming {
		t.Fatalf("blank send changed state: %+v", snap)
	}
}

func TestSendDraftClearsInput(t *testing.T) {
	h := newHarness(t, Options{})
	h.engine.SetDraft("  draft text ")
	if got := h.engine.Snapshot().Draft; got != "  draft text " {
		t.Fatalf("draft not stored: %q", got)
	}
	if err := h.engine.SendDraft(context.Background()); err != nil {
		t.Fatalf("send draft: %v", err)
	}
	snap := h.engine.Snapshot()
	if snap.Draft != "" || snap.Messages[0].Content != "draft text" {
		t.Fatalf("unexpected state after draft send: %+v", snap)
	}
}

func TestSecondSendWhileStreamingIsRejected(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	if err := h.engine.SendMessage(ctx, "one"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := h.engine.SendMessage(ctx, "two"); !errors.Is(err, ErrStreamInProgress) {
		t.Fatalf("expected ErrStreamInProgress, got %v", err)
	}
	if n := loadingCount(h.engine.Snapshot().Messages); n != 1 {
		t.Fatalf("expected a single placeholder, got %d", n)
	}
	stream := h.gen.nextStream(t)
	stream.finish()
	waitFor(t, h.engine, "stream done", func(s Snapshot) bool { return !s.IsStreaming })
	if err := h.engine.SendMessage(ctx, "two"); err != nil {
		t.Fatalf("send after completion: %v", err)
	}
}

func TestUserPersistFailureMarksFailed(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.createErr = func(m models.Message) error {
		if m.Role == models.RoleUser {
			return fmt.Errorf("insert: %w", ErrTransportFailure)
		}
		return nil
	}
	if err := h.engine.SendMessage(context.Background(), "Hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	stream := h.gen.nextStream(t)

	snap := waitFor(t, h.engine, "send failure", func(s Snapshot) bool { return !s.IsStreaming })
	if len(snap.Messages) != 1 {
		t.Fatalf("placeholder must be removed, got %+v", snap.Messages)
	}
	if snap.Messages[0].Status != models.StatusFailed || snap.ErrorMessage == "" {
		t.Fatalf("expected failed user message and error, got %+v", snap)
	}

	// chunks of the abandoned cycle are ignored
	stream.send("late")
	h.flush(t)
	if got := h.engine.Snapshot().Messages; len(got) != 1 || got[0].Content != "Hi" {
		t.Fatalf("stale chunk applied: %+v", got)
	}
}

func TestStreamErrorDiscardsPartialReply(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.engine.SendMessage(context.Background(), "Hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	stream := h.gen.nextStream(t)
	stream.send("Hel", "lo")
	waitFor(t, h.engine, "partial content", func(s Snapshot) bool {
		return len(s.Messages) == 2 && s.Messages[1].Content == "Hello"
	})
	stream.fail(fmt.Errorf("upstream: %w", ErrTransportFailure))

	snap := waitFor(t, h.engine, "stream error", func(s Snapshot) bool { return !s.IsStreaming })
	for _, m := range snap.Messages {
		if m.Role == models.RoleAssistant {
			t.Fatalf("partial reply left behind: %+v", m)
		}
	}
	if snap.ErrorMessage == "" {
		t.Fatalf("stream error not surfaced")
	}
	h.gen.mu.Lock()
	calls := h.gen.titleCalls
	h.gen.mu.Unlock()
	if calls != 0 {
		t.Fatalf("title must not be generated after a failed reply")
	}
}

func TestStalledStreamIsAbandoned(t *testing.T) {
	h := newHarness(t, Options{StallTimeout: 30 * time.Millisecond})
	if err := h.engine.SendMessage(context.Background(), "Hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	h.gen.nextStream(t)
	snap := waitFor(t, h.engine, "stall", func(s Snapshot) bool { return !s.IsStreaming })
	if loadingCount(snap.Messages) != 0 || len(snap.Messages) != 1 {
		t.Fatalf("placeholder not removed after stall: %+v", snap.Messages)
	}
	if snap.ErrorMessage != describe("get a reply", ErrStreamStalled) {
		t.Fatalf("unexpected error message %q", snap.ErrorMessage)
	}
}

func TestRetryFailedMessage(t *testing.T) {
	h := newHarness(t, Options{})
	var attempts int
	h.store.createErr = func(m models.Message) error {
		if m.Role == models.RoleUser {
			attempts++
			if attempts == 1 {
				return ErrTransportFailure
			}
		}
		return nil
	}
	ctx := context.Background()
	if err := h.engine.SendMessage(ctx, "ping"); err != nil {
		t.Fatalf("send: %v", err)
	}
	h.gen.nextStream(t)
	failed := waitFor(t, h.engine, "failure", func(s Snapshot) bool { return !s.IsStreaming }).Messages[0]
	if failed.Status != models.StatusFailed {
		t.Fatalf("expected failed message, got %+v", failed)
	}

	if err := h.engine.RetryMessage(ctx, failed.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	snap := h.engine.Snapshot()
	if !snap.IsStreaming || len(snap.Messages) != 2 {
		t.Fatalf("retry did not start a new cycle: %+v", snap)
	}
	retried := snap.Messages[0]
	if retried.ID != failed.ID || retried.Content != "ping" || retried.Status != models.StatusSending ||
		!retried.CreatedAt.Equal(failed.CreatedAt) {
		t.Fatalf("retry changed the message: %+v", retried)
	}
	if !snap.Messages[1].IsLoading {
		t.Fatalf("expected a fresh placeholder, got %+v", snap.Messages[1])
	}

	stream := h.gen.nextStream(t)
	waitFor(t, h.engine, "retried message sent", func(s Snapshot) bool {
		return s.Messages[0].Status == models.StatusSent
	})
	stream.send("pong")
	stream.finish()
	waitFor(t, h.engine, "reply", func(s Snapshot) bool {
		return len(s.Messages) == 2 && s.Messages[1].Content == "pong" && s.Messages[1].Status == models.StatusSent
	})
}

func TestUnsavedReplyIsRetryable(t *testing.T) {
	h := newHarness(t, Options{})
	var replyAttempts int
	h.store.createErr = func(m models.Message) error {
		if m.Role == models.RoleAssistant {
			replyAttempts++
			if replyAttempts == 1 {
				return fmt.Errorf("insert: %w", ErrTransportFailure)
			}
		}
		return nil
	}
	ctx := context.Background()
	if err := h.engine.SendMessage(ctx, "Hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	stream := h.gen.nextStream(t)
	stream.send("Hello")
	stream.finish()

	snap := waitFor(t, h.engine, "reply save failure", func(s Snapshot) bool {
		return len(s.Messages) == 2 && s.Messages[1].Status == models.StatusFailed
	})
	reply := snap.Messages[1]
	if reply.Content != "Hello" || reply.IsLoading || snap.ErrorMessage == "" {
		t.Fatalf("unsaved reply must stay visible as failed with an error: %+v", snap)
	}
	if snap.Messages[0].Status != models.StatusSent {
		t.Fatalf("user message must stay sent: %+v", snap.Messages[0])
	}

	if err := h.engine.RetryMessage(ctx, reply.ID); err != nil {
		t.Fatalf("retry reply: %v", err)
	}
	if snap := h.engine.Snapshot(); snap.ErrorMessage != "" || snap.IsStreaming {
		t.Fatalf("retrying a reply must clear the error without a new cycle: %+v", snap)
	}
	waitFor(t, h.engine, "reply saved", func(s Snapshot) bool {
		return s.Messages[1].Status == models.StatusSent
	})
	stored, ok := h.store.stored(reply.ID)
	if !ok || stored.Content != "Hello" {
		t.Fatalf("reply not stored on retry: %+v", stored)
	}
}

func TestNewSendClearsPreviousError(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	if err := h.engine.SendMessage(ctx, "first"); err != nil {
		t.Fatalf("send: %v", err)
	}
	h.gen.nextStream(t).fail(ErrTransportFailure)
	waitFor(t, h.engine, "stream error", func(s Snapshot) bool { return s.ErrorMessage != "" && !s.IsStreaming })

	if err := h.engine.SendMessage(ctx, "second"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg := h.engine.Snapshot().ErrorMessage; msg != "" {
		t.Fatalf("new send must supersede the old error, got %q", msg)
	}
}

func TestRetryRules(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	if err := h.engine.RetryMessage(ctx, uuid.New()); err != nil {
		t.Fatalf("unknown id should be a no-op, got %v", err)
	}
	if err := h.engine.SendMessage(ctx, "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	h.gen.nextStream(t)
	user := waitFor(t, h.engine, "sent", func(s Snapshot) bool {
		return s.Messages[0].Status == models.StatusSent
	}).Messages[0]
	if err := h.engine.RetryMessage(ctx, user.ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable, got %v", err)
	}
}

func TestRealtimeInsertDeduplicates(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.engine.SendMessage(context.Background(), "Hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	before := h.engine.Snapshot()
	echo := before.Messages[0].Remote()
	echo.Content = "server copy"
	h.engine.OnMessageInserted(echo)
	h.flush(t)

	after := h.engine.Snapshot()
	if diff := cmp.Diff(before.Messages, after.Messages); diff != "" {
		t.Fatalf("duplicate insert changed the list (-before +after):\n%s", diff)
	}
}

func TestRealtimeInsertsStayOrdered(t *testing.T) {
	h := newHarness(t, Options{})
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	offsets := []int{5, 1, 9, 3, 3, 7, 0}
	for i, off := range offsets {
		m := models.NewPendingUserMessage(h.thread.ID, fmt.Sprintf("m%d", i), base.Add(time.Duration(off)*time.Minute))
		h.engine.OnMessageInserted(m)
		h.flush(t)
		snap := h.engine.Snapshot()
		if len(snap.Messages) != i+1 {
			t.Fatalf("insert %d not applied", i)
		}
		if err := models.CheckInvariants(snap.Messages); err != nil {
			t.Fatalf("after insert %d: %v", i, err)
		}
		for _, got := range snap.Messages {
			if got.Status != models.StatusSent || got.IsLoading {
				t.Fatalf("realtime message not normalised: %+v", got)
			}
		}
	}

	other := models.NewPendingUserMessage(uuid.New(), "elsewhere", base)
	h.engine.OnMessageInserted(other)
	h.flush(t)
	if len(h.engine.Snapshot().Messages) != len(offsets) {
		t.Fatalf("message of another thread was merged")
	}
}

func TestRealtimeDuringStreamKeepsPlaceholder(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.engine.SendMessage(context.Background(), "Hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	stream := h.gen.nextStream(t)
	stream.send("partial")
	waitFor(t, h.engine, "chunk", func(s Snapshot) bool {
		return len(s.Messages) == 2 && s.Messages[1].Content == "partial"
	})

	remote := models.NewPendingUserMessage(h.thread.ID, "from another device", h.clock.Now())
	h.engine.OnMessageInserted(remote)
	h.flush(t)
	snap := h.engine.Snapshot()
	if len(snap.Messages) != 3 || loadingCount(snap.Messages) != 1 {
		t.Fatalf("unexpected list %+v", snap.Messages)
	}
	stream.send(" reply")
	stream.finish()
	waitFor(t, h.engine, "finished", func(s Snapshot) bool { return !s.IsStreaming && loadingCount(s.Messages) == 0 })
}

func TestRealtimeDeleteIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	m := models.NewPendingUserMessage(h.thread.ID, "x", time.Now())
	h.engine.OnMessageInserted(m)
	h.engine.OnMessageDeleted(m.ID)
	h.engine.OnMessageDeleted(m.ID)
	h.flush(t)
	if n := len(h.engine.Snapshot().Messages); n != 0 {
		t.Fatalf("expected empty list, got %d", n)
	}
}

func TestDeleteMessage(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	keep := models.NewPendingUserMessage(h.thread.ID, "keep", time.Now())
	drop := models.NewPendingUserMessage(h.thread.ID, "drop", time.Now())
	h.engine.OnMessageInserted(keep)
	h.engine.OnMessageInserted(drop)

	if err := h.engine.DeleteMessage(ctx, drop.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if msgs := h.engine.Snapshot().Messages; len(msgs) != 1 || msgs[0].ID != keep.ID {
		t.Fatalf("unexpected list after delete: %+v", msgs)
	}

	h.store.deleteErr = ErrTransportFailure
	if err := h.engine.DeleteMessage(ctx, keep.ID); !errors.Is(err, ErrTransportFailure) {
		t.Fatalf("expected transport failure, got %v", err)
	}
	snap := h.engine.Snapshot()
	if len(snap.Messages) != 1 || snap.ErrorMessage == "" {
		t.Fatalf("failed delete must keep the message and surface an error: %+v", snap)
	}
	h.engine.DismissError()
	if h.engine.Snapshot().ErrorMessage != "" {
		t.Fatalf("error not dismissed")
	}

	h.store.deleteErr = fmt.Errorf("row gone: %w", ErrNotFound)
	if err := h.engine.DeleteMessage(ctx, keep.ID); err != nil {
		t.Fatalf("remote not-found should count as deleted, got %v", err)
	}
	if n := len(h.engine.Snapshot().Messages); n != 0 {
		t.Fatalf("message not removed")
	}
}

func TestDeletePlaceholderRejected(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.engine.SendMessage(context.Background(), "Hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	placeholder := h.engine.Snapshot().Messages[1]
	if err := h.engine.DeleteMessage(context.Background(), placeholder.ID); !errors.Is(err, ErrStreamInProgress) {
		t.Fatalf("expected ErrStreamInProgress, got %v", err)
	}
}

func TestLoadMessagesReplacesAndKeepsPending(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	older := models.Message{ID: uuid.New(), ThreadID: h.thread.ID, Role: models.RoleUser, Content: "a", CreatedAt: base}
	newer := models.Message{ID: uuid.New(), ThreadID: h.thread.ID, Role: models.RoleAssistant, Content: "b", CreatedAt: base.Add(time.Minute)}
	h.store.list = []models.Message{newer, older}

	local := models.NewFailedMessage(h.thread.ID, models.RoleUser, "unsent", base.Add(2*time.Minute))
	stale := models.NewPendingUserMessage(h.thread.ID, "gone remotely", base.Add(-time.Hour)).Remote()
	h.engine.OnMessageInserted(stale)
	h.engine.post(func() { h.engine.t.insert(local) })

	if err := h.engine.LoadMessages(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	snap := h.engine.Snapshot()
	var ids []uuid.UUID
	for _, m := range snap.Messages {
		ids = append(ids, m.ID)
	}
	if diff := cmp.Diff([]uuid.UUID{older.ID, newer.ID, local.ID}, ids); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
	if snap.Messages[0].Status != models.StatusSent || snap.IsLoading {
		t.Fatalf("loaded messages must be sent and loading cleared: %+v", snap)
	}

	h.store.listErr = ErrTransportFailure
	if err := h.engine.LoadMessages(ctx); !errors.Is(err, ErrTransportFailure) {
		t.Fatalf("expected load failure, got %v", err)
	}
	if snap := h.engine.Snapshot(); snap.ErrorMessage == "" || len(snap.Messages) != 3 {
		t.Fatalf("failed load must keep the list and set an error: %+v", snap)
	}
}

func TestSlowLoadKeepsChangesMadeMeanwhile(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	old := models.Message{ID: uuid.New(), ThreadID: h.thread.ID, Role: models.RoleUser, Content: "old", CreatedAt: base}
	h.store.list = []models.Message{old}
	if err := h.engine.LoadMessages(ctx); err != nil {
		t.Fatalf("first load: %v", err)
	}

	h.store.mu.Lock()
	h.store.listStarted = make(chan struct{}, 1)
	h.store.listRelease = make(chan struct{})
	started, release := h.store.listStarted, h.store.listRelease
	h.store.mu.Unlock()

	loaded := make(chan error, 1)
	go func() { loaded <- h.engine.LoadMessages(ctx) }()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("load never reached the store")
	}

	// the pending reply still holds "old" and nothing newer
	if err := h.engine.DeleteMessage(ctx, old.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := h.engine.SendMessage(ctx, "Hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	stream := h.gen.nextStream(t)
	stream.send("Hello")
	stream.finish()
	waitFor(t, h.engine, "exchange confirmed", func(s Snapshot) bool {
		return len(s.Messages) == 2 && s.Messages[0].Status == models.StatusSent &&
			s.Messages[1].Status == models.StatusSent
	})
	other := models.NewPendingUserMessage(h.thread.ID, "from another device", h.clock.Now()).Remote()
	h.engine.OnMessageInserted(other)
	h.flush(t)
	want := h.engine.Snapshot().Messages

	close(release)
	if err := <-loaded; err != nil {
		t.Fatalf("slow load: %v", err)
	}
	got := h.engine.Snapshot().Messages
	if err := models.CheckInvariants(got); err != nil {
		t.Fatalf("invariants: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("slow load reply undid newer changes (-want +got):\n%s", diff)
	}
	if len(got) != 3 {
		t.Fatalf("expected exchange plus remote insert, got %+v", got)
	}

	h.store.mu.Lock()
	h.store.listStarted, h.store.listRelease = nil, nil
	h.store.list = nil
	h.store.mu.Unlock()
	if err := h.engine.LoadMessages(ctx); err != nil {
		t.Fatalf("fresh load: %v", err)
	}
	if got := h.engine.Snapshot().Messages; len(got) != 0 {
		t.Fatalf("a load issued after the changes is authoritative, got %+v", got)
	}
}

func TestTitleFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, Options{})
	h.gen.titleErr = ErrConfigurationMissing
	if err := h.engine.SendMessage(context.Background(), "Hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	stream := h.gen.nextStream(t)
	stream.send("Hello")
	stream.finish()
	snap := waitFor(t, h.engine, "reply sent", func(s Snapshot) bool {
		return len(s.Messages) == 2 && s.Messages[1].Status == models.StatusSent
	})
	waitFor(t, h.engine, "title attempt", func(Snapshot) bool {
		h.gen.mu.Lock()
		defer h.gen.mu.Unlock()
		return h.gen.titleCalls == 1
	})
	h.flush(t)
	snap = h.engine.Snapshot()
	if snap.Thread.Title != models.DefaultThreadTitle || snap.ErrorMessage != "" {
		t.Fatalf("title failure leaked into state: %+v", snap)
	}
}

func TestCloseDropsLateResults(t *testing.T) {
	h := newHarness(t, Options{})
	if err := h.engine.SendMessage(context.Background(), "Hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	stream := h.gen.nextStream(t)
	h.engine.Close()
	before := h.engine.Snapshot()

	stream.send("late")
	stream.finish()
	time.Sleep(20 * time.Millisecond)
	if diff := cmp.Diff(before, h.engine.Snapshot()); diff != "" {
		t.Fatalf("closed engine changed (-before +after):\n%s", diff)
	}
	if err := h.engine.SendMessage(context.Background(), "again"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, ok := <-h.engine.Changes(); ok {
		// drain the last buffered signal
		if _, ok := <-h.engine.Changes(); ok {
			t.Fatalf("changes channel not closed")
		}
	}
}

func TestRealtimeSubscription(t *testing.T) {
	h := newHarness(t, Options{})
	hub := realtime.NewMemoryHub(8)
	defer hub.Close()
	h.engine.deps.Realtime = hub
	ctx := context.Background()

	if err := h.engine.StartRealtime(ctx); err != nil {
		t.Fatalf("start realtime: %v", err)
	}
	msg := models.NewPendingUserMessage(h.thread.ID, "pushed", time.Now())
	channel := realtime.MessagesChannel(h.thread.ID)
	if err := hub.Publish(ctx, channel, realtime.Event{Kind: realtime.MessageInserted, ThreadID: h.thread.ID, Message: &msg}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, h.engine, "pushed message", func(s Snapshot) bool { return len(s.Messages) == 1 })

	if err := hub.Publish(ctx, channel, realtime.Event{Kind: realtime.MessageDeleted, ThreadID: h.thread.ID, MessageID: msg.ID}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, h.engine, "pushed delete", func(s Snapshot) bool { return len(s.Messages) == 0 })

	h.engine.StopRealtime()
	if err := hub.Publish(ctx, channel, realtime.Event{Kind: realtime.MessageInserted, ThreadID: h.thread.ID, Message: &msg}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	h.flush(t)
	if n := len(h.engine.Snapshot().Messages); n != 0 {
		t.Fatalf("event applied after unsubscribe")
	}
}
