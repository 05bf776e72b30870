package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"threadsync/internal/models"
)

// ChunkStream is one assistant turn's lazy sequence of text fragments. Recv
// returns io.EOF after the last fragment. A stream is not restartable.
type ChunkStream interface {
	Recv() (string, error)
	Close()
}

// DefaultStallTimeout bounds the silence between two chunks.
const DefaultStallTimeout = 60 * time.Second

var errPlaceholderActive = errors.New("a placeholder is already streaming")

// transcript is the ordered message list of one thread. Every mutation
// leaves it sorted by CreatedAt.
type transcript struct {
	msgs []models.Message
}

func (t *transcript) index(id uuid.UUID) int { return models.IndexOf(t.msgs, id) }

func (t *transcript) get(id uuid.UUID) (models.Message, bool) {
	if i := t.index(id); i >= 0 {
		return t.msgs[i], true
	}
	return models.Message{}, false
}

func (t *transcript) insert(msgs ...models.Message) {
	t.msgs = append(t.msgs, msgs...)
	models.SortMessages(t.msgs)
}

// replace swaps the message with the same id in place.
func (t *transcript) replace(m models.Message) bool {
	i := t.index(m.ID)
	if i < 0 {
		return false
	}
	t.msgs[i] = m
	models.SortMessages(t.msgs)
	return true
}

func (t *transcript) remove(id uuid.UUID) bool {
	i := t.index(id)
	if i < 0 {
		return false
	}
	t.msgs = append(t.msgs[:i:i], t.msgs[i+1:]...)
	return true
}

func (t *transcript) reset(msgs []models.Message) {
	t.msgs = msgs
	models.SortMessages(t.msgs)
}

// history is what a reply is generated from: everything but the placeholder.
func (t *transcript) history() []models.Message {
	out := make([]models.Message, 0, len(t.msgs))
	for _, m := range t.msgs {
		if !m.IsLoading {
			out = append(out, m)
		}
	}
	return out
}

func (t *transcript) loading() (models.Message, bool) {
	for _, m := range t.msgs {
		if m.IsLoading {
			return m, true
		}
	}
	return models.Message{}, false
}

// assembler grows the single loading placeholder of the current cycle.
type assembler struct {
	t  *transcript
	id uuid.UUID
}

func (a *assembler) active() bool { return a.id != uuid.Nil }

// begin inserts a fresh placeholder. Only one may exist per thread.
func (a *assembler) begin(threadID uuid.UUID, now time.Time) (models.Message, error) {
	if _, ok := a.t.loading(); ok || a.active() {
		return models.Message{}, errPlaceholderActive
	}
	p := models.NewPlaceholder(threadID, now)
	a.t.insert(p)
	a.id = p.ID
	return p, nil
}

func (a *assembler) append(chunk string) error {
	m, ok := a.t.get(a.id)
	if !ok {
		return fmt.Errorf("placeholder %s missing", a.id)
	}
	m, err := m.AppendChunk(chunk)
	if err != nil {
		return err
	}
	a.t.replace(m)
	return nil
}

// complete clears the loading flag and returns the finished reply, which
// still has to be persisted.
func (a *assembler) complete() (models.Message, error) {
	m, ok := a.t.get(a.id)
	a.id = uuid.Nil
	if !ok {
		return models.Message{}, errors.New("placeholder missing")
	}
	m, err := m.Finish()
	if err != nil {
		return models.Message{}, err
	}
	a.t.replace(m)
	return m, nil
}

// abort drops the placeholder together with any partial content.
func (a *assembler) abort() {
	if !a.active() {
		return
	}
	a.t.remove(a.id)
	a.id = uuid.Nil
}

type recvResult struct {
	chunk string
	err   error
}

// drain forwards every chunk of stream to onChunk. It returns nil at io.EOF,
// ErrStreamStalled if no chunk arrives within stall (0 disables the limit),
// or the stream or context error.
func drain(ctx context.Context, stream ChunkStream, stall time.Duration, onChunk func(string)) error {
	results := make(chan recvResult)
	go func() {
		defer close(results)
		for {
			chunk, err := stream.Recv()
			select {
			case results <- recvResult{chunk: chunk, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var timer *time.Timer
	var timeout <-chan time.Time
	if stall > 0 {
		timer = time.NewTimer(stall)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return ErrStreamStalled
		case res, ok := <-results:
			if !ok {
				return ctx.Err()
			}
			if errors.Is(res.err, io.EOF) {
				return nil
			}
			if res.err != nil {
				return res.err
			}
			if res.chunk != "" {
				onChunk(res.chunk)
			}
			if timer != nil {
				timer.Reset(stall)
			}
		}
	}
}
