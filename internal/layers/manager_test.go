package layers

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/layered-memory/internal/chunker"
	"github.com/rcliao/layered-memory/internal/embedding"
	"github.com/rcliao/layered-memory/internal/model"
	"github.com/rcliao/layered-memory/internal/store"
	"github.com/rcliao/layered-memory/internal/summarize"
)

type fakeSummarizer struct {
	mu      sync.Mutex
	reply   string
	err     error
	calls   int
	prompts []summarize.Request
	started chan struct{}
	gate    chan struct{}
}

func (f *fakeSummarizer) Summarize(ctx context.Context, req summarize.Request) (string, error) {
	f.mu.Lock()
	f.calls++
	f.prompts = append(f.prompts, req)
	f.mu.Unlock()

	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.reply, f.err
}

func (f *fakeSummarizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeProvider struct{}

func (fakeProvider) Name() string { return "fake" }

func (fakeProvider) Embed(ctx context.Context, modelName string, items []embedding.Item) ([]embedding.Vector, error) {
	out := make([]embedding.Vector, len(items))
	for i := range out {
		out[i] = embedding.Vector{1, 0.5}
	}
	return out, nil
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newManager(t *testing.T, s Store, sum summarize.Summarizer, cfg Config) *Manager {
	t.Helper()
	m := NewManager(s, sum, nil, cfg, nil)
	t.Cleanup(m.Close)
	return m
}

func turnsAt(at time.Time, contents ...string) []model.Turn {
	out := make([]model.Turn, len(contents))
	for i, c := range contents {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		out[i] = model.Turn{Role: role, Content: c, At: at.Add(time.Duration(i) * time.Second)}
	}
	return out
}

func seedLayer(t *testing.T, s *store.SQLiteStore, layer model.Layer, n int, base time.Time) []string {
	t.Helper()
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		c := &model.Chunk{
			Source:    model.SourceConversation,
			Content:   fmt.Sprintf("%s seed %d", layer, i),
			Layer:     layer,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.Insert(context.Background(), c))
		ids[i] = c.ID
	}
	return ids
}

func TestEmotional_RollingWindow(t *testing.T) {
	s := newTestStore(t)
	old := seedLayer(t, s, model.LayerEmotional, 12, time.Now().Add(-2*time.Hour))
	sum := &fakeSummarizer{reply: "Relieved and upbeat after fixing the bug."}
	m := newManager(t, s, sum, Config{EmotionalWindow: 10})

	res, err := m.Run(t.Context(), UpdateRequest{
		Layer: model.LayerEmotional, ConversationID: "c1",
		Turns: turnsAt(time.Now(), "It works now!", "Great news."),
	})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, res.Inserted)
	assert.EqualValues(t, 3, res.Deleted)

	got, err := s.ListLayer(t.Context(), model.LayerEmotional)
	require.NoError(t, err)
	require.Len(t, got, 10)
	remaining := map[string]bool{}
	for _, c := range got {
		remaining[c.ID] = true
	}
	for _, id := range old[:3] {
		assert.False(t, remaining[id], "oldest snapshots must be evicted")
	}
	assert.Equal(t, "Relieved and upbeat after fixing the bug.", got[len(got)-1].Content)
	assert.Equal(t, "c1", got[len(got)-1].SourceID)
}

func TestEmotional_SummarizerFailureSkips(t *testing.T) {
	s := newTestStore(t)
	seedLayer(t, s, model.LayerEmotional, 3, time.Now().Add(-time.Hour))
	m := newManager(t, s, &fakeSummarizer{err: errors.New("overloaded")}, Config{})

	res, err := m.Run(t.Context(), UpdateRequest{Layer: model.LayerEmotional, Turns: turnsAt(time.Now(), "hi")})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Contains(t, res.Reason, "overloaded")

	got, err := s.ListLayer(t.Context(), model.LayerEmotional)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

const profileText = `## Identity
The user is a backend engineer who works mostly in Go and maintains several internal services.

## Preferences
Prefers terse answers with code first. Dislikes long preambles and marketing language in documentation.

## Projects
Currently migrating a billing service from a monolith to separate workers. Deadline is the end of the quarter, and the team is small, so the user values pragmatic advice over perfect architecture.`

func TestRational_FullReplace(t *testing.T) {
	s := newTestStore(t)
	old := seedLayer(t, s, model.LayerRational, 3, time.Now().Add(-time.Hour))
	sum := &fakeSummarizer{reply: profileText}
	cfg := Config{Chunking: chunker.Options{MaxSize: 200, Overlap: 20, MinLength: 10}}
	m := newManager(t, s, sum, cfg)

	res, err := m.Run(t.Context(), UpdateRequest{
		Layer: model.LayerRational, ConversationID: "c1",
		Turns: turnsAt(time.Now(), "I'm moving billing to workers", "Sounds good", "Deadline is end of quarter", "Noted"),
	})
	require.NoError(t, err)
	require.False(t, res.Skipped, res.Reason)

	want := chunker.Chunk(profileText, chunker.Options{MaxSize: 200, Overlap: 20, MinLength: 10, Structured: true})
	got, err := s.ListLayer(t.Context(), model.LayerRational)
	require.NoError(t, err)
	assert.Len(t, got, len(want))
	assert.Equal(t, len(want), res.Inserted)
	assert.EqualValues(t, 3, res.Deleted)
	for _, c := range got {
		assert.NotContains(t, old, c.ID)
	}

	require.Len(t, sum.prompts, 1)
	prompt := sum.prompts[0].Messages[0].Content
	assert.Contains(t, prompt, "rational seed 2")
	assert.Contains(t, prompt, "] Deadline is end of quarter")
}

func TestRational_Threshold(t *testing.T) {
	s := newTestStore(t)
	sum := &fakeSummarizer{reply: profileText}
	m := newManager(t, s, sum, Config{RationalMinTurns: 4})

	now := time.Now().Add(-time.Minute)
	res, err := m.Run(t.Context(), UpdateRequest{Layer: model.LayerRational, Turns: turnsAt(now, "a", "b", "c")})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 0, sum.callCount())

	turns := turnsAt(now, "a", "b", "c", "d")
	res, err = m.Run(t.Context(), UpdateRequest{Layer: model.LayerRational, Turns: turns})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, sum.callCount())

	// The same window has been folded in already.
	res, err = m.Run(t.Context(), UpdateRequest{Layer: model.LayerRational, Turns: turns})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 1, sum.callCount())
}

func TestRational_FailureKeepsProfile(t *testing.T) {
	s := newTestStore(t)
	old := seedLayer(t, s, model.LayerRational, 2, time.Now().Add(-time.Hour))
	m := newManager(t, s, &fakeSummarizer{err: errors.New("timeout")}, Config{RationalMinTurns: 1})

	res, err := m.Run(t.Context(), UpdateRequest{Layer: model.LayerRational, Turns: turnsAt(time.Now(), "x")})
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	got, err := s.ListLayer(t.Context(), model.LayerRational)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, old[0], got[0].ID)
}

func TestHistorical_AppendOnly(t *testing.T) {
	s := newTestStore(t)
	m := newManager(t, s, nil, Config{})
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	res, err := m.Run(t.Context(), UpdateRequest{
		Layer: model.LayerHistorical, ConversationID: "c9",
		Turns: turnsAt(at, "How do I rotate the logs?", "Use logrotate with copytruncate."),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	got, err := s.ListLayer(t.Context(), model.LayerHistorical)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t,
		"[user 2026-03-01T09:30:00Z] How do I rotate the logs?\n[assistant 2026-03-01T09:30:01Z] Use logrotate with copytruncate.",
		got[0].Content)
	assert.Equal(t, model.SourceConversation, got[0].Source)

	_, err = m.Run(t.Context(), UpdateRequest{Layer: model.LayerHistorical, Turns: turnsAt(at.Add(time.Hour), "And for journald?")})
	require.NoError(t, err)
	got, err = s.ListLayer(t.Context(), model.LayerHistorical)
	require.NoError(t, err)
	assert.Len(t, got, 2, "earlier windows are never pruned")
}

func TestRun_NoPolicyAndInvalidLayer(t *testing.T) {
	m := newManager(t, newTestStore(t), nil, Config{})

	_, err := m.Run(t.Context(), UpdateRequest{Layer: model.LayerGeneral})
	assert.ErrorIs(t, err, ErrNoPolicy)

	_, err = m.Run(t.Context(), UpdateRequest{Layer: "semantic"})
	assert.ErrorIs(t, err, model.ErrInvalidLayer)
}

func TestRun_EmbedsNewChunks(t *testing.T) {
	s := newTestStore(t)
	gw, err := embedding.NewGateway(fakeProvider{}, embedding.GatewayConfig{TextModel: "text-model"}, nil)
	require.NoError(t, err)
	m := NewManager(s, &fakeSummarizer{reply: "Focused."}, gw, Config{}, nil)
	t.Cleanup(m.Close)

	res, err := m.Run(t.Context(), UpdateRequest{Layer: model.LayerEmotional, Turns: turnsAt(time.Now(), "ok")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Embedded)

	got, err := s.ListLayer(t.Context(), model.LayerEmotional)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "text-model", got[0].EmbeddingModel)
	assert.Equal(t, "text-model", got[0].IntendedModel)
}

func TestSchedule_Coalesces(t *testing.T) {
	s := newTestStore(t)
	sum := &fakeSummarizer{reply: "Calm.", started: make(chan struct{}, 1), gate: make(chan struct{})}
	m := newManager(t, s, sum, Config{})

	m.Schedule(UpdateRequest{Layer: model.LayerEmotional, Turns: turnsAt(time.Now(), "one")})
	select {
	case <-sum.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first update did not start")
	}
	m.Schedule(UpdateRequest{Layer: model.LayerEmotional, Turns: turnsAt(time.Now(), "two")})
	m.Schedule(UpdateRequest{Layer: model.LayerEmotional, Turns: turnsAt(time.Now(), "three")})
	close(sum.gate)
	m.Wait()

	assert.Equal(t, 2, sum.callCount(), "queued requests collapse into one")
	last := sum.prompts[1].Messages[0].Content
	assert.True(t, strings.HasSuffix(last, "three"), "merged turns end with the latest: %q", last)

	got, err := s.ListLayer(t.Context(), model.LayerEmotional)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestCoalesce_MergesUncoveredTurns(t *testing.T) {
	at := time.Now()
	first := UpdateRequest{Layer: model.LayerHistorical, ConversationID: "c", Turns: turnsAt(at, "a", "b")}

	// A sliding window repeats a and b; only c is added.
	window := turnsAt(at, "a", "b", "c")
	merged := coalesce(&first, UpdateRequest{Layer: model.LayerHistorical, ConversationID: "c", Turns: window})
	require.Len(t, merged.Turns, 3)
	assert.Equal(t, "c", merged.Turns[2].Content)
	assert.Len(t, first.Turns, 2)

	// A delta is appended as is.
	delta := []model.Turn{{Role: "user", Content: "d", At: at.Add(time.Minute)}}
	merged = coalesce(merged, UpdateRequest{Layer: model.LayerHistorical, ConversationID: "c", Turns: delta})
	require.Len(t, merged.Turns, 4)
	assert.Equal(t, "d", merged.Turns[3].Content)
}

func TestSchedule_QueuesPerConversation(t *testing.T) {
	s := newTestStore(t)
	m := newManager(t, s, nil, Config{})
	at := time.Now().Add(-time.Hour)

	// Hold the layer so every request queues up behind it.
	m.layerMu[model.LayerHistorical].Lock()
	m.Schedule(UpdateRequest{Layer: model.LayerHistorical, ConversationID: "A",
		Turns: turnsAt(at, "first window from conversation A")})
	m.Schedule(UpdateRequest{Layer: model.LayerHistorical, ConversationID: "A",
		Turns: turnsAt(at.Add(time.Minute), "second window from conversation A")})
	m.Schedule(UpdateRequest{Layer: model.LayerHistorical, ConversationID: "B",
		Turns: turnsAt(at, "window from conversation B")})
	m.layerMu[model.LayerHistorical].Unlock()
	m.Wait()

	got, err := s.ListLayer(t.Context(), model.LayerHistorical)
	require.NoError(t, err)
	var all strings.Builder
	for _, c := range got {
		all.WriteString(c.Content + "\n")
	}
	assert.Contains(t, all.String(), "first window from conversation A")
	assert.Contains(t, all.String(), "second window from conversation A")
	assert.Contains(t, all.String(), "window from conversation B")
	assert.Len(t, got, 3)
}

func TestRational_AccumulatesAcrossCalls(t *testing.T) {
	s := newTestStore(t)
	sum := &fakeSummarizer{reply: profileText}
	m := newManager(t, s, sum, Config{RationalMinTurns: 4})
	at := time.Now().Add(-time.Hour)

	var skipped []bool
	for i := range 5 {
		exchange := turnsAt(at.Add(time.Duration(i)*time.Minute), fmt.Sprintf("question %d", i), fmt.Sprintf("answer %d", i))
		res, err := m.Run(t.Context(), UpdateRequest{Layer: model.LayerRational, ConversationID: "c1", Turns: exchange})
		require.NoError(t, err)
		skipped = append(skipped, res.Skipped)
	}
	assert.Equal(t, []bool{true, false, true, false, true}, skipped)
	assert.Equal(t, 2, sum.callCount())

	// The summarizer sees the accumulated window, not just the last exchange.
	prompt := sum.prompts[1].Messages[0].Content
	assert.Contains(t, prompt, "question 0")
	assert.Contains(t, prompt, "answer 3")
}

func TestHistorical_SlidingWindowStoresTurnsOnce(t *testing.T) {
	s := newTestStore(t)
	m := newManager(t, s, nil, Config{})
	at := time.Now().Add(-time.Hour)

	w1 := turnsAt(at, "hello there friend", "hi, how can I help?")
	w2 := turnsAt(at, "hello there friend", "hi, how can I help?", "what is the weather", "sunny and warm")

	_, err := m.Run(t.Context(), UpdateRequest{Layer: model.LayerHistorical, ConversationID: "c1", Turns: w1})
	require.NoError(t, err)
	res, err := m.Run(t.Context(), UpdateRequest{Layer: model.LayerHistorical, ConversationID: "c1", Turns: w2})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	res, err = m.Run(t.Context(), UpdateRequest{Layer: model.LayerHistorical, ConversationID: "c1", Turns: w2})
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	got, err := s.ListLayer(t.Context(), model.LayerHistorical)
	require.NoError(t, err)
	require.Len(t, got, 2)
	var all strings.Builder
	for _, c := range got {
		all.WriteString(c.Content + "\n")
	}
	assert.Equal(t, 1, strings.Count(all.String(), "hello there friend"))
	assert.Equal(t, 1, strings.Count(all.String(), "sunny and warm"))
}

func TestInsert_TrimsEmotional(t *testing.T) {
	s := newTestStore(t)
	seedLayer(t, s, model.LayerEmotional, 3, time.Now().Add(-time.Hour))
	m := newManager(t, s, nil, Config{EmotionalWindow: 3})

	deleted, err := m.Insert(t.Context(), model.LayerEmotional, []*model.Chunk{
		{Source: model.SourceImport, Content: "Anxious about the launch.", Layer: model.LayerEmotional},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	got, err := s.ListLayer(t.Context(), model.LayerEmotional)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	deleted, err = m.Insert(t.Context(), model.LayerGeneral, []*model.Chunk{
		{Source: model.SourceImport, Content: "Office hours are 9 to 5.", Layer: model.LayerGeneral},
	})
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestClear_ForgetsConsumedTurns(t *testing.T) {
	s := newTestStore(t)
	m := newManager(t, s, nil, Config{})
	turns := turnsAt(time.Now().Add(-time.Hour), "keep this exchange", "noted")

	_, err := m.Run(t.Context(), UpdateRequest{Layer: model.LayerHistorical, ConversationID: "c1", Turns: turns})
	require.NoError(t, err)

	n, err := m.Clear(t.Context(), model.LayerHistorical)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	res, err := m.Run(t.Context(), UpdateRequest{Layer: model.LayerHistorical, ConversationID: "c1", Turns: turns})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted, "a cleared layer accepts the same turns again")

	n, err = m.ClearAll(t.Context())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestManager_CloseDropsScheduled(t *testing.T) {
	m := NewManager(newTestStore(t), &fakeSummarizer{reply: "x"}, nil, Config{}, nil)
	m.Close()
	m.Schedule(UpdateRequest{Layer: model.LayerEmotional, Turns: turnsAt(time.Now(), "late")})
	m.Wait()
}
