// Package layers applies the mutation policy of each memory layer.
//
//	emotional   rolling window of mood snapshots, trimmed to the most recent N
//	rational    one synthesized profile, fully replaced on every update
//	historical  formatted conversation windows, append-only
//	general     uploads and manual saves, never mutated by policy
//
// Mutations of one layer are serialized. Background updates are queued per
// layer and conversation, and coalesced while a previous update of the same
// conversation is still running.
package layers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rcliao/layered-memory/internal/backfill"
	"github.com/rcliao/layered-memory/internal/chunker"
	"github.com/rcliao/layered-memory/internal/model"
	"github.com/rcliao/layered-memory/internal/summarize"
)

var ErrNoPolicy = errors.New("layer has no update policy")

// Store is the part of the chunk store the manager mutates.
type Store interface {
	Insert(ctx context.Context, c *model.Chunk) error
	InsertBatch(ctx context.Context, chunks []*model.Chunk) error
	ListLayer(ctx context.Context, layer model.Layer) ([]model.Chunk, error)
	UpdateEmbedding(ctx context.Context, id, modelName string, vec []float32) error
	TrimLayer(ctx context.Context, layer model.Layer, keep int) (int64, error)
	ReplaceLayer(ctx context.Context, layer model.Layer, chunks []*model.Chunk) (int64, error)
	DeleteLayer(ctx context.Context, layer model.Layer) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
}

type Config struct {
	// EmotionalWindow is how many snapshots the emotional layer keeps.
	EmotionalWindow int
	// RationalMinTurns is how many new turns must accumulate before the
	// profile is rebuilt.
	RationalMinTurns int
	// RecentTurns caps how much conversation is fed to the summarizer.
	RecentTurns int
	// UpdateTimeout bounds one background update.
	UpdateTimeout time.Duration
	Chunking      chunker.Options
}

func (c Config) withDefaults() Config {
	if c.EmotionalWindow <= 0 {
		c.EmotionalWindow = 10
	}
	if c.RationalMinTurns <= 0 {
		c.RationalMinTurns = 4
	}
	if c.RecentTurns <= 0 {
		c.RecentTurns = 20
	}
	if c.UpdateTimeout <= 0 {
		c.UpdateTimeout = time.Minute
	}
	if c.Chunking.MaxSize <= 0 {
		c.Chunking = chunker.DefaultOptions()
	}
	return c
}

// UpdateRequest asks for one policy cycle of a layer.
type UpdateRequest struct {
	Layer model.Layer
	// ConversationID is recorded as the source id of produced chunks.
	ConversationID string
	Turns          []model.Turn
}

// UpdateResult reports what a cycle did. A skipped cycle left the layer as it was.
type UpdateResult struct {
	Layer    model.Layer `json:"layer"`
	Skipped  bool        `json:"skipped,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	Inserted int         `json:"inserted"`
	Deleted  int64       `json:"deleted"`
	Embedded int         `json:"embedded"`
}

// queue holds the request merged while an update of the same layer and
// conversation is running.
type queue struct {
	pending *UpdateRequest
}

type Manager struct {
	store      Store
	summarizer summarize.Summarizer
	embedder   backfill.Embedder
	cfg        Config
	log        *slog.Logger

	layerMu map[model.Layer]*sync.Mutex

	mu     sync.Mutex
	queues map[convKey]*queue
	convs  map[convKey]*convState
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a Manager. summarizer and embedder may be nil: without
// a summarizer the emotional and rational layers are skipped, without an
// embedder new chunks are left for backfill.
func NewManager(st Store, summarizer summarize.Summarizer, embedder backfill.Embedder, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default().With("component", "layers")
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:      st,
		summarizer: summarizer,
		embedder:   embedder,
		cfg:        cfg.withDefaults(),
		log:        log,
		layerMu:    make(map[model.Layer]*sync.Mutex, len(model.Layers)),
		queues:     make(map[convKey]*queue),
		convs:      make(map[convKey]*convState),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, l := range model.Layers {
		m.layerMu[l] = &sync.Mutex{}
	}
	return m
}

func (m *Manager) lock(layer model.Layer) (func(), error) {
	mu, ok := m.layerMu[layer]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidLayer, layer)
	}
	mu.Lock()
	return mu.Unlock, nil
}

// Run applies the policy of req.Layer once and waits for it. Summarization
// failures skip the cycle and are reported in the result, not as errors;
// store failures are returned.
//
// Turns are the recent window of the conversation. Each layer remembers
// which turns it has consumed per conversation, so overlapping windows and
// one-turn deltas both work.
func (m *Manager) Run(ctx context.Context, req UpdateRequest) (UpdateResult, error) {
	unlock, err := m.lock(req.Layer)
	if err != nil {
		return UpdateResult{}, err
	}
	defer unlock()

	switch req.Layer {
	case model.LayerEmotional:
		return m.updateEmotional(ctx, req)
	case model.LayerRational:
		return m.updateRational(ctx, req)
	case model.LayerHistorical:
		return m.appendHistorical(ctx, req)
	default:
		return UpdateResult{Layer: req.Layer}, fmt.Errorf("%w: %s", ErrNoPolicy, req.Layer)
	}
}

// Insert stores chunks into layer while holding the layer's mutation lock.
// The emotional layer is trimmed back to its window afterwards.
func (m *Manager) Insert(ctx context.Context, layer model.Layer, chunks []*model.Chunk) (int64, error) {
	unlock, err := m.lock(layer)
	if err != nil {
		return 0, err
	}
	defer unlock()

	if err := m.store.InsertBatch(ctx, chunks); err != nil {
		return 0, err
	}
	if layer != model.LayerEmotional {
		return 0, nil
	}
	deleted, err := m.store.TrimLayer(ctx, layer, m.cfg.EmotionalWindow)
	if err != nil {
		return 0, fmt.Errorf("trim emotional layer: %w", err)
	}
	return deleted, nil
}

// Clear deletes every chunk of layer and forgets which turns it consumed.
func (m *Manager) Clear(ctx context.Context, layer model.Layer) (int64, error) {
	unlock, err := m.lock(layer)
	if err != nil {
		return 0, err
	}
	defer unlock()

	n, err := m.store.DeleteLayer(ctx, layer)
	if err != nil {
		return 0, err
	}
	m.forget(layer)
	return n, nil
}

// ClearAll deletes every chunk of every layer.
func (m *Manager) ClearAll(ctx context.Context) (int64, error) {
	for _, l := range model.Layers {
		mu := m.layerMu[l]
		mu.Lock()
		defer mu.Unlock()
	}

	n, err := m.store.DeleteAll(ctx)
	if err != nil {
		return 0, err
	}
	for _, l := range model.Layers {
		m.forget(l)
	}
	return n, nil
}

// Schedule queues req for background execution and returns immediately.
// Requests are queued per layer and conversation: while one is running,
// later requests for the same conversation are merged into a single pending
// one. Mutations of a layer still run one at a time.
func (m *Manager) Schedule(req UpdateRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.layerMu[req.Layer]; !ok || m.closed {
		return
	}
	if req.Layer == model.LayerGeneral {
		m.log.Debug("no background policy for layer", "layer", req.Layer)
		return
	}
	key := convKey{layer: req.Layer, conversationID: req.ConversationID}
	if q, ok := m.queues[key]; ok {
		q.pending = coalesce(q.pending, req)
		return
	}
	m.queues[key] = &queue{}
	m.wg.Add(1)
	go m.drain(key, req)
}

// coalesce merges a new request of the same layer and conversation into the
// pending one, keeping every turn not already covered.
func coalesce(pending *UpdateRequest, next UpdateRequest) *UpdateRequest {
	if pending == nil {
		return &next
	}
	merged := *pending
	merged.Turns = mergeTurns(pending.Turns, next.Turns)
	return &merged
}

func (m *Manager) drain(key convKey, req UpdateRequest) {
	defer m.wg.Done()
	for {
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.UpdateTimeout)
		res, err := m.Run(ctx, req)
		cancel()
		switch {
		case err != nil:
			m.log.Warn("layer update failed", "layer", req.Layer, "conversation", req.ConversationID, "error", err)
		case res.Skipped:
			m.log.Info("layer update skipped", "layer", req.Layer, "conversation", req.ConversationID, "reason", res.Reason)
		default:
			m.log.Debug("layer updated", "layer", req.Layer, "conversation", req.ConversationID,
				"inserted", res.Inserted, "deleted", res.Deleted, "embedded", res.Embedded)
		}

		m.mu.Lock()
		q := m.queues[key]
		if q.pending == nil || m.closed {
			delete(m.queues, key)
			m.mu.Unlock()
			return
		}
		req = *q.pending
		q.pending = nil
		m.mu.Unlock()
	}
}

// Wait blocks until all scheduled updates have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close drops pending updates, cancels running ones and waits for them.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) updateEmotional(ctx context.Context, req UpdateRequest) (UpdateResult, error) {
	res := UpdateResult{Layer: model.LayerEmotional}
	st, err := m.state(ctx, convKey{model.LayerEmotional, req.ConversationID})
	if err != nil {
		return res, fmt.Errorf("read emotional layer: %w", err)
	}
	fresh := st.newTurns(req.Turns)
	if len(fresh) == 0 {
		return skip(res, "no new turns"), nil
	}
	if m.summarizer == nil {
		return skip(res, "no summarizer"), nil
	}
	st.record(fresh, m.cfg.RecentTurns)
	turns := recent(st.snapshot(), min(m.cfg.RecentTurns, emotionalContextTurns))

	snapshot, err := m.summarizer.Summarize(ctx, summarize.Request{
		System:   emotionalPrompt,
		Messages: []summarize.Message{{Role: "user", Content: FormatTurns(turns)}},
	})
	if err != nil {
		m.log.WarnContext(ctx, "emotional snapshot failed", "error", err)
		return skip(res, "summarize: "+err.Error()), nil
	}

	c := m.newChunk(model.LayerEmotional, req.ConversationID, snapshot)
	if err := m.store.Insert(ctx, c); err != nil {
		return res, fmt.Errorf("insert snapshot: %w", err)
	}
	res.Inserted = 1
	res.Embedded = m.embed(ctx, []*model.Chunk{c})

	deleted, err := m.store.TrimLayer(ctx, model.LayerEmotional, m.cfg.EmotionalWindow)
	if err != nil {
		return res, fmt.Errorf("trim emotional layer: %w", err)
	}
	res.Deleted = deleted
	return res, nil
}

func (m *Manager) updateRational(ctx context.Context, req UpdateRequest) (UpdateResult, error) {
	res := UpdateResult{Layer: model.LayerRational}

	st, err := m.state(ctx, convKey{model.LayerRational, req.ConversationID})
	if err != nil {
		return res, fmt.Errorf("read rational layer: %w", err)
	}
	st.record(st.newTurns(req.Turns), m.cfg.RecentTurns)
	if st.fresh < m.cfg.RationalMinTurns {
		return skip(res, fmt.Sprintf("%d new turns, need %d", st.fresh, m.cfg.RationalMinTurns)), nil
	}
	if m.summarizer == nil {
		return skip(res, "no summarizer"), nil
	}

	current, err := m.store.ListLayer(ctx, model.LayerRational)
	if err != nil {
		return res, fmt.Errorf("read rational layer: %w", err)
	}
	var profile strings.Builder
	for i, c := range current {
		if i > 0 {
			profile.WriteString("\n\n")
		}
		profile.WriteString(c.Content)
	}
	prompt := fmt.Sprintf("Current profile:\n%s\n\nRecent conversation:\n%s",
		orNone(profile.String()), FormatTurns(st.snapshot()))

	text, err := m.summarizer.Summarize(ctx, summarize.Request{
		System:   rationalPrompt,
		Messages: []summarize.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		m.log.WarnContext(ctx, "profile synthesis failed", "error", err)
		return skip(res, "summarize: "+err.Error()), nil
	}

	opts := m.cfg.Chunking
	opts.Structured = true
	parts := chunker.Chunk(text, opts)
	if len(parts) == 0 {
		return skip(res, "empty profile"), nil
	}

	chunks := make([]*model.Chunk, len(parts))
	for i, p := range parts {
		chunks[i] = m.newChunk(model.LayerRational, req.ConversationID, p)
	}
	deleted, err := m.store.ReplaceLayer(ctx, model.LayerRational, chunks)
	if err != nil {
		return res, fmt.Errorf("replace rational layer: %w", err)
	}
	st.fresh = 0
	res.Inserted = len(chunks)
	res.Deleted = deleted
	res.Embedded = m.embed(ctx, chunks)
	return res, nil
}

func (m *Manager) appendHistorical(ctx context.Context, req UpdateRequest) (UpdateResult, error) {
	res := UpdateResult{Layer: model.LayerHistorical}
	st, err := m.state(ctx, convKey{model.LayerHistorical, req.ConversationID})
	if err != nil {
		return res, fmt.Errorf("read historical layer: %w", err)
	}
	fresh := st.newTurns(req.Turns)
	if len(fresh) == 0 {
		return skip(res, "no new turns"), nil
	}

	opts := m.cfg.Chunking
	opts.Structured = false
	parts := chunker.Chunk(FormatTurns(fresh), opts)
	if len(parts) == 0 {
		return skip(res, "nothing to store"), nil
	}

	chunks := make([]*model.Chunk, len(parts))
	for i, p := range parts {
		chunks[i] = m.newChunk(model.LayerHistorical, req.ConversationID, p)
	}
	if err := m.store.InsertBatch(ctx, chunks); err != nil {
		return res, fmt.Errorf("append historical: %w", err)
	}
	st.record(fresh, m.cfg.RecentTurns)
	res.Inserted = len(chunks)
	res.Embedded = m.embed(ctx, chunks)
	return res, nil
}

func (m *Manager) newChunk(layer model.Layer, sourceID, content string) *model.Chunk {
	c := &model.Chunk{
		Source:   model.SourceConversation,
		SourceID: sourceID,
		Content:  content,
		Kind:     model.KindText,
		Layer:    layer,
	}
	if m.embedder != nil {
		if name, err := m.embedder.ResolveModel(model.KindText); err == nil {
			c.IntendedModel = name
		}
	}
	return c
}

// embed is best-effort: chunks it cannot embed stay pending for backfill.
func (m *Manager) embed(ctx context.Context, chunks []*model.Chunk) int {
	if m.embedder == nil {
		return 0
	}
	vals := make([]model.Chunk, len(chunks))
	for i, c := range chunks {
		vals[i] = *c
	}
	return backfill.EmbedChunks(ctx, m.embedder, m.store, vals, m.log)
}

func skip(res UpdateResult, reason string) UpdateResult {
	res.Skipped = true
	res.Reason = reason
	return res
}

func recent(turns []model.Turn, n int) []model.Turn {
	if n > 0 && len(turns) > n {
		return turns[len(turns)-n:]
	}
	return turns
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none yet)"
	}
	return s
}
