// Package memory is the entry point to the layered memory: it owns the chunk
// store handle and wires chunking, embedding, retrieval, layer policies and
// backfill behind one Service.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rcliao/layered-memory/internal/backfill"
	"github.com/rcliao/layered-memory/internal/chunker"
	"github.com/rcliao/layered-memory/internal/embedding"
	"github.com/rcliao/layered-memory/internal/layers"
	"github.com/rcliao/layered-memory/internal/model"
	"github.com/rcliao/layered-memory/internal/retrieval"
	"github.com/rcliao/layered-memory/internal/store"
	"github.com/rcliao/layered-memory/internal/summarize"
)

// ErrClosed is returned by operations on a closed Service.
var ErrClosed = errors.New("memory service closed")

// Options configures a Service. Zero values take package defaults.
type Options struct {
	Chunking   chunker.Options
	Retrieval  retrieval.Config
	Layers     layers.Config
	PerCallCap int
	// MaxBackground bounds concurrently running background embedding tasks.
	MaxBackground int64
	// BackgroundTimeout bounds one background embedding task.
	BackgroundTimeout time.Duration
}

// IngestParams describes content to store.
type IngestParams struct {
	Text     string
	Source   model.Source
	SourceID string
	Layer    model.Layer
	Kind     model.ContentKind
	// Structured splits on markdown headings and paragraphs first.
	Structured bool
}

type Service struct {
	store    store.Store
	gateway  *embedding.Gateway
	embedder backfill.Embedder // nil when embeddings are disabled
	engine   *retrieval.Engine
	layers   *layers.Manager
	backfill *backfill.Processor
	opts     Options
	log      *slog.Logger

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// New creates a Service over st. gw and sum may be nil, which disables
// embedding and layer synthesis respectively.
func New(st store.Store, gw *embedding.Gateway, sum summarize.Summarizer, opts Options, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default().With("component", "memory")
	}
	if opts.Chunking.MaxSize <= 0 {
		opts.Chunking = chunker.DefaultOptions()
	}
	if opts.MaxBackground <= 0 {
		opts.MaxBackground = 4
	}
	if opts.BackgroundTimeout <= 0 {
		opts.BackgroundTimeout = 2 * time.Minute
	}
	if opts.Layers.Chunking.MaxSize <= 0 {
		opts.Layers.Chunking = opts.Chunking
	}

	var emb backfill.Embedder
	var qe retrieval.QueryEmbedder
	if gw != nil {
		emb = gw
		qe = gw
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:    st,
		gateway:  gw,
		embedder: emb,
		engine:   retrieval.NewEngine(st, qe, opts.Retrieval, log.With("component", "retrieval")),
		layers:   layers.NewManager(st, sum, emb, opts.Layers, log.With("component", "layers")),
		backfill: backfill.NewProcessor(st, emb, opts.PerCallCap, log.With("component", "backfill")),
		opts:     opts,
		log:      log,
		sem:      semaphore.NewWeighted(opts.MaxBackground),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Ingest chunks and stores content, then embeds it in the background.
// Chunks are returned as stored, still unembedded. A model that cannot be
// resolved for the content kind is a hard failure; with embeddings disabled
// the chunks are stored for a later backfill.
func (s *Service) Ingest(ctx context.Context, p IngestParams) ([]model.Chunk, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if p.Layer == "" {
		p.Layer = model.LayerGeneral
	}
	if p.Kind == "" {
		p.Kind = model.KindText
	}
	if !model.ValidLayers[p.Layer] {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidLayer, p.Layer)
	}
	if !model.ValidSources[p.Source] {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidSource, p.Source)
	}

	var intended string
	if s.embedder != nil {
		m, err := s.embedder.ResolveModel(p.Kind)
		if err != nil {
			return nil, fmt.Errorf("resolve model: %w", err)
		}
		intended = m
	}

	var parts []string
	switch p.Kind {
	case model.KindImage:
		if p.Text != "" {
			parts = []string{p.Text}
		}
	default:
		opts := s.opts.Chunking
		opts.Structured = p.Structured
		parts = chunker.Chunk(p.Text, opts)
	}
	if len(parts) == 0 {
		return nil, nil
	}

	chunks := make([]*model.Chunk, len(parts))
	for i, text := range parts {
		chunks[i] = &model.Chunk{
			Source:        p.Source,
			SourceID:      p.SourceID,
			Content:       text,
			Kind:          p.Kind,
			Layer:         p.Layer,
			IntendedModel: intended,
		}
	}
	if _, err := s.layers.Insert(ctx, p.Layer, chunks); err != nil {
		return nil, fmt.Errorf("store chunks: %w", err)
	}

	out := make([]model.Chunk, len(chunks))
	for i, c := range chunks {
		out[i] = *c
	}

	if s.embedder != nil {
		pending := out
		s.goBackground("embed ingested chunks", func(ctx context.Context) {
			n := backfill.EmbedChunks(ctx, s.embedder, s.store, pending, s.log)
			s.log.DebugContext(ctx, "ingest embedded", "chunks", len(pending), "embedded", n)
		})
	} else {
		s.log.WarnContext(ctx, "embeddings disabled, chunks left pending", "chunks", len(out))
	}

	s.log.InfoContext(ctx, "ingested", "layer", p.Layer, "source", p.Source, "source_id", p.SourceID, "chunks", len(out))
	return out, nil
}

// Search returns up to topK results ranked across all layers. topK <= 0 uses
// the configured default.
func (s *Service) Search(ctx context.Context, query string, topK int) ([]model.RetrievalResult, error) {
	return s.SearchLayers(ctx, retrieval.SearchParams{Query: query, TopK: topK})
}

// SearchLayers is Search with per-call overrides.
func (s *Service) SearchLayers(ctx context.Context, p retrieval.SearchParams) ([]model.RetrievalResult, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if s.gateway == nil {
		return nil, embedding.ErrNoProvider
	}
	return s.engine.Search(ctx, p)
}

// RunLayerUpdate applies one layer policy and waits for it.
func (s *Service) RunLayerUpdate(ctx context.Context, req layers.UpdateRequest) (layers.UpdateResult, error) {
	if s.isClosed() {
		return layers.UpdateResult{}, ErrClosed
	}
	return s.layers.Run(ctx, req)
}

// ScheduleLayerUpdate queues a layer update and returns immediately.
func (s *Service) ScheduleLayerUpdate(req layers.UpdateRequest) {
	s.layers.Schedule(req)
}

// ScheduleTurnUpdates queues the emotional, rational and historical updates
// that follow a conversation turn. turns is the recent window of the
// conversation; each layer skips the turns it has already consumed, so the
// window may overlap earlier calls or carry only the latest exchange.
func (s *Service) ScheduleTurnUpdates(conversationID string, turns []model.Turn) {
	for _, l := range []model.Layer{model.LayerEmotional, model.LayerRational, model.LayerHistorical} {
		s.layers.Schedule(layers.UpdateRequest{Layer: l, ConversationID: conversationID, Turns: turns})
	}
}

// RunBackfill embeds one batch of pending chunks and returns how many were embedded.
func (s *Service) RunBackfill(ctx context.Context) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	return s.backfill.Run(ctx)
}

// Backfill returns the processor, for periodic runners.
func (s *Service) Backfill() *backfill.Processor {
	return s.backfill
}

// ClearLayer deletes every chunk of a layer.
func (s *Service) ClearLayer(ctx context.Context, layer model.Layer) (int64, error) {
	if !model.ValidLayers[layer] {
		return 0, fmt.Errorf("%w: %q", model.ErrInvalidLayer, layer)
	}
	return s.layers.Clear(ctx, layer)
}

// ClearAll deletes every chunk.
func (s *Service) ClearAll(ctx context.Context) (int64, error) {
	return s.layers.ClearAll(ctx)
}

// Wait blocks until background embedding and scheduled layer updates finish.
func (s *Service) Wait() {
	s.wg.Wait()
	s.layers.Wait()
}

// Close stops background work and closes the store and gateway.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.layers.Close()
	if s.gateway != nil {
		s.gateway.Close()
	}
	return s.store.Close()
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// goBackground runs fn on its own goroutine, at most MaxBackground at a time.
func (s *Service) goBackground(name string, fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			s.log.Debug("background task dropped", "task", name, "error", err)
			return
		}
		defer s.sem.Release(1)

		ctx, cancel := context.WithTimeout(s.ctx, s.opts.BackgroundTimeout)
		defer cancel()
		fn(ctx)
	}()
}
