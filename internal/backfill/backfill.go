// Package backfill computes embeddings for chunks stored without one.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/rcliao/layered-memory/internal/embedding"
	"github.com/rcliao/layered-memory/internal/model"
	"github.com/rcliao/layered-memory/internal/store"
)

// DefaultPerCallCap bounds how many pending chunks one Run processes.
const DefaultPerCallCap = 50

// Embedder resolves models and embeds items in provider-sized batches.
// Failed positions come back as nil vectors.
type Embedder interface {
	ResolveModel(kind model.ContentKind) (string, error)
	EmbedBatched(ctx context.Context, items []embedding.Item, modelName string) []embedding.Vector
}

// Writer persists a computed embedding.
type Writer interface {
	UpdateEmbedding(ctx context.Context, id, modelName string, vec []float32) error
}

// Store is what the Processor needs from the chunk store.
type Store interface {
	Writer
	ListUnembedded(ctx context.Context, limit int) ([]model.Chunk, error)
}

// EmbedChunks embeds chunks grouped by their intended model, falling back to
// the model resolved for their kind, and writes each vector back on its own.
// Failures leave the chunk unembedded. It returns the number written.
func EmbedChunks(ctx context.Context, emb Embedder, w Writer, chunks []model.Chunk, log *slog.Logger) int {
	if emb == nil || len(chunks) == 0 {
		return 0
	}
	if log == nil {
		log = slog.Default().With("component", "backfill")
	}

	groups := make(map[string][]model.Chunk)
	for _, c := range chunks {
		if c.Embedded() {
			continue
		}
		m := c.IntendedModel
		if m == "" {
			resolved, err := emb.ResolveModel(c.Kind)
			if err != nil {
				log.WarnContext(ctx, "no model for chunk", "id", c.ID, "kind", c.Kind, "error", err)
				continue
			}
			m = resolved
		}
		groups[m] = append(groups[m], c)
	}

	models := make([]string, 0, len(groups))
	for m := range groups {
		models = append(models, m)
	}
	slices.Sort(models)

	written := 0
	for _, m := range models {
		group := groups[m]
		items := make([]embedding.Item, len(group))
		for i, c := range group {
			items[i] = embedding.Item{Kind: c.Kind, Payload: c.Content}
		}

		vecs := emb.EmbedBatched(ctx, items, m)
		for i, vec := range vecs {
			if len(vec) == 0 || i >= len(group) {
				continue
			}
			err := w.UpdateEmbedding(ctx, group[i].ID, m, vec)
			switch {
			case err == nil:
				written++
			case errors.Is(err, store.ErrAlreadyEmbedded), errors.Is(err, store.ErrNotFound):
				// Embedded by another worker, or evicted by a layer policy meanwhile.
				log.DebugContext(ctx, "skip write-back", "id", group[i].ID, "reason", err)
			default:
				log.WarnContext(ctx, "write embedding failed", "id", group[i].ID, "error", err)
			}
		}
	}
	return written
}

// Processor embeds the oldest pending chunks, up to a per-call cap.
type Processor struct {
	store      Store
	embedder   Embedder
	perCallCap int
	log        *slog.Logger
}

func NewProcessor(st Store, emb Embedder, perCallCap int, log *slog.Logger) *Processor {
	if perCallCap <= 0 {
		perCallCap = DefaultPerCallCap
	}
	if log == nil {
		log = slog.Default().With("component", "backfill")
	}
	return &Processor{store: st, embedder: emb, perCallCap: perCallCap, log: log}
}

// Run processes one batch of pending chunks and returns how many were
// embedded. Already-embedded chunks are never selected, so repeated calls
// only make progress on what is still pending.
func (p *Processor) Run(ctx context.Context) (int, error) {
	if p.embedder == nil {
		return 0, embedding.ErrNoProvider
	}

	pending, err := p.store.ListUnembedded(ctx, p.perCallCap)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	n := EmbedChunks(ctx, p.embedder, p.store, pending, p.log)
	p.log.InfoContext(ctx, "backfill cycle", "pending", len(pending), "embedded", n)
	return n, nil
}

// Runner invokes a Processor periodically.
type Runner struct {
	proc     *Processor
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
}

func NewRunner(proc *Processor, interval, timeout time.Duration) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	if timeout <= 0 {
		timeout = interval
	}
	return &Runner{proc: proc, interval: interval, timeout: timeout, log: proc.log}
}

// Run performs a cycle immediately and then once per interval until ctx is
// done. Each cycle gets its own timeout so a stuck provider cannot starve
// later cycles.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.cycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) cycle(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.proc.Run(cctx); err != nil && ctx.Err() == nil {
		r.log.WarnContext(ctx, "backfill cycle failed", "error", err)
	}
}
