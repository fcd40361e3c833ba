// Package retrieval ranks stored chunks against a query across memory layers.
//
// Vectors are only compared within one embedding model. The query is embedded
// once per model present in the store, each layer contributes its own top-K per
// model, and the merged list is weighted by layer, de-duplicated and truncated.
package retrieval

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rcliao/layered-memory/internal/embedding"
	"github.com/rcliao/layered-memory/internal/model"
	"github.com/rcliao/layered-memory/internal/store"
)

// Reader is the part of the chunk store retrieval needs.
type Reader interface {
	EmbeddingModels(ctx context.Context) ([]string, error)
	ListEmbedded(ctx context.Context, p store.EmbeddedParams) ([]model.Chunk, error)
}

// QueryEmbedder embeds a query with a specific model.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text, modelName string) (embedding.Vector, error)
}

// DefaultWeights ranks curated layers above raw transcript, and transcript
// above general knowledge.
func DefaultWeights() map[model.Layer]float64 {
	return map[model.Layer]float64{
		model.LayerRational:   1.2,
		model.LayerEmotional:  1.1,
		model.LayerHistorical: 1.0,
		model.LayerGeneral:    0.9,
	}
}

type Config struct {
	TopK      int
	PerLayerK int
	// Weights multiplies scores per layer. Nil uses DefaultWeights; a layer
	// missing from a non-nil map gets 1.0.
	Weights map[model.Layer]float64
	// Timeout bounds one Search. Layers that have not finished when it fires
	// are left out of the result.
	Timeout time.Duration
}

// SearchParams overrides Config for a single search. Zero values fall back.
type SearchParams struct {
	Query     string
	TopK      int
	PerLayerK int
	Layers    []model.Layer
}

type Engine struct {
	reader   Reader
	embedder QueryEmbedder
	cfg      Config
	log      *slog.Logger
}

func NewEngine(reader Reader, embedder QueryEmbedder, cfg Config, log *slog.Logger) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = 8
	}
	if cfg.PerLayerK <= 0 {
		cfg.PerLayerK = 5
	}
	if cfg.Weights == nil {
		cfg.Weights = DefaultWeights()
	}
	if log == nil {
		log = slog.Default().With("component", "retrieval")
	}
	return &Engine{reader: reader, embedder: embedder, cfg: cfg, log: log}
}

func (e *Engine) weight(l model.Layer) float64 {
	if w, ok := e.cfg.Weights[l]; ok {
		return w
	}
	return 1.0
}

// Search returns up to TopK results ordered by descending weighted score.
// Configuration errors from the embedder are returned; transient embedding
// failures drop the affected model group. An empty store yields no results.
func (e *Engine) Search(ctx context.Context, p SearchParams) ([]model.RetrievalResult, error) {
	topK := cmp.Or(p.TopK, e.cfg.TopK)
	perLayerK := cmp.Or(p.PerLayerK, e.cfg.PerLayerK)
	layers := p.Layers
	if len(layers) == 0 {
		layers = model.Layers
	}

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	models, err := e.reader.EmbeddingModels(ctx)
	if err != nil && ctx.Err() != nil {
		e.log.WarnContext(ctx, "search timed out before any layer was read", "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list embedding models: %w", err)
	}
	if len(models) == 0 {
		return nil, nil
	}

	queries := make(map[string]embedding.Vector, len(models))
	for _, m := range models {
		vec, err := e.embedder.EmbedQuery(ctx, p.Query, m)
		if err != nil {
			if embedding.IsConfigError(err) {
				return nil, fmt.Errorf("embed query: %w", err)
			}
			e.log.WarnContext(ctx, "query embedding failed", "model", m, "error", err)
			continue
		}
		queries[m] = vec
	}
	if len(queries) == 0 {
		return nil, nil
	}

	var (
		mu      sync.Mutex
		partial []model.RetrievalResult
		done    int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, layer := range layers {
		g.Go(func() error {
			res, err := e.searchLayer(gctx, layer, queries, perLayerK)
			if err != nil {
				// One layer failing must not hide the others.
				e.log.WarnContext(gctx, "layer search failed", "layer", layer, "error", err)
				return nil
			}
			mu.Lock()
			partial = append(partial, res...)
			done++
			mu.Unlock()
			return nil
		})
	}

	waitc := make(chan struct{})
	go func() {
		g.Wait()
		close(waitc)
	}()

	select {
	case <-waitc:
	case <-ctx.Done():
		mu.Lock()
		e.log.WarnContext(ctx, "search timed out, returning partial results",
			"layers_done", done, "layers", len(layers))
		mu.Unlock()
	}

	mu.Lock()
	results := slices.Clone(partial)
	mu.Unlock()

	return Merge(results, topK), nil
}

// searchLayer scores one layer against each model's query vector and keeps
// the top perLayerK of every model group, already weighted.
func (e *Engine) searchLayer(ctx context.Context, layer model.Layer, queries map[string]embedding.Vector, perLayerK int) ([]model.RetrievalResult, error) {
	w := e.weight(layer)
	var out []model.RetrievalResult
	for m, q := range queries {
		chunks, err := e.reader.ListEmbedded(ctx, store.EmbeddedParams{Layer: layer, Model: m})
		if err != nil {
			return nil, err
		}

		scored := make([]model.RetrievalResult, 0, len(chunks))
		for _, c := range chunks {
			if !c.Embedded() || c.EmbeddingModel != m {
				continue
			}
			sim, ok := embedding.CosineSimilarity(q, c.Embedding)
			if !ok {
				continue
			}
			scored = append(scored, model.RetrievalResult{ID: c.ID, Content: c.Content, Score: sim, Layer: c.Layer})
		}
		sortResults(scored)
		if len(scored) > perLayerK {
			scored = scored[:perLayerK]
		}
		for i := range scored {
			scored[i].Score *= w
		}
		out = append(out, scored...)
	}
	return out, nil
}

// Merge sorts results by descending score, keeps the highest-scoring
// occurrence of each id and truncates to topK.
func Merge(results []model.RetrievalResult, topK int) []model.RetrievalResult {
	if topK <= 0 || len(results) == 0 {
		return nil
	}
	sortResults(results)
	seen := make(map[string]bool, len(results))
	out := make([]model.RetrievalResult, 0, min(topK, len(results)))
	for _, r := range results {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
		if len(out) == topK {
			break
		}
	}
	return out
}

func sortResults(rs []model.RetrievalResult) {
	slices.SortFunc(rs, func(a, b model.RetrievalResult) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
