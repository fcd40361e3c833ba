package embedding

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/time/rate"

	"github.com/rcliao/layered-memory/internal/model"
)

const DefaultBatchSize = 10

// GatewayConfig configures model resolution, batching and pacing.
type GatewayConfig struct {
	// TextModel embeds text content.
	TextModel string
	// MultimodalModel embeds non-text content (images, scanned documents).
	MultimodalModel string
	// BatchSize caps items per provider request. Default: 10.
	BatchSize int
	// RequestsPerSecond paces provider requests. 0 disables pacing.
	RequestsPerSecond float64
	// QueryCacheSize bounds the number of cached query embeddings. 0 disables the cache.
	QueryCacheSize int64
}

// Gateway wraps a Provider with content-kind model resolution, batching,
// partial-failure handling, request pacing and a query-embedding cache.
type Gateway struct {
	provider Provider
	cfg      GatewayConfig
	limiter  *rate.Limiter
	cache    *ristretto.Cache
	log      *slog.Logger
}

// NewGateway creates a gateway over provider.
func NewGateway(provider Provider, cfg GatewayConfig, log *slog.Logger) (*Gateway, error) {
	if provider == nil {
		return nil, ErrNoProvider
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if log == nil {
		log = slog.Default().With("component", "embedding")
	}

	g := &Gateway{provider: provider, cfg: cfg, log: log}

	if cfg.RequestsPerSecond > 0 {
		burst := max(1, int(cfg.RequestsPerSecond))
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	if cfg.QueryCacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: cfg.QueryCacheSize * 10,
			MaxCost:     cfg.QueryCacheSize,
			BufferItems: 64,
			// Cost is an item count, not bytes.
			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, fmt.Errorf("create query cache: %w", err)
		}
		g.cache = cache
	}

	return g, nil
}

// BatchSize returns the per-request item cap.
func (g *Gateway) BatchSize() int { return g.cfg.BatchSize }

// ResolveModel maps a content kind to the configured embedding model.
func (g *Gateway) ResolveModel(kind model.ContentKind) (string, error) {
	var m string
	switch kind {
	case model.KindImage:
		m = g.cfg.MultimodalModel
	default:
		m = g.cfg.TextModel
	}
	if m == "" {
		return "", fmt.Errorf("%w for %s content", ErrNoModel, kind)
	}
	return m, nil
}

// Embed embeds items with a single provider request and validates the reply.
func (g *Gateway) Embed(ctx context.Context, items []Item, modelName string) ([]Vector, error) {
	if modelName == "" {
		return nil, ErrNoModel
	}
	if len(items) == 0 {
		return nil, nil
	}
	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	vecs, err := g.provider.Embed(ctx, modelName, items)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(items) {
		return nil, fmt.Errorf("%w: got %d vectors for %d items", ErrMalformedResponse, len(vecs), len(items))
	}
	return vecs, nil
}

// EmbedBatched embeds items in sub-batches of BatchSize. A failed batch is
// retried in halves so one item the provider rejects does not hold back the
// rest; items that still fail map to nil vectors instead of aborting, so
// callers make partial progress. Empty vectors in a reply are also returned
// as nil.
func (g *Gateway) EmbedBatched(ctx context.Context, items []Item, modelName string) []Vector {
	out := make([]Vector, len(items))
	failed := 0

	for start := 0; start < len(items); start += g.cfg.BatchSize {
		end := min(start+g.cfg.BatchSize, len(items))
		batch := items[start:end]

		if ctx.Err() != nil {
			failed += len(items) - start
			break
		}

		failed += g.embedSplit(ctx, batch, modelName, out[start:end], start)
	}

	if failed > 0 {
		g.log.WarnContext(ctx, "embedding completed with failures",
			"model", modelName,
			"total", len(items),
			"failed", failed,
			"embedded", len(items)-failed,
		)
	} else {
		g.log.DebugContext(ctx, "embedding completed", "model", modelName, "count", len(items))
	}

	return out
}

// embedSplit embeds batch into out and returns how many items failed.
// Configuration errors and cancellation are not retried.
func (g *Gateway) embedSplit(ctx context.Context, batch []Item, modelName string, out []Vector, offset int) int {
	vecs, err := g.Embed(ctx, batch, modelName)
	if err == nil {
		failed := 0
		for i, v := range vecs {
			if len(v) == 0 {
				failed++
				continue
			}
			out[i] = v
		}
		return failed
	}

	if len(batch) > 1 && !IsConfigError(err) && ctx.Err() == nil {
		g.log.DebugContext(ctx, "embedding batch failed, retrying in halves",
			"model", modelName, "batch_start", offset, "batch_size", len(batch), "error", err)
		mid := len(batch) / 2
		return g.embedSplit(ctx, batch[:mid], modelName, out[:mid], offset) +
			g.embedSplit(ctx, batch[mid:], modelName, out[mid:], offset+mid)
	}

	level := slog.LevelWarn
	if IsConfigError(err) {
		level = slog.LevelError
	}
	g.log.Log(ctx, level, "embedding batch failed",
		"provider", g.provider.Name(),
		"model", modelName,
		"batch_start", offset,
		"batch_size", len(batch),
		"error", err,
	)
	return len(batch)
}

// EmbedQuery embeds a search query, reusing cached embeddings per model.
func (g *Gateway) EmbedQuery(ctx context.Context, text, modelName string) (Vector, error) {
	key := modelName + "\x00" + text
	if g.cache != nil {
		if v, ok := g.cache.Get(key); ok {
			return v.(Vector), nil
		}
	}

	vecs, err := g.Embed(ctx, []Item{TextItem(text)}, modelName)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs[0]) == 0 {
		return nil, fmt.Errorf("embed query: %w: empty vector", ErrMalformedResponse)
	}

	if g.cache != nil {
		g.cache.Set(key, vecs[0], 1)
		g.cache.Wait()
	}
	return vecs[0], nil
}

// Close releases the query cache.
func (g *Gateway) Close() {
	if g.cache != nil {
		g.cache.Close()
	}
}

func (g *Gateway) wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Wait(ctx)
}
