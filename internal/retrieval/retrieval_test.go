package retrieval

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/layered-memory/internal/embedding"
	"github.com/rcliao/layered-memory/internal/model"
	"github.com/rcliao/layered-memory/internal/store"
)

var unitWeights = map[model.Layer]float64{
	model.LayerEmotional:  1.0,
	model.LayerRational:   1.0,
	model.LayerHistorical: 1.0,
	model.LayerGeneral:    1.0,
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeEmbedder returns a fixed vector per model.
type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string]embedding.Vector
	errs    map[string]error
	calls   []string
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text, modelName string) (embedding.Vector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, modelName)
	if err := f.errs[modelName]; err != nil {
		return nil, err
	}
	return f.vectors[modelName], nil
}

func seed(t *testing.T, s *store.SQLiteStore, layer model.Layer, content, modelName string, vec []float32) *model.Chunk {
	t.Helper()
	c := &model.Chunk{Source: model.SourceConversation, Content: content, Layer: layer}
	require.NoError(t, s.Insert(context.Background(), c))
	if vec != nil {
		require.NoError(t, s.UpdateEmbedding(context.Background(), c.ID, modelName, vec))
	}
	return c
}

func TestSearch_SingleModelScenario(t *testing.T) {
	s := newTestStore(t)
	first := seed(t, s, model.LayerHistorical, "first", "A", []float32{1, 0})
	second := seed(t, s, model.LayerHistorical, "second", "A", []float32{0, 1})

	emb := &fakeEmbedder{vectors: map[string]embedding.Vector{"A": {1, 0}}}
	e := NewEngine(s, emb, Config{TopK: 5, Weights: unitWeights}, nil)

	res, err := e.Search(t.Context(), SearchParams{Query: "q"})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, first.ID, res[0].ID)
	assert.InDelta(t, 1.0, res[0].Score, 1e-9)
	assert.Equal(t, second.ID, res[1].ID)
	assert.InDelta(t, 0.0, res[1].Score, 1e-9)
	assert.Equal(t, []string{"A"}, emb.calls, "query embedded once per model")
}

func TestSearch_EmptyStore(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, model.LayerGeneral, "pending only", "", nil)

	e := NewEngine(s, &fakeEmbedder{}, Config{}, nil)
	res, err := e.Search(t.Context(), SearchParams{Query: "anything"})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestSearch_NeverReturnsUnembedded(t *testing.T) {
	s := newTestStore(t)
	embedded := seed(t, s, model.LayerGeneral, "embedded", "A", []float32{1, 1})
	seed(t, s, model.LayerGeneral, "pending", "", nil)

	e := NewEngine(s, &fakeEmbedder{vectors: map[string]embedding.Vector{"A": {1, 1}}}, Config{}, nil)
	res, err := e.Search(t.Context(), SearchParams{Query: "q"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, embedded.ID, res[0].ID)
}

func TestSearch_WeightsAndOrdering(t *testing.T) {
	s := newTestStore(t)
	for _, l := range model.Layers {
		for i := 0; i < 4; i++ {
			seed(t, s, l, fmt.Sprintf("%s %d", l, i), "A", []float32{1, float32(i) * 0.3})
		}
	}

	weights := map[model.Layer]float64{
		model.LayerRational: 1.2, model.LayerEmotional: 1.1,
		model.LayerHistorical: 1.0, model.LayerGeneral: 0.9,
	}
	e := NewEngine(s, &fakeEmbedder{vectors: map[string]embedding.Vector{"A": {1, 0}}}, Config{Weights: weights, PerLayerK: 2}, nil)

	res, err := e.Search(t.Context(), SearchParams{Query: "q", TopK: 5})
	require.NoError(t, err)
	require.Len(t, res, 5)
	for i := 1; i < len(res); i++ {
		assert.GreaterOrEqual(t, res[i-1].Score, res[i].Score)
	}
	assert.Equal(t, model.LayerRational, res[0].Layer)
	assert.InDelta(t, 1.2, res[0].Score, 1e-9)

	perLayer := map[model.Layer]int{}
	for _, r := range res {
		perLayer[r.Layer]++
	}
	for l, n := range perLayer {
		assert.LessOrEqual(t, n, 2, "layer %s exceeded perLayerK", l)
	}
}

func TestSearch_ModelsNeverMixed(t *testing.T) {
	s := newTestStore(t)
	a := seed(t, s, model.LayerGeneral, "under A", "A", []float32{1, 0})
	b := seed(t, s, model.LayerGeneral, "under B", "B", []float32{0, 0, 1})

	emb := &fakeEmbedder{vectors: map[string]embedding.Vector{
		"A": {0, 1},    // orthogonal to a
		"B": {0, 0, 1}, // identical to b
	}}
	e := NewEngine(s, emb, Config{Weights: unitWeights}, nil)

	res, err := e.Search(t.Context(), SearchParams{Query: "q"})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, b.ID, res[0].ID)
	assert.InDelta(t, 1.0, res[0].Score, 1e-9)
	assert.Equal(t, a.ID, res[1].ID)
	assert.ElementsMatch(t, []string{"A", "B"}, emb.calls)
}

func TestSearch_ZeroNormSkipped(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, model.LayerGeneral, "zero", "A", []float32{0, 0})
	ok := seed(t, s, model.LayerGeneral, "fine", "A", []float32{1, 0})

	e := NewEngine(s, &fakeEmbedder{vectors: map[string]embedding.Vector{"A": {1, 0}}}, Config{}, nil)
	res, err := e.Search(t.Context(), SearchParams{Query: "q"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, ok.ID, res[0].ID)
}

func TestSearch_Errors(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, model.LayerGeneral, "a", "A", []float32{1, 0})
	seed(t, s, model.LayerGeneral, "b", "B", []float32{1, 0})

	t.Run("config error surfaces", func(t *testing.T) {
		emb := &fakeEmbedder{errs: map[string]error{"A": embedding.ErrMissingCredentials}}
		e := NewEngine(s, emb, Config{}, nil)
		_, err := e.Search(t.Context(), SearchParams{Query: "q"})
		assert.ErrorIs(t, err, embedding.ErrMissingCredentials)
	})

	t.Run("transient error drops the model group", func(t *testing.T) {
		emb := &fakeEmbedder{
			vectors: map[string]embedding.Vector{"B": {1, 0}},
			errs:    map[string]error{"A": errors.New("timeout")},
		}
		e := NewEngine(s, emb, Config{}, nil)
		res, err := e.Search(t.Context(), SearchParams{Query: "q"})
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, "b", res[0].Content)
	})
}

// slowReader blocks ListEmbedded for one layer until the context ends.
type slowReader struct {
	Reader
	slow model.Layer
}

func (r slowReader) ListEmbedded(ctx context.Context, p store.EmbeddedParams) ([]model.Chunk, error) {
	if p.Layer == r.slow {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return r.Reader.ListEmbedded(ctx, p)
}

func TestSearch_TimeoutReturnsPartial(t *testing.T) {
	s := newTestStore(t)
	hist := seed(t, s, model.LayerHistorical, "history", "A", []float32{1, 0})
	seed(t, s, model.LayerEmotional, "mood", "A", []float32{1, 0})

	e := NewEngine(slowReader{Reader: s, slow: model.LayerEmotional},
		&fakeEmbedder{vectors: map[string]embedding.Vector{"A": {1, 0}}},
		Config{Timeout: 200 * time.Millisecond}, nil)

	start := time.Now()
	res, err := e.Search(t.Context(), SearchParams{Query: "q"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, res, 1)
	assert.Equal(t, hist.ID, res[0].ID)
}

// stuckModelsReader blocks EmbeddingModels until the context ends.
type stuckModelsReader struct {
	Reader
}

func (stuckModelsReader) EmbeddingModels(ctx context.Context) ([]string, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSearch_TimeoutWhileListingModels(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, model.LayerHistorical, "history", "A", []float32{1, 0})

	e := NewEngine(stuckModelsReader{Reader: s},
		&fakeEmbedder{vectors: map[string]embedding.Vector{"A": {1, 0}}},
		Config{Timeout: 50 * time.Millisecond}, nil)

	res, err := e.Search(t.Context(), SearchParams{Query: "q"})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestMerge(t *testing.T) {
	in := []model.RetrievalResult{
		{ID: "a", Score: 0.5, Layer: model.LayerGeneral},
		{ID: "b", Score: 0.9, Layer: model.LayerRational},
		{ID: "a", Score: 0.7, Layer: model.LayerGeneral},
		{ID: "c", Score: 0.1},
	}
	out := Merge(in, 2)
	require.Len(t, out, 2)
	assert.Equal(t, "b", out[0].ID)
	assert.Equal(t, "a", out[1].ID)
	assert.Equal(t, 0.7, out[1].Score, "keeps highest-scoring occurrence")

	assert.Nil(t, Merge(in, 0))
	assert.Nil(t, Merge(nil, 3))
}
