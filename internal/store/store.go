// Package store provides the chunk storage interface and SQLite implementation.
package store

import (
	"context"
	"errors"

	"github.com/rcliao/layered-memory/internal/model"
)

var (
	ErrNotFound        = errors.New("chunk not found")
	ErrAlreadyEmbedded = errors.New("chunk already embedded")
	ErrEmptyEmbedding  = errors.New("embedding is empty")
	ErrEmptyReplace    = errors.New("replacement set is empty")
)

// EmbeddedParams filters ListEmbedded.
type EmbeddedParams struct {
	Layer model.Layer
	Model string // empty means any model
}

// Store defines the chunk storage interface. Chunks are immutable except for
// the one-time embedding write; removal happens only per layer or in bulk.
type Store interface {
	// Insert stores a chunk, assigning ID and CreatedAt when empty.
	Insert(ctx context.Context, c *model.Chunk) error

	// InsertBatch stores chunks in one transaction.
	InsertBatch(ctx context.Context, chunks []*model.Chunk) error

	// Get returns a chunk by ID.
	Get(ctx context.Context, id string) (*model.Chunk, error)

	// ListLayer returns every chunk of a layer, oldest first.
	ListLayer(ctx context.Context, layer model.Layer) ([]model.Chunk, error)

	// ListEmbedded returns embedded chunks of a layer, optionally of one model.
	ListEmbedded(ctx context.Context, p EmbeddedParams) ([]model.Chunk, error)

	// EmbeddingModels lists the distinct models among embedded chunks.
	EmbeddingModels(ctx context.Context) ([]string, error)

	// ListUnembedded returns up to limit chunks lacking an embedding, oldest first.
	ListUnembedded(ctx context.Context, limit int) ([]model.Chunk, error)

	// UpdateEmbedding sets the embedding of an unembedded chunk.
	UpdateEmbedding(ctx context.Context, id, modelName string, vec []float32) error

	// TrimLayer keeps the keep most recent chunks of a layer and deletes the rest.
	TrimLayer(ctx context.Context, layer model.Layer, keep int) (int64, error)

	// ReplaceLayer atomically swaps the contents of a layer for chunks.
	ReplaceLayer(ctx context.Context, layer model.Layer, chunks []*model.Chunk) (int64, error)

	// DeleteLayer removes every chunk of a layer.
	DeleteLayer(ctx context.Context, layer model.Layer) (int64, error)

	// DeleteAll removes every chunk.
	DeleteAll(ctx context.Context) (int64, error)

	// Close closes the store.
	Close() error
}
