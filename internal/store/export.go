package store

import (
	"context"

	"github.com/rcliao/layered-memory/internal/model"
)

// ExportAll returns all chunks, optionally filtered by layer, oldest first.
func (s *SQLiteStore) ExportAll(ctx context.Context, layer model.Layer) ([]model.Chunk, error) {
	if layer != "" {
		return s.ListLayer(ctx, layer)
	}
	return s.query(ctx, `SELECT `+chunkColumns+` FROM chunks ORDER BY layer, created_at, id`)
}

// Import stores chunks from an export. Chunks whose ID already exists are
// skipped. Embeddings travel with the chunk; unembedded chunks are left for
// backfill.
func (s *SQLiteStore) Import(ctx context.Context, chunks []model.Chunk) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	imported := 0
	for i := range chunks {
		c := &chunks[i]
		if c.ID != "" {
			var exists int
			tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE id = ?`, c.ID).Scan(&exists)
			if exists > 0 {
				continue
			}
		}
		s.prepare(c)
		if err := insertChunk(ctx, tx, c); err != nil {
			return 0, err
		}
		imported++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return imported, nil
}
