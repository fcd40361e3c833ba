package store

import (
	"context"
	"os"
)

// Stats holds database statistics.
type Stats struct {
	DBPath      string       `json:"db_path"`
	DBSizeBytes int64        `json:"db_size_bytes"`
	TotalChunks int          `json:"total_chunks"`
	Embedded    int          `json:"embedded"`
	Pending     int          `json:"pending"`
	Layers      []LayerStats `json:"layers"`
	Models      []ModelStats `json:"models"`
}

// LayerStats holds per-layer counts.
type LayerStats struct {
	Layer    string `json:"layer"`
	Count    int    `json:"count"`
	Embedded int    `json:"embedded"`
}

// ModelStats holds per-embedding-model counts.
type ModelStats struct {
	Model string `json:"model"`
	Count int    `json:"count"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context, dbPath string) (*Stats, error) {
	st := &Stats{DBPath: dbPath}

	// DB file size
	if info, err := os.Stat(dbPath); err == nil {
		st.DBSizeBytes = info.Size()
	}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&st.TotalChunks)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE embedding IS NOT NULL`).Scan(&st.Embedded)
	st.Pending = st.TotalChunks - st.Embedded

	rows, err := s.db.QueryContext(ctx, `
		SELECT layer, COUNT(*) AS cnt, COUNT(embedding) AS embedded
		FROM chunks GROUP BY layer ORDER BY cnt DESC`)
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var l LayerStats
		rows.Scan(&l.Layer, &l.Count, &l.Embedded)
		st.Layers = append(st.Layers, l)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT embedding_model, COUNT(*) AS cnt
		FROM chunks WHERE embedding_model IS NOT NULL
		GROUP BY embedding_model ORDER BY cnt DESC`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var m ModelStats
		rows.Scan(&m.Model, &m.Count)
		st.Models = append(st.Models, m)
	}

	return st, rows.Err()
}
