package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/rcliao/layered-memory/internal/model"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection serializes writers; layer swaps rely on it.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:      db,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) newID(t time.Time) string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chunks (
		id              TEXT PRIMARY KEY,
		source          TEXT NOT NULL,
		source_id       TEXT,
		content         TEXT NOT NULL,
		kind            TEXT NOT NULL DEFAULT 'text',
		layer           TEXT NOT NULL,
		intended_model  TEXT,
		embedding       BLOB,
		embedding_model TEXT,
		created_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_layer_created ON chunks(layer, created_at);
	CREATE INDEX IF NOT EXISTS idx_chunks_pending ON chunks(created_at) WHERE embedding IS NULL;
	CREATE INDEX IF NOT EXISTS idx_chunks_model ON chunks(embedding_model);

	CREATE TRIGGER IF NOT EXISTS chunks_immutable BEFORE UPDATE OF id, source, source_id, content, kind, layer, created_at ON chunks
	BEGIN
		SELECT RAISE(ABORT, 'chunk fields are immutable');
	END;
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) prepare(c *model.Chunk) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.ID == "" {
		c.ID = s.newID(c.CreatedAt)
	}
	if c.Kind == "" {
		c.Kind = model.KindText
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertChunk(ctx context.Context, ex execer, c *model.Chunk) error {
	if !model.ValidLayers[c.Layer] {
		return fmt.Errorf("%w: %q", model.ErrInvalidLayer, c.Layer)
	}
	if !model.ValidSources[c.Source] {
		return fmt.Errorf("%w: %q", model.ErrInvalidSource, c.Source)
	}

	var blob any
	var embModel *string
	if c.Embedded() {
		blob = encodeVector(c.Embedding)
		embModel = &c.EmbeddingModel
	}

	_, err := ex.ExecContext(ctx,
		`INSERT INTO chunks (id, source, source_id, content, kind, layer, intended_model, embedding, embedding_model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.Source), nullString(c.SourceID), c.Content, string(c.Kind), string(c.Layer),
		nullString(c.IntendedModel), blob, embModel, c.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Insert(ctx context.Context, c *model.Chunk) error {
	s.prepare(c)
	return insertChunk(ctx, s.db, c)
}

func (s *SQLiteStore) InsertBatch(ctx context.Context, chunks []*model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, c := range chunks {
		s.prepare(c)
		if err := insertChunk(ctx, tx, c); err != nil {
			return err
		}
	}

	return tx.Commit()
}

const chunkColumns = `id, source, source_id, content, kind, layer, intended_model, embedding, embedding_model, created_at`

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Chunk, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id)
	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) ListLayer(ctx context.Context, layer model.Layer) ([]model.Chunk, error) {
	return s.query(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE layer = ? ORDER BY created_at, id`, string(layer))
}

func (s *SQLiteStore) ListEmbedded(ctx context.Context, p EmbeddedParams) ([]model.Chunk, error) {
	where := []string{"embedding IS NOT NULL", "embedding_model IS NOT NULL", "layer = ?"}
	args := []any{string(p.Layer)}
	if p.Model != "" {
		where = append(where, "embedding_model = ?")
		args = append(args, p.Model)
	}

	return s.query(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at, id`,
		args...)
}

func (s *SQLiteStore) EmbeddingModels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT embedding_model FROM chunks
		 WHERE embedding IS NOT NULL AND embedding_model IS NOT NULL
		 ORDER BY embedding_model`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

func (s *SQLiteStore) ListUnembedded(ctx context.Context, limit int) ([]model.Chunk, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE embedding IS NULL ORDER BY created_at, id LIMIT ?`, limit)
}

func (s *SQLiteStore) UpdateEmbedding(ctx context.Context, id, modelName string, vec []float32) error {
	if len(vec) == 0 || modelName == "" {
		return ErrEmptyEmbedding
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET embedding = ?, embedding_model = ? WHERE id = ? AND embedding IS NULL`,
		encodeVector(vec), modelName, id)
	if err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	// Distinguish a missing chunk from one embedded concurrently.
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrAlreadyEmbedded, id)
}

func (s *SQLiteStore) TrimLayer(ctx context.Context, layer model.Layer, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE layer = ? AND id NOT IN (
			SELECT id FROM chunks WHERE layer = ? ORDER BY created_at DESC, id DESC LIMIT ?
		)`, string(layer), string(layer), keep)
	if err != nil {
		return 0, fmt.Errorf("trim layer: %w", err)
	}
	return res.RowsAffected()
}

// ReplaceLayer inserts the new set before deleting the old one inside a
// single transaction, so a failure at any point leaves the previous version.
func (s *SQLiteStore) ReplaceLayer(ctx context.Context, layer model.Layer, chunks []*model.Chunk) (int64, error) {
	if len(chunks) == 0 {
		return 0, ErrEmptyReplace
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	ids := make([]any, 0, len(chunks)+1)
	ids = append(ids, string(layer))
	for _, c := range chunks {
		if c.Layer != layer {
			return 0, fmt.Errorf("%w: chunk layer %q does not match %q", model.ErrInvalidLayer, c.Layer, layer)
		}
		s.prepare(c)
		if err := insertChunk(ctx, tx, c); err != nil {
			return 0, err
		}
		ids = append(ids, c.ID)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunks)), ",")
	res, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE layer = ? AND id NOT IN (`+placeholders+`)`, ids...)
	if err != nil {
		return 0, fmt.Errorf("delete previous layer: %w", err)
	}
	deleted, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *SQLiteStore) DeleteLayer(ctx context.Context, layer model.Layer) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE layer = ?`, string(layer))
	if err != nil {
		return 0, fmt.Errorf("delete layer: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chunks`)
	if err != nil {
		return 0, fmt.Errorf("delete all: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]model.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []model.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChunk(row scanner) (model.Chunk, error) {
	var c model.Chunk
	var source, kind, layer string
	var sourceID, intended, embModel sql.NullString
	var blob []byte
	var createdAt int64

	err := row.Scan(&c.ID, &source, &sourceID, &c.Content, &kind, &layer,
		&intended, &blob, &embModel, &createdAt)
	if err != nil {
		return c, err
	}

	c.Source = model.Source(source)
	c.Kind = model.ContentKind(kind)
	c.Layer = model.Layer(layer)
	c.SourceID = sourceID.String
	c.IntendedModel = intended.String
	c.CreatedAt = time.Unix(0, createdAt).UTC()
	if len(blob) > 0 && embModel.Valid {
		vec, err := decodeVector(blob)
		if err != nil {
			return c, fmt.Errorf("chunk %s: %w", c.ID, err)
		}
		c.Embedding = vec
		c.EmbeddingModel = embModel.String
	}

	return c, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
