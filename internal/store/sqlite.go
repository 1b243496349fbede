package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// SQLiteStore persists passages and ingestion records.
// It is the source of truth for corpus snapshot rebuilds and the record
// store the recovery service drives.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Verify interface implementation at compile time.
var _ DocumentStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the document store at path.
// Empty path opens an in-memory database for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single writer prevents lock contention with modernc.org/sqlite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL mode must be set via PRAGMA for modernc.org/sqlite.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS passages (
		id          TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		text        TEXT NOT NULL,
		section     TEXT NOT NULL DEFAULT '',
		page        INTEGER NOT NULL DEFAULT 0,
		vector      TEXT,
		created_at  TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_passages_document ON passages(document_id);

	CREATE TABLE IF NOT EXISTS ingestion_records (
		id          TEXT PRIMARY KEY,
		owner_id    TEXT NOT NULL DEFAULT '',
		title       TEXT NOT NULL DEFAULT '',
		source_path TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL,
		progress    INTEGER NOT NULL DEFAULT 0,
		error       TEXT NOT NULL DEFAULT '',
		chunk_size  INTEGER NOT NULL DEFAULT 0,
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_status ON ingestion_records(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_records_owner ON ingestion_records(owner_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SavePassages upserts passages. Vectors are stored as JSON arrays.
func (s *SQLiteStore) SavePassages(ctx context.Context, passages []*Passage) error {
	if len(passages) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO passages (id, document_id, text, section, page, vector, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, p := range passages {
		var vec sql.NullString
		if p.Vector != nil {
			data, err := json.Marshal(p.Vector)
			if err != nil {
				return fmt.Errorf("marshal vector for %s: %w", p.ID, err)
			}
			vec = sql.NullString{String: string(data), Valid: true}
		}
		createdAt := p.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, p.ID, p.DocumentID, p.Text, p.Section, p.Page, vec, createdAt); err != nil {
			return fmt.Errorf("save passage %s: %w", p.ID, err)
		}
	}

	return tx.Commit()
}

// GetPassages fetches passages by ID in a single query.
func (s *SQLiteStore) GetPassages(ctx context.Context, ids []string) ([]*Passage, error) {
	if len(ids) == 0 {
		return []*Passage{}, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, text, section, page, vector, created_at
		 FROM passages WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query passages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanPassages(rows)
}

// GetPassagesByDocument fetches all passages owned by a document.
func (s *SQLiteStore) GetPassagesByDocument(ctx context.Context, documentID string) ([]*Passage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, text, section, page, vector, created_at
		 FROM passages WHERE document_id = ? ORDER BY rowid`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query passages by document: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanPassages(rows)
}

// AllPassages returns the full corpus in insertion order, used to rebuild
// the sparse index snapshot.
func (s *SQLiteStore) AllPassages(ctx context.Context) ([]*Passage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, text, section, page, vector, created_at
		 FROM passages ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("query all passages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanPassages(rows)
}

// DeletePassagesByDocument removes a document's passages.
func (s *SQLiteStore) DeletePassagesByDocument(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM passages WHERE document_id = ?`, documentID)
	if err != nil {
		return fmt.Errorf("delete passages: %w", err)
	}
	return nil
}

func scanPassages(rows *sql.Rows) ([]*Passage, error) {
	var passages []*Passage
	for rows.Next() {
		p := &Passage{}
		var vec sql.NullString
		if err := rows.Scan(&p.ID, &p.DocumentID, &p.Text, &p.Section, &p.Page, &vec, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan passage: %w", err)
		}
		if vec.Valid {
			if err := json.Unmarshal([]byte(vec.String), &p.Vector); err != nil {
				return nil, fmt.Errorf("unmarshal vector for %s: %w", p.ID, err)
			}
		}
		passages = append(passages, p)
	}
	return passages, rows.Err()
}

// SaveRecord upserts an ingestion record.
func (s *SQLiteStore) SaveRecord(ctx context.Context, rec *IngestionRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO ingestion_records
		(id, owner_id, title, source_path, status, progress, error, chunk_size, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OwnerID, rec.Title, rec.SourcePath, string(rec.Status),
		rec.Progress, rec.Error, rec.ChunkSize, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save record %s: %w", rec.ID, err)
	}
	return nil
}

// GetRecord fetches a single ingestion record.
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*IngestionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, source_path, status, progress, error, chunk_size, created_at, updated_at
		FROM ingestion_records WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("record %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	return rec, nil
}

// ListRecords returns all ingestion records, newest first.
func (s *SQLiteStore) ListRecords(ctx context.Context) ([]*IngestionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, title, source_path, status, progress, error, chunk_size, created_at, updated_at
		FROM ingestion_records ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*IngestionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetStuck returns records in any of the given statuses created before
// olderThan, oldest first.
func (s *SQLiteStore) GetStuck(ctx context.Context, statuses []IngestionStatus, olderThan time.Time) ([]*IngestionRecord, error) {
	return s.getStuck(ctx, "", statuses, olderThan)
}

// GetStuckByOwner is GetStuck restricted to one owner's documents.
func (s *SQLiteStore) GetStuckByOwner(ctx context.Context, ownerID string, statuses []IngestionStatus, olderThan time.Time) ([]*IngestionRecord, error) {
	return s.getStuck(ctx, ownerID, statuses, olderThan)
}

func (s *SQLiteStore) getStuck(ctx context.Context, ownerID string, statuses []IngestionStatus, olderThan time.Time) ([]*IngestionRecord, error) {
	if len(statuses) == 0 {
		return []*IngestionRecord{}, nil
	}

	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(statuses)+2)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, olderThan)

	query := `
		SELECT id, owner_id, title, source_path, status, progress, error, chunk_size, created_at, updated_at
		FROM ingestion_records
		WHERE status IN (` + placeholders + `) AND created_at < ?`
	if ownerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stuck records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*IngestionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpdateStatus sets a record's status, progress, and error message.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status IngestionStatus, progress int, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ingestion_records
		SET status = ?, progress = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		string(status), progress, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update status for %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("record %s not found", id)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner abstracts sql.Row and sql.Rows for scanRecord.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*IngestionRecord, error) {
	rec := &IngestionRecord{}
	var status string
	if err := row.Scan(&rec.ID, &rec.OwnerID, &rec.Title, &rec.SourcePath, &status,
		&rec.Progress, &rec.Error, &rec.ChunkSize, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Status = IngestionStatus(status)
	return rec, nil
}
