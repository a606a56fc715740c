// internal/storage/sqlite.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"mcp-nutrition-log/internal/models"
)

// SQLiteStorage is a document store on a single SQLite file. Writes fan out
// to live queries of the written collection.
type SQLiteStorage struct {
	db  *sql.DB
	hub *hub
}

func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; avoids SQLITE_BUSY between the merge tx and readers
	db.SetMaxOpenConns(1)

	storage := &SQLiteStorage{db: db, hub: newHub()}
	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

func (s *SQLiteStorage) Close() error {
	s.hub.closeAll()
	return s.db.Close()
}

func (s *SQLiteStorage) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS documents (
        path TEXT PRIMARY KEY,
        collection TEXT NOT NULL,
        id TEXT NOT NULL,
        data TEXT NOT NULL,
        date_key INTEGER,
        updated_at DATETIME NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_documents_collection_date ON documents(collection, date_key);
    `

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) GetDocument(ctx context.Context, path string) (*Document, error) {
	if _, _, err := SplitPath(path); err != nil {
		return nil, err
	}

	var id, raw string
	err := s.db.QueryRowContext(ctx, `SELECT id, data FROM documents WHERE path = ?`, path).Scan(&id, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query document %s: %w", path, err)
	}

	data, err := decodeData(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", path, err)
	}
	return &Document{ID: id, Path: path, Data: data}, nil
}

func (s *SQLiteStorage) SetMerge(ctx context.Context, path string, data map[string]interface{}) error {
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var existing map[string]interface{}
	var raw string
	err = tx.QueryRowContext(ctx, `SELECT data FROM documents WHERE path = ?`, path).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read document %s: %w", path, err)
	default:
		if existing, err = decodeData(raw); err != nil {
			return fmt.Errorf("failed to decode document %s: %w", path, err)
		}
	}

	if err := s.upsert(ctx, tx, path, collection, id, mergeFields(existing, data)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit document %s: %w", path, err)
	}

	s.hub.notify(collection)
	return nil
}

func (s *SQLiteStorage) Insert(ctx context.Context, collection string, data map[string]interface{}) (string, error) {
	id := uuid.NewString()
	path := DocumentPath(collection, id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.upsert(ctx, tx, path, collection, id, data); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit document %s: %w", path, err)
	}

	s.hub.notify(collection)
	return id, nil
}

func (s *SQLiteStorage) upsert(ctx context.Context, tx *sql.Tx, path, collection, id string, data map[string]interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", path, err)
	}

	var key sql.NullInt64
	ts, ok, err := documentDate(data)
	if err != nil {
		return fmt.Errorf("document %s: %w", path, err)
	}
	if ok {
		key = sql.NullInt64{Int64: dateKey(ts), Valid: true}
	}

	query := `
        INSERT INTO documents (path, collection, id, data, date_key, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(path) DO UPDATE SET data = excluded.data, date_key = excluded.date_key, updated_at = excluded.updated_at
    `
	if _, err := tx.ExecContext(ctx, query, path, collection, id, string(raw), key, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("failed to write document %s: %w", path, err)
	}
	return nil
}

func (s *SQLiteStorage) Query(collection string, r models.DateRange) Query {
	return &sqliteQuery{storage: s, collection: collection, dateRange: r}
}

type sqliteQuery struct {
	storage    *SQLiteStorage
	collection string
	dateRange  models.DateRange
}

func (q *sqliteQuery) Get(ctx context.Context) ([]Document, error) {
	query := `
        SELECT path, id, data
        FROM documents
        WHERE collection = ? AND date_key >= ? AND date_key < ?
        ORDER BY date_key, id
    `
	rows, err := q.storage.db.QueryContext(ctx, query, q.collection, dateKey(q.dateRange.Start), dateKey(q.dateRange.End))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", q.collection, err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		var doc Document
		var raw string
		if err := rows.Scan(&doc.Path, &doc.ID, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		if doc.Data, err = decodeData(raw); err != nil {
			return nil, fmt.Errorf("failed to decode document %s: %w", doc.Path, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", q.collection, err)
	}
	return docs, nil
}

func (q *sqliteQuery) Subscribe(onSnapshot func([]Document), onError func(error)) func() {
	sub := newSubscription(q.Get, onSnapshot, onError, 0)
	return q.storage.hub.add(q.collection, sub)
}

func decodeData(raw string) (map[string]interface{}, error) {
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, err
	}
	return data, nil
}
