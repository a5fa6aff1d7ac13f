package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/subgraph-backfill/pkg/model"
	"github.com/Sternrassler/subgraph-backfill/pkg/store"
)

// DocumentStore implements store.ReadWriter using ClickHouse.
//
// Each BatchWrite is sent as a single insert block. Upserts rely on
// ReplacingMergeTree keeping the highest version per (collection, id), so
// reads must use FINAL.
type DocumentStore struct {
	conn *Conn
	now  func() time.Time
}

// NewDocumentStore creates a new DocumentStore.
func NewDocumentStore(conn *Conn) *DocumentStore {
	return &DocumentStore{conn: conn, now: time.Now}
}

// Compile-time interface check.
var _ store.ReadWriter = (*DocumentStore)(nil)

// BatchWrite inserts all documents in one block. Later documents in docs
// win over earlier ones with the same id.
func (s *DocumentStore) BatchWrite(ctx context.Context, collection string, docs []model.Document) error {
	if err := store.Validate(collection, docs); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	rows := make([]string, len(docs))
	for i, d := range docs {
		data, err := store.EncodeFields(d.Fields)
		if err != nil {
			return fmt.Errorf("document %s: %w", d.ID, err)
		}
		rows[i] = string(data)
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO documents (collection, id, fields, version)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	base := uint64(s.now().UnixNano())
	for i, d := range docs {
		if err := batch.Append(collection, d.ID, rows[i], base+uint64(i)); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// Write inserts one document version.
func (s *DocumentStore) Write(ctx context.Context, collection, id string, fields map[string]any) error {
	return s.BatchWrite(ctx, collection, []model.Document{{ID: id, Fields: fields}})
}

// Ping checks the connection.
func (s *DocumentStore) Ping(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return fmt.Errorf("ping clickhouse: %w", err)
	}
	return nil
}

// Get returns the latest version of a document. Returns store.ErrNotFound if
// it does not exist.
func (s *DocumentStore) Get(ctx context.Context, collection, id string) (model.Document, error) {
	var data string
	err := s.conn.QueryRow(ctx, `
		SELECT fields FROM documents FINAL
		WHERE collection = ? AND id = ?
		LIMIT 1
	`, collection, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Document{}, store.ErrNotFound
		}
		return model.Document{}, fmt.Errorf("get document: %w", err)
	}

	fields, err := store.DecodeFields([]byte(data))
	if err != nil {
		return model.Document{}, err
	}
	return model.Document{ID: id, Fields: fields}, nil
}

// Count returns the number of distinct documents in a collection.
func (s *DocumentStore) Count(ctx context.Context, collection string) (int, error) {
	var n uint64
	if err := s.conn.QueryRow(ctx,
		`SELECT count() FROM documents FINAL WHERE collection = ?`, collection,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return int(n), nil
}
