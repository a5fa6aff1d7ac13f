package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Sternrassler/subgraph-backfill/pkg/model"
	"github.com/Sternrassler/subgraph-backfill/pkg/store"
)

const upsertQuery = `
	INSERT INTO documents (collection, id, fields, updated_at)
	VALUES ($1, $2, $3, now())
	ON CONFLICT (collection, id)
	DO UPDATE SET fields = EXCLUDED.fields, updated_at = EXCLUDED.updated_at
`

// DocumentStore implements store.ReadWriter using PostgreSQL.
type DocumentStore struct {
	pool *Pool
}

// NewDocumentStore creates a new DocumentStore.
func NewDocumentStore(pool *Pool) *DocumentStore {
	return &DocumentStore{pool: pool}
}

// Compile-time interface check.
var _ store.ReadWriter = (*DocumentStore)(nil)

// BatchWrite upserts all documents in one transaction.
func (s *DocumentStore) BatchWrite(ctx context.Context, collection string, docs []model.Document) error {
	if err := store.Validate(collection, docs); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, d := range docs {
		data, err := store.EncodeFields(d.Fields)
		if err != nil {
			return fmt.Errorf("document %s: %w", d.ID, err)
		}
		batch.Queue(upsertQuery, collection, d.ID, data)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert documents: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Write upserts one document.
func (s *DocumentStore) Write(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := store.Validate(collection, []model.Document{{ID: id}}); err != nil {
		return err
	}

	data, err := store.EncodeFields(fields)
	if err != nil {
		return err
	}

	if _, err := s.pool.Exec(ctx, upsertQuery, collection, id, data); err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *DocumentStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Get returns a stored document. Returns store.ErrNotFound if it does not exist.
func (s *DocumentStore) Get(ctx context.Context, collection, id string) (model.Document, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT fields FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Document{}, store.ErrNotFound
		}
		return model.Document{}, fmt.Errorf("get document: %w", err)
	}

	fields, err := store.DecodeFields(data)
	if err != nil {
		return model.Document{}, err
	}
	return model.Document{ID: id, Fields: fields}, nil
}

// Count returns the number of documents in a collection.
func (s *DocumentStore) Count(ctx context.Context, collection string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM documents WHERE collection = $1`, collection,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}
