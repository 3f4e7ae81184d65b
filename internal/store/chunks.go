package store

import (
	"context"
	"fmt"

	"github.com/MikeSquared-Agency/herald/internal/index"
)

// ReplaceChunks swaps a document's persisted chunk set in one transaction.
func (s *Store) ReplaceChunks(ctx context.Context, doc index.Document) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO documents (id, mode, dimension, indexed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			mode = EXCLUDED.mode,
			dimension = EXCLUDED.dimension,
			indexed_at = EXCLUDED.indexed_at`,
		doc.ID, doc.Mode, doc.Dimension, doc.IndexedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, doc.ID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}

	for _, c := range doc.Chunks {
		_, err = tx.Exec(ctx, `
			INSERT INTO document_chunks (document_id, chunk_index, content, embedding)
			VALUES ($1, $2, $3, $4)`,
			doc.ID, c.Index, c.Text, pgVector(c.Vector),
		)
		if err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.Index, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DeleteChunks removes a document and its chunks.
func (s *Store) DeleteChunks(ctx context.Context, documentID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, documentID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// LoadDocuments reads every persisted document with its chunks, for warming
// the in-memory index at startup.
func (s *Store) LoadDocuments(ctx context.Context) ([]index.Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.id, d.mode, d.dimension, d.indexed_at, c.chunk_index, c.content, c.embedding::text
		FROM documents d
		JOIN document_chunks c ON c.document_id = d.id
		ORDER BY d.id, c.chunk_index`)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []index.Document
	for rows.Next() {
		var d index.Document
		var c index.Chunk
		var vec string
		if err := rows.Scan(&d.ID, &d.Mode, &d.Dimension, &d.IndexedAt, &c.Index, &c.Text, &vec); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if c.Vector, err = parseVector(vec); err != nil {
			return nil, fmt.Errorf("document %s chunk %d: %w", d.ID, c.Index, err)
		}
		c.DocumentID = d.ID

		if n := len(docs); n == 0 || docs[n-1].ID != d.ID {
			docs = append(docs, d)
		}
		last := &docs[len(docs)-1]
		last.Chunks = append(last.Chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return docs, nil
}
