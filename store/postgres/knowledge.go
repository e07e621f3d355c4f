package postgres

import (
	"context"

	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	"github.com/Pavilion-devs/slack-agent/internal/vectorindex"
)

// KnowledgeChunk is one indexed passage of the support knowledge base.
type KnowledgeChunk struct {
	ID        string
	Content   string
	Category  string
	Embedding []float32
}

// UpsertKnowledgeChunk inserts or replaces one knowledge-base passage.
func (d *DB) UpsertKnowledgeChunk(ctx context.Context, c KnowledgeChunk) error {
	_, err := d.db.ExecContext(ctx, `INSERT INTO knowledge_chunks (id, content, category, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET content = $2, category = $3, embedding = $4`,
		c.ID, c.Content, c.Category, pgvector.NewVector(c.Embedding))
	if err != nil {
		return errors.Wrap(err, "failed to upsert knowledge chunk")
	}
	return nil
}

// Search implements vectorindex.Index against pgvector's cosine-distance
// operator, the production backing for the Retrieval Answerer (C3).
func (d *DB) Search(ctx context.Context, queryEmbedding []float32, k int) ([]vectorindex.Chunk, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, content, category, embedding,
			1 - (embedding <=> $1) AS score
		FROM knowledge_chunks
		ORDER BY embedding <=> $1
		LIMIT $2`, pgvector.NewVector(queryEmbedding), k)
	if err != nil {
		return nil, errors.Wrap(err, "failed to search knowledge chunks")
	}
	defer rows.Close()

	var out []vectorindex.Chunk
	for rows.Next() {
		var chunk vectorindex.Chunk
		var vec pgvector.Vector
		if err := rows.Scan(&chunk.ID, &chunk.Content, &chunk.Category, &vec, &chunk.Score); err != nil {
			return nil, errors.Wrap(err, "failed to scan knowledge chunk")
		}
		chunk.Embedding = vec.Slice()
		out = append(out, chunk)
	}
	return out, rows.Err()
}

var _ vectorindex.Index = (*DB)(nil)
