package sqlite

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

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
	embedding, err := json.Marshal(c.Embedding)
	if err != nil {
		return errors.Wrap(err, "failed to marshal embedding")
	}
	_, err = d.db.ExecContext(ctx, `INSERT INTO knowledge_chunks (id, content, category, embedding, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content, category = excluded.category,
			embedding = excluded.embedding, updated_at = excluded.updated_at`,
		c.ID, c.Content, c.Category, string(embedding), time.Now().Unix())
	if err != nil {
		return errors.Wrap(err, "failed to upsert knowledge chunk")
	}
	return nil
}

// Search implements vectorindex.Index with application-layer cosine
// similarity: sqlite has no native vector type, so every chunk is scored in
// Go. Fine at knowledge-base scale; not meant to scale past a few thousand
// chunks.
func (d *DB) Search(ctx context.Context, queryEmbedding []float32, k int) ([]vectorindex.Chunk, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, content, category, embedding FROM knowledge_chunks`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list knowledge chunks")
	}
	defer rows.Close()

	var all []vectorindex.Chunk
	for rows.Next() {
		var chunk vectorindex.Chunk
		var embeddingJSON string
		if err := rows.Scan(&chunk.ID, &chunk.Content, &chunk.Category, &embeddingJSON); err != nil {
			return nil, errors.Wrap(err, "failed to scan knowledge chunk")
		}
		if err := json.Unmarshal([]byte(embeddingJSON), &chunk.Embedding); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal embedding")
		}
		chunk.Score = cosineSimilarity(queryEmbedding, chunk.Embedding)
		all = append(all, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if k < len(all) {
		all = all[:k]
	}
	return all, nil
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

var _ vectorindex.Index = (*DB)(nil)
