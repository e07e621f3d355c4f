package postgres

import (
	"context"

	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"
)

// TurnEmbedding is one AI turn's embedding, kept alongside the session for
// the Retrieval Answerer's don't-repeat-a-fact dedup rule: before composing a
// new answer, the answerer pulls the nearest prior AI turns in this session
// and asks the LLM not to restate them.
type TurnEmbedding struct {
	SessionID string
	TurnIndex int
	Content   string
	Embedding []float32
}

// SaveTurnEmbedding upserts the embedding for one AI turn.
func (d *DB) SaveTurnEmbedding(ctx context.Context, e TurnEmbedding) error {
	_, err := d.db.ExecContext(ctx, `INSERT INTO turn_embeddings (session_id, turn_index, content, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, turn_index) DO UPDATE SET content = $3, embedding = $4`,
		e.SessionID, e.TurnIndex, e.Content, pgvector.NewVector(e.Embedding))
	if err != nil {
		return errors.Wrap(err, "failed to save turn embedding")
	}
	return nil
}

// NearestPriorTurns returns the k AI turns in sessionID whose embeddings are
// closest to query, most similar first. Used to suppress near-duplicate
// answers within the same conversation.
func (d *DB) NearestPriorTurns(ctx context.Context, sessionID string, query []float32, k int) ([]TurnEmbedding, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT turn_index, content, embedding FROM turn_embeddings
		WHERE session_id = $1
		ORDER BY embedding <-> $2
		LIMIT $3`, sessionID, pgvector.NewVector(query), k)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query nearest prior turns")
	}
	defer rows.Close()

	var out []TurnEmbedding
	for rows.Next() {
		var e TurnEmbedding
		var vec pgvector.Vector
		if err := rows.Scan(&e.TurnIndex, &e.Content, &vec); err != nil {
			return nil, errors.Wrap(err, "failed to scan turn embedding")
		}
		e.SessionID = sessionID
		e.Embedding = vec.Slice()
		out = append(out, e)
	}
	return out, rows.Err()
}
