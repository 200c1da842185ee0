package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	istore "github.com/rcrt/substrate/internal/store"
	"github.com/rcrt/substrate/pkg/models"
)

// PgvectorStore implements VectorStoreDriver using PostgreSQL with the
// pgvector extension. Users must provide their own PostgreSQL instance with
// pgvector installed; the connection URL is read from RCRT_PGVECTOR_URL.
type PgvectorStore struct {
	pool       *pgxpool.Pool
	dimensions int
}

// NewPgvectorStore creates a pgvector-backed vector store. It creates the
// required table and index if they don't exist.
func NewPgvectorStore(ctx context.Context, connURL string, dimensions int) (*PgvectorStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector ping: %w", err)
	}

	s := &PgvectorStore{pool: pool, dimensions: dimensions}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector migrate: %w", err)
	}

	log.Info().Int("dims", dimensions).Msg("pgvector store initialized")
	return s, nil
}

func (s *PgvectorStore) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS rcrt_vectors (
			owner_id   TEXT NOT NULL,
			id         TEXT NOT NULL,
			vector     vector(%d) NOT NULL,
			PRIMARY KEY (owner_id, id)
		);

		CREATE INDEX IF NOT EXISTS idx_rcrt_vectors_owner ON rcrt_vectors (owner_id);
	`, s.dimensions)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PgvectorStore) Kind() string { return "pgvector" }

func (s *PgvectorStore) Upsert(ctx context.Context, owner, id string, vector []float32) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rcrt_vectors (owner_id, id, vector) VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, id) DO UPDATE SET vector = EXCLUDED.vector
	`, owner, id, pgvectorArray(vector))
	return err
}

func (s *PgvectorStore) Search(ctx context.Context, owner string, vector []float32, topK int) ([]istore.SearchHit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, 1 - (vector <=> $1) AS score
		FROM rcrt_vectors
		WHERE owner_id = $2
		ORDER BY vector <=> $1
		LIMIT $3
	`, pgvectorArray(vector), owner, topK)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	var hits []istore.SearchHit
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		hits = append(hits, istore.SearchHit{
			Breadcrumb: models.Breadcrumb{OwnerID: owner, ID: id},
			Distance:   1 - score,
			Score:      score,
		})
	}
	return hits, rows.Err()
}

func (s *PgvectorStore) Delete(ctx context.Context, owner, id string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM rcrt_vectors WHERE owner_id = $1 AND id = $2", owner, id)
	return err
}

func (s *PgvectorStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PgvectorStore) Close() {
	s.pool.Close()
}

// pgvectorArray converts a float32 slice to pgvector's text format: [1,2,3]
func pgvectorArray(v []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(fmt.Sprintf("%g", f))
	}
	sb.WriteByte(']')
	return sb.String()
}
