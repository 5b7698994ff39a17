package embedding

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// DefaultTableName is the Postgres table holding class centroids.
const DefaultTableName = "class_centroids"

// Store reads and writes centroid tables in PostgreSQL.
type Store struct {
	conn  *pgx.Conn
	table string
}

// OpenStore connects to the database. An empty table name selects
// DefaultTableName.
func OpenStore(ctx context.Context, connString, table string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}
	if table == "" {
		table = DefaultTableName
	}
	return &Store{conn: conn, table: pgx.Identifier{table}.Sanitize()}, nil
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// EnsureSchema creates the centroid table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			label TEXT PRIMARY KEY,
			embedding DOUBLE PRECISION[] NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`, s.table))
	return err
}

// Load reads every centroid row into a Table.
func (s *Store) Load(ctx context.Context) (*Table, error) {
	rows, err := s.conn.Query(ctx, fmt.Sprintf("SELECT label, embedding FROM %s ORDER BY label", s.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	raw := make(map[string][]float64)
	for rows.Next() {
		var (
			label string
			vec   []float64
		)
		if err := rows.Scan(&label, &vec); err != nil {
			return nil, err
		}
		raw[label] = vec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return NewTable(raw)
}

// Replace swaps the stored centroids for the contents of t in one transaction.
func (s *Store) Replace(ctx context.Context, t *Table) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s", s.table)); err != nil {
		return err
	}
	for _, label := range t.Labels() {
		vec, _ := t.Lookup(label)
		if _, err := tx.Exec(ctx,
			fmt.Sprintf("INSERT INTO %s (label, embedding, updated_at) VALUES ($1, $2, NOW())", s.table),
			label, []float64(vec)); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
