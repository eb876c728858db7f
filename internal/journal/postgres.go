package journal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DefaultTable is the journal table name.
const DefaultTable = "portal_events"

// DB is the subset of *pgxpool.Pool the journal uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresInserter writes rows with pgx batches, skipping events already
// journaled under the same topic and id.
type PostgresInserter struct {
	db    DB
	table string
}

// NewPostgresInserter creates an inserter for table (DefaultTable if empty).
func NewPostgresInserter(db DB, table string) *PostgresInserter {
	if table == "" {
		table = DefaultTable
	}
	return &PostgresInserter{db: db, table: table}
}

// EnsureSchema creates the journal table if it does not exist.
func (p *PostgresInserter) EnsureSchema(ctx context.Context) error {
	ident := pgx.Identifier{p.table}.Sanitize()
	_, err := p.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+ident+` (
			topic       TEXT NOT NULL,
			id          TEXT NOT NULL,
			payload     JSONB,
			received_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (topic, id)
		)
	`)
	if err != nil {
		return fmt.Errorf("create %s: %w", p.table, err)
	}
	return nil
}

// Insert queues one INSERT per row with ON CONFLICT DO NOTHING. Event ids
// are only unique within a topic, so the key is (topic, id).
func (p *PostgresInserter) Insert(ctx context.Context, rows []Row) (conflicts int, err error) {
	ident := pgx.Identifier{p.table}.Sanitize()
	query := `
		INSERT INTO ` + ident + ` (id, topic, payload, received_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (topic, id) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, r := range rows {
		var payload any
		if r.Payload != nil {
			// Sent as text so the server parses it as jsonb
			payload = string(r.Payload)
		}
		batch.Queue(query, r.ID, r.Topic, payload, r.ReceivedAt)
	}

	results := p.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, fmt.Errorf("insert into %s: %w", p.table, err)
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
