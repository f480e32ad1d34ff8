package multisig

import (
	"context"
	"database/sql"
)

// PostgresStore persists contributions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed contribution store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Upsert(ctx context.Context, c *Contribution) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO multisig_contributions (
			escrow_id, participant, round, blob, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (escrow_id, participant, round)
		DO UPDATE SET blob = EXCLUDED.blob, updated_at = EXCLUDED.updated_at`,
		c.EscrowID, c.Participant, c.Round, c.Blob, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, escrowID, participant string, round int) (*Contribution, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT escrow_id, participant, round, blob, created_at, updated_at
		FROM multisig_contributions
		WHERE escrow_id = $1 AND participant = $2 AND round = $3`,
		escrowID, participant, round)

	c := &Contribution{}
	err := row.Scan(&c.EscrowID, &c.Participant, &c.Round, &c.Blob, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (p *PostgresStore) ListByRound(ctx context.Context, escrowID string, round int) ([]*Contribution, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT escrow_id, participant, round, blob, created_at, updated_at
		FROM multisig_contributions
		WHERE escrow_id = $1 AND round = $2
		ORDER BY participant`,
		escrowID, round)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Contribution
	for rows.Next() {
		c := &Contribution{}
		if err := rows.Scan(&c.EscrowID, &c.Participant, &c.Round, &c.Blob, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SaveRoundOutput(ctx context.Context, escrowID string, round int, blob string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO multisig_round_outputs (escrow_id, round, blob, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (escrow_id, round)
		DO UPDATE SET blob = EXCLUDED.blob`,
		escrowID, round, blob,
	)
	return err
}

func (p *PostgresStore) GetRoundOutput(ctx context.Context, escrowID string, round int) (string, error) {
	var blob string
	err := p.db.QueryRowContext(ctx, `
		SELECT blob FROM multisig_round_outputs
		WHERE escrow_id = $1 AND round = $2`,
		escrowID, round).Scan(&blob)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return blob, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
