package dispute

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/json"

	"github.com/lib/pq"
)

// PostgresStore persists disputes in PostgreSQL. The message thread is kept
// as a JSONB column on the dispute row; threads are short and always read
// with their dispute.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, escrow_id, order_id, opened_by, reason, description,
			status, resolution, tx_hash, messages, created_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	messages, err := json.Marshal(d.Messages)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, escrow_id, order_id, opened_by, reason, description,
			status, resolution, tx_hash, messages, created_at, resolved_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12
		)`,
		d.ID, d.EscrowID, d.OrderID, d.OpenedBy, d.Reason, d.Description,
		d.Status, nullStr(d.Resolution), nullStr(d.TxHash), messages, d.CreatedAt, d.ResolvedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDisputeExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	return scanDispute(row)
}

func (p *PostgresStore) GetByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE escrow_id = $1`, escrowID)
	return scanDispute(row)
}

func (p *PostgresStore) MarkResolved(ctx context.Context, id, resolution, txHash string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes
		SET status = $1, resolution = $2, tx_hash = $3, resolved_at = NOW()
		WHERE id = $4 AND status = $5`,
		StatusResolved, resolution, txHash, id, StatusOpen)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrAlreadyResolved
	}
	return nil
}

func (p *PostgresStore) AppendMessage(ctx context.Context, id string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes
		SET messages = messages || $1::jsonb
		WHERE id = $2`,
		payload, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDispute(row *sql.Row) (*Dispute, error) {
	d := &Dispute{}
	var (
		resolution sql.NullString
		txHash     sql.NullString
		messages   []byte
		resolvedAt sql.NullTime
	)

	err := row.Scan(
		&d.ID, &d.EscrowID, &d.OrderID, &d.OpenedBy, &d.Reason, &d.Description,
		&d.Status, &resolution, &txHash, &messages, &d.CreatedAt, &resolvedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	d.Resolution = resolution.String
	d.TxHash = txHash.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	if len(messages) > 0 {
		if err := json.Unmarshal(messages, &d.Messages); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)

// PostgresKeyDirectory persists participant signing keys in PostgreSQL.
// Re-registering a key replaces the old one.
type PostgresKeyDirectory struct {
	db *sql.DB
}

// NewPostgresKeyDirectory creates a new PostgreSQL-backed key directory.
func NewPostgresKeyDirectory(db *sql.DB) *PostgresKeyDirectory {
	return &PostgresKeyDirectory{db: db}
}

func (p *PostgresKeyDirectory) RegisterKey(ctx context.Context, userID string, key ed25519.PublicKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO participant_keys (user_id, public_key, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET public_key = $2, updated_at = NOW()`,
		userID, []byte(key))
	return err
}

func (p *PostgresKeyDirectory) PublicKey(ctx context.Context, userID string) (ed25519.PublicKey, error) {
	var key []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT public_key FROM participant_keys WHERE user_id = $1`, userID).Scan(&key)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(key), nil
}

var _ KeyDirectory = (*PostgresKeyDirectory)(nil)
