package escrow

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate is a no-op; the schema is owned by migrations/ and applied by
// cmd/migrate.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	return nil
}

const escrowColumns = `id, order_id, buyer_id, vendor_id, arbiter_id,
		       multisig_address, multisig_phase, status, amount_atomic,
		       confirmations, transaction_hash, needs_review, version,
		       created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, order_id, buyer_id, vendor_id, arbiter_id,
			multisig_address, multisig_phase, status, amount_atomic,
			confirmations, transaction_hash, needs_review, version,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15
		)`,
		e.ID, e.OrderID, e.BuyerID, e.VendorID, e.ArbiterID,
		nullString(e.MultisigAddress), string(e.Phase), string(e.Status), e.AmountAtomic,
		int64(e.Confirmations), nullString(e.TxHash), e.NeedsReview, e.Version,
		e.CreatedAt, e.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicateOrder
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE order_id = $1`, orderID)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) CompareAndSwapStatus(ctx context.Context, id string, from, to Status, version int64) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE escrows
		SET status = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND status = $3 AND version = $4
		RETURNING `+escrowColumns,
		string(to), id, string(from), version)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		// Distinguish a lost race from a missing row.
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrConcurrentModification
	}
	return e, err
}

func (p *PostgresStore) UpdatePhase(ctx context.Context, id string, phase Phase, address string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows
		SET multisig_phase = $1,
		    multisig_address = COALESCE(NULLIF($2, ''), multisig_address),
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $3`,
		string(phase), address, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) UpdateFunding(ctx context.Context, id string, txHash string, confirmations uint64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows
		SET transaction_hash = COALESCE(NULLIF($1, ''), transaction_hash),
		    confirmations = GREATEST(confirmations, $2),
		    updated_at = NOW()
		WHERE id = $3`,
		txHash, int64(confirmations), id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) SetNeedsReview(ctx context.Context, id string, flag bool) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET needs_review = $1, updated_at = NOW() WHERE id = $2`,
		flag, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Escrow, error) {
	strs := make([]string, len(statuses))
	for i, s := range statuses {
		strs[i] = string(s)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = ANY($1)
		ORDER BY created_at
		LIMIT $2`, pq.Array(strs), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		address       sql.NullString
		txHash        sql.NullString
		phase         string
		status        string
		confirmations int64
	)

	err := s.Scan(
		&e.ID, &e.OrderID, &e.BuyerID, &e.VendorID, &e.ArbiterID,
		&address, &phase, &status, &e.AmountAtomic,
		&confirmations, &txHash, &e.NeedsReview, &e.Version,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.MultisigAddress = address.String
	e.TxHash = txHash.String
	e.Phase = Phase(phase)
	e.Status = Status(status)
	e.Confirmations = uint64(confirmations)

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
