package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists contracts in PostgreSQL. The version column drives
// compare-and-swap: every successful update bumps it by one inside the same
// statement, so two concurrent writers can never both match the expected
// version.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed contract store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const contractColumns = `id, parties, amount, currency, escrow_status, confirmation_status,
	confirmed_by, ledger_tx_id, dispute_reason, disputed_by, resolution, resolved_by,
	auto_release_deadline, version, created_at, funded_at, resolved_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, c *Contract) error {
	query := `
		INSERT INTO contracts (` + contractColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1, $14, $15, $16, $17)`

	_, err := s.db.ExecContext(ctx, query,
		c.ID, pq.StringArray(c.Parties), c.Amount, c.Currency,
		string(c.EscrowStatus), string(c.ConfirmationStatus),
		pq.StringArray(c.ConfirmedBy),
		nullString(c.LedgerTxID), nullString(c.DisputeReason), nullString(c.DisputedBy),
		nullString(c.Resolution), nullString(c.ResolvedBy),
		nullTimePtr(c.AutoReleaseDeadline),
		c.CreatedAt, nullTimePtr(c.FundedAt), nullTimePtr(c.ResolvedAt), c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert contract: %w", err)
	}
	c.Version = 1
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE id = $1`
	c, err := scanContract(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrContractNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contract: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, next *Contract) error {
	query := `
		UPDATE contracts SET
			escrow_status = $1, confirmation_status = $2, confirmed_by = $3,
			ledger_tx_id = $4, dispute_reason = $5, disputed_by = $6,
			resolution = $7, resolved_by = $8, auto_release_deadline = $9,
			funded_at = $10, resolved_at = $11, updated_at = $12,
			version = version + 1
		WHERE id = $13 AND version = $14`

	res, err := s.db.ExecContext(ctx, query,
		string(next.EscrowStatus), string(next.ConfirmationStatus),
		pq.StringArray(next.ConfirmedBy),
		nullString(next.LedgerTxID), nullString(next.DisputeReason), nullString(next.DisputedBy),
		nullString(next.Resolution), nullString(next.ResolvedBy),
		nullTimePtr(next.AutoReleaseDeadline),
		nullTimePtr(next.FundedAt), nullTimePtr(next.ResolvedAt), next.UpdatedAt,
		id, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update contract: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM contracts WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check contract existence: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrContractNotFound, id)
		}
		return fmt.Errorf("%w: contract %s expected version %d", ErrVersionConflict, id, expectedVersion)
	}

	next.Version = expectedVersion + 1
	return nil
}

func (s *PostgresStore) ListByParty(ctx context.Context, partyID string, limit int) ([]*Contract, error) {
	query := `
		SELECT ` + contractColumns + ` FROM contracts
		WHERE $1 = ANY(parties)
		ORDER BY created_at DESC LIMIT $2`
	return s.list(ctx, query, partyID, limit)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Contract, error) {
	query := `
		SELECT ` + contractColumns + ` FROM contracts
		WHERE escrow_status = $1
		ORDER BY created_at DESC LIMIT $2`
	return s.list(ctx, query, string(status), limit)
}

func (s *PostgresStore) ListLockedBefore(ctx context.Context, before time.Time, limit int) ([]*Contract, error) {
	query := `
		SELECT ` + contractColumns + ` FROM contracts
		WHERE escrow_status = 'locked'
		  AND auto_release_deadline IS NOT NULL
		  AND auto_release_deadline < $1
		ORDER BY auto_release_deadline ASC LIMIT $2`
	return s.list(ctx, query, before, limit)
}

func (s *PostgresStore) ListLocked(ctx context.Context, limit int) ([]*Contract, error) {
	query := `
		SELECT ` + contractColumns + ` FROM contracts
		WHERE escrow_status = 'locked'
		ORDER BY created_at ASC LIMIT $1`
	return s.list(ctx, query, limit)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Contract, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list contracts: %w", err)
	}
	defer rows.Close()

	var out []*Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contract: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanContract(row scanner) (*Contract, error) {
	var (
		c                    Contract
		parties, confirmedBy pq.StringArray
		escrowStatus         string
		confirmationStatus   string
		ledgerTxID           sql.NullString
		disputeReason        sql.NullString
		disputedBy           sql.NullString
		resolution           sql.NullString
		resolvedBy           sql.NullString
		deadline             sql.NullTime
		fundedAt             sql.NullTime
		resolvedAt           sql.NullTime
	)

	err := row.Scan(
		&c.ID, &parties, &c.Amount, &c.Currency, &escrowStatus, &confirmationStatus,
		&confirmedBy, &ledgerTxID, &disputeReason, &disputedBy, &resolution, &resolvedBy,
		&deadline, &c.Version, &c.CreatedAt, &fundedAt, &resolvedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Parties = []string(parties)
	c.ConfirmedBy = []string(confirmedBy)
	c.EscrowStatus = Status(escrowStatus)
	c.ConfirmationStatus = ConfirmationStatus(confirmationStatus)
	c.LedgerTxID = ledgerTxID.String
	c.DisputeReason = disputeReason.String
	c.DisputedBy = disputedBy.String
	c.Resolution = resolution.String
	c.ResolvedBy = resolvedBy.String
	if deadline.Valid {
		t := deadline.Time
		c.AutoReleaseDeadline = &t
	}
	if fundedAt.Valid {
		t := fundedAt.Time
		c.FundedAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	return &c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
