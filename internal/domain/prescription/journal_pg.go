package prescription

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/rxledger/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type journalPG struct{ pool *pgxpool.Pool }

// NewJournalPG stores verification outcomes in the verification_journal
// table.
func NewJournalPG(pool *pgxpool.Pool) Journal {
	return &journalPG{pool: pool}
}

func (r *journalPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const journalCols = `id, operation, patient_id, prescription_id, tx_id, attempts, verified, error, started_at, finished_at`

func (r *journalPG) Record(ctx context.Context, o *VerificationOutcome) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	var errText *string
	if o.Error != "" {
		errText = &o.Error
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO verification_journal (`+journalCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		o.ID, string(o.Operation), o.PatientID, o.PrescriptionID, o.TxID,
		o.Attempts, o.Verified, errText, o.StartedAt, o.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert verification outcome: %w", err)
	}
	return nil
}

func (r *journalPG) List(ctx context.Context, limit, offset int) ([]*VerificationOutcome, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM verification_journal`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count verification outcomes: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+journalCols+` FROM verification_journal
		ORDER BY finished_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list verification outcomes: %w", err)
	}
	defer rows.Close()

	items := []*VerificationOutcome{}
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, o)
	}
	return items, total, rows.Err()
}

func scanOutcome(row pgx.Row) (*VerificationOutcome, error) {
	var (
		o       VerificationOutcome
		op      string
		errText *string
	)
	if err := row.Scan(&o.ID, &op, &o.PatientID, &o.PrescriptionID, &o.TxID,
		&o.Attempts, &o.Verified, &errText, &o.StartedAt, &o.FinishedAt); err != nil {
		return nil, fmt.Errorf("scan verification outcome: %w", err)
	}
	o.Operation = Operation(op)
	if errText != nil {
		o.Error = *errText
	}
	return &o, nil
}
