package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/domain"
)

// CreateInvestigationTx stores the audit trail behind one verdict,
// inside the same transaction that stores the verdict itself.
func (r Repo) CreateInvestigationTx(ctx context.Context, tx *sql.Tx, inv domain.Investigation) (domain.Investigation, error) {
	results, err := json.Marshal(inv.ConstraintResults)
	if err != nil {
		return domain.Investigation{}, err
	}
	attempts, err := json.Marshal(inv.Attempts)
	if err != nil {
		return domain.Investigation{}, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO investigations(id, verdict_id, requested, requested_source, delivered, delivered_source, constraint_results, attempts, created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		inv.ID, inv.VerdictID, inv.Requested, inv.RequestedSource, inv.Delivered, inv.DeliveredSource,
		string(results), string(attempts), inv.CreatedAt)
	if err != nil {
		return domain.Investigation{}, err
	}
	return inv, nil
}

// GetInvestigationByVerdict returns the audit trail behind a verdict.
func (r Repo) GetInvestigationByVerdict(ctx context.Context, verdictID string) (domain.Investigation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, verdict_id, requested, requested_source, delivered, delivered_source, constraint_results, attempts, created_at
FROM investigations WHERE verdict_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, verdictID)
	return scanInvestigation(row.Scan)
}

func scanInvestigation(scan func(dest ...any) error) (domain.Investigation, error) {
	var inv domain.Investigation
	var results, attempts sql.NullString
	err := scan(&inv.ID, &inv.VerdictID, &inv.Requested, &inv.RequestedSource, &inv.Delivered, &inv.DeliveredSource,
		&results, &attempts, &inv.CreatedAt)
	if err == sql.ErrNoRows {
		return inv, ErrNotFound
	}
	if err != nil {
		return inv, err
	}
	if results.Valid && results.String != "" {
		_ = json.Unmarshal([]byte(results.String), &inv.ConstraintResults)
	}
	if attempts.Valid && attempts.String != "" {
		_ = json.Unmarshal([]byte(attempts.String), &inv.Attempts)
	}
	return inv, nil
}
