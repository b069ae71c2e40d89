package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/domain"
)

func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	criteria, err := json.Marshal(run.Criteria)
	if err != nil {
		return fmt.Errorf("marshal criteria: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO runs(id, goal, status, criteria, created_at, updated_at) VALUES (?,?,?,?,?,?)`,
		run.ID, run.Goal, run.Status, string(criteria), run.CreatedAt, run.UpdatedAt)
	return err
}

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var criteria string
	err := scan(&run.ID, &run.Goal, &run.Status, &criteria, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if err := json.Unmarshal([]byte(criteria), &run.Criteria); err != nil {
		return run, fmt.Errorf("unmarshal criteria for run %s: %w", run.ID, err)
	}
	return run, nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, goal, status, criteria, created_at, updated_at FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.Run, error) {
	row := tx.QueryRowContext(ctx, `SELECT id, goal, status, criteria, created_at, updated_at FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

// ActiveRun returns the single active run, or ErrNotFound.
func (r Repo) ActiveRun(ctx context.Context) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, goal, status, criteria, created_at, updated_at FROM runs WHERE status='active' ORDER BY created_at DESC, id DESC LIMIT 1`)
	return scanRun(row.Scan)
}

func (r Repo) ListRuns(ctx context.Context, status string, limit int) ([]domain.Run, error) {
	query := `SELECT id, goal, status, criteria, created_at, updated_at FROM runs`
	var args []any
	if status != "" {
		query += " WHERE status=?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) UpdateRunStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// StopActiveRunsTx marks every active run stopped. Registering a new
// run uses it to keep at most one run active.
func (r Repo) StopActiveRunsTx(ctx context.Context, tx *sql.Tx, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE runs SET status='stopped', updated_at=? WHERE status='active'`, updatedAt)
	return err
}

func (r Repo) InsertJudgementTx(ctx context.Context, tx *sql.Tx, rec domain.JudgementRecord) error {
	snapshot, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO judgements(id, run_id, verdict, reason_code, explanation, snapshot, evaluated_at, created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		rec.ID, rec.RunID, string(rec.Judgement.Verdict), rec.Judgement.ReasonCode, rec.Judgement.Explanation,
		string(snapshot), rec.Judgement.EvaluatedAt, rec.CreatedAt)
	return err
}

func (r Repo) GetJudgement(ctx context.Context, id string) (domain.JudgementRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, run_id, verdict, reason_code, explanation, snapshot, evaluated_at, created_at FROM judgements WHERE id=?`, id)
	return scanJudgement(row.Scan)
}

func (r Repo) ListJudgements(ctx context.Context, runID string, limit int) ([]domain.JudgementRecord, error) {
	query := `SELECT id, run_id, verdict, reason_code, explanation, snapshot, evaluated_at, created_at FROM judgements`
	var args []any
	if runID != "" {
		query += " WHERE run_id=?"
		args = append(args, runID)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JudgementRecord
	for rows.Next() {
		rec, err := scanJudgement(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func scanJudgement(scan func(dest ...any) error) (domain.JudgementRecord, error) {
	var rec domain.JudgementRecord
	var verdict, snapshot string
	err := scan(&rec.ID, &rec.RunID, &verdict, &rec.Judgement.ReasonCode, &rec.Judgement.Explanation,
		&snapshot, &rec.Judgement.EvaluatedAt, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Judgement.Verdict = domain.MissionVerdict(verdict)
	if err := json.Unmarshal([]byte(snapshot), &rec.Snapshot); err != nil {
		return rec, fmt.Errorf("unmarshal snapshot for judgement %s: %w", rec.ID, err)
	}
	return rec, nil
}
