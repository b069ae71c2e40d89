package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertVerdictTx(ctx context.Context, tx *sql.Tx, rec domain.VerdictRecord) error {
	payload, err := json.Marshal(rec.Verdict)
	if err != nil {
		return fmt.Errorf("marshal verdict: %w", err)
	}
	var stopCode any
	if rec.Verdict.StopReason != nil {
		stopCode = rec.Verdict.StopReason.Code
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO verdicts(id,kind,run_id,verdict,action,delivered,requested,confidence,rationale,stop_code,payload,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Kind, nullableStringPtr(rec.RunID), string(rec.Verdict.Verdict), string(rec.Verdict.Action),
		rec.Verdict.Delivered, rec.Verdict.Requested, rec.Verdict.Confidence, rec.Verdict.Rationale,
		stopCode, string(payload), rec.CreatedAt)
	return err
}

func scanVerdict(scan func(dest ...any) error) (domain.VerdictRecord, error) {
	var rec domain.VerdictRecord
	var runID sql.NullString
	var payload string
	err := scan(&rec.ID, &rec.Kind, &runID, &payload, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if runID.Valid {
		rec.RunID = &runID.String
	}
	if err := json.Unmarshal([]byte(payload), &rec.Verdict); err != nil {
		return rec, fmt.Errorf("unmarshal verdict %s: %w", rec.ID, err)
	}
	return rec, nil
}

func (r Repo) GetVerdict(ctx context.Context, id string) (domain.VerdictRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,kind,run_id,payload,created_at FROM verdicts WHERE id=?`, id)
	return scanVerdict(row.Scan)
}

type VerdictFilters struct {
	Kind            string
	RunID           string
	Verdict         string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListVerdicts(ctx context.Context, f VerdictFilters) ([]domain.VerdictRecord, error) {
	var clauses []string
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.Verdict != "" {
		clauses = append(clauses, "verdict=?")
		args = append(args, f.Verdict)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,kind,run_id,payload,created_at FROM verdicts ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VerdictRecord
	for rows.Next() {
		rec, err := scanVerdict(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (r Repo) CountVerdictsByOutcome(ctx context.Context, kind string) (map[string]int, error) {
	clause := ""
	var args []any
	if kind != "" {
		clause = "WHERE kind=?"
		args = append(args, kind)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT verdict, count(*) FROM verdicts `+clause+` GROUP BY verdict`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var verdict string
		var count int
		if err := rows.Scan(&verdict, &count); err != nil {
			return nil, err
		}
		res[verdict] = count
	}
	return res, rows.Err()
}

type EventFilters struct {
	Kind     string
	Entity   string
	EntityID string
}

func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilters) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, f)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Entity != "" {
		clauses = append(clauses, "entity=?")
		args = append(args, f.Entity)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,kind,entity,entity_id,actor,payload,created_at FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,kind,entity,entity_id,actor,payload,created_at FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.Kind, &e.Entity, &e.EntityID, &e.Actor, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
