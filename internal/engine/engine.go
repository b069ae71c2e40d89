package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/config"
	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/domain"
	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/events"
	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/factory"
	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/mission"
	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/repo"
	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/tower"
)

// Engine is the stateful shell around the pure judges: it invokes them
// once per artifact, persists what they decided and appends the audit
// event in the same transaction. The judges themselves never see the
// database.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// EvaluateOptions carries request-scoped provenance for an evaluation.
type EvaluateOptions struct {
	RunID string
	Actor string
}

// EvaluateLeads renders a verdict for a leads-list artifact and stores
// it together with the investigation that explains it.
func (e Engine) EvaluateLeads(ctx context.Context, a domain.LeadsArtifact, opts EvaluateOptions) (domain.VerdictRecord, error) {
	a = e.applyJudgeDefaults(a)
	v := tower.Evaluate(a)

	// The verdict already carries the final counts; the investigation
	// additionally records where each number came from.
	_, requestedSrc, _ := tower.ResolveRequested(a)
	_, deliveredSrc := tower.ResolveDelivered(a)

	now := e.now().UTC().Format(time.RFC3339)
	rec := domain.VerdictRecord{
		ID:        uuid.New().String(),
		Kind:      domain.KindLeadsList,
		Verdict:   v,
		CreatedAt: now,
	}
	if opts.RunID != "" {
		if _, err := e.Repo.GetRun(ctx, opts.RunID); err != nil {
			return domain.VerdictRecord{}, err
		}
		runID := opts.RunID
		rec.RunID = &runID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.VerdictRecord{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertVerdictTx(ctx, tx, rec); err != nil {
		return domain.VerdictRecord{}, fmt.Errorf("insert verdict: %w", err)
	}
	inv := domain.Investigation{
		ID:                uuid.New().String(),
		VerdictID:         rec.ID,
		Requested:         v.Requested,
		RequestedSource:   requestedSrc,
		Delivered:         v.Delivered,
		DeliveredSource:   deliveredSrc,
		ConstraintResults: v.ConstraintResults,
		Attempts:          a.AttemptHistory,
		CreatedAt:         now,
	}
	if _, err := e.Repo.CreateInvestigationTx(ctx, tx, inv); err != nil {
		return domain.VerdictRecord{}, fmt.Errorf("insert investigation: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.KindVerdictRendered, "verdict", rec.ID, opts.Actor, events.EventPayload{
		"kind":      rec.Kind,
		"verdict":   string(v.Verdict),
		"delivered": v.Delivered,
		"requested": v.Requested,
	}); err != nil {
		return domain.VerdictRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.VerdictRecord{}, err
	}
	return rec, nil
}

// applyJudgeDefaults fills service-level defaults the artifact left
// open. Values present on the artifact always win.
func (e Engine) applyJudgeDefaults(a domain.LeadsArtifact) domain.LeadsArtifact {
	if e.Config == nil {
		return a
	}
	if a.MaxReplans == nil && e.Config.Judge.DefaultMaxReplans != nil {
		v := *e.Config.Judge.DefaultMaxReplans
		a.MaxReplans = &v
	}
	if a.AllowRelaxSoftConstraints == nil && !e.Config.AllowRelax() {
		f := false
		a.AllowRelaxSoftConstraints = &f
	}
	return a
}

// JudgeOptions selects which run and criteria a snapshot is judged
// against.
type JudgeOptions struct {
	// RunID binds the judgement to a registered run. Empty falls back
	// to the active run, if any.
	RunID string
	// Criteria, when set, wins over the bound run's criteria.
	Criteria *domain.SuccessCriteria
	Actor    string
}

// JudgeMission judges a mission snapshot. When a run is bound the
// judgement is persisted against it, and a STOP verdict also stops the
// run. Unbound judgements are computed and returned without a trace.
func (e Engine) JudgeMission(ctx context.Context, snap domain.MissionSnapshot, opts JudgeOptions) (domain.JudgementRecord, error) {
	run, bound, err := e.resolveRun(ctx, opts.RunID)
	if err != nil {
		return domain.JudgementRecord{}, err
	}

	criteria := domain.SuccessCriteria{}
	if bound {
		criteria = run.Criteria
	}
	if opts.Criteria != nil {
		criteria = *opts.Criteria
	}

	j := mission.Judge(criteria, snap, e.now())
	now := e.now().UTC().Format(time.RFC3339)
	rec := domain.JudgementRecord{
		RunID:     run.ID,
		Judgement: j,
		Snapshot:  snap,
		CreatedAt: now,
	}
	if !bound {
		return rec, nil
	}
	rec.ID = uuid.New().String()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.JudgementRecord{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertJudgementTx(ctx, tx, rec); err != nil {
		return domain.JudgementRecord{}, fmt.Errorf("insert judgement: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.KindRunJudged, "run", run.ID, opts.Actor, events.EventPayload{
		"judgement_id": rec.ID,
		"verdict":      string(j.Verdict),
		"reason_code":  j.ReasonCode,
	}); err != nil {
		return domain.JudgementRecord{}, err
	}
	if j.Verdict == domain.MissionStop && run.Status == domain.RunActive {
		if err := e.Repo.UpdateRunStatusTx(ctx, tx, run.ID, domain.RunStopped, now); err != nil {
			return domain.JudgementRecord{}, err
		}
		if err := e.Events.Append(ctx, tx, events.KindRunStopped, "run", run.ID, opts.Actor, events.EventPayload{
			"reason_code": j.ReasonCode,
		}); err != nil {
			return domain.JudgementRecord{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.JudgementRecord{}, err
	}
	return rec, nil
}

// resolveRun finds the run a judgement belongs to: an explicit ID, or
// the single active run when one exists.
func (e Engine) resolveRun(ctx context.Context, runID string) (domain.Run, bool, error) {
	if runID != "" {
		run, err := e.Repo.GetRun(ctx, runID)
		if err != nil {
			return domain.Run{}, false, err
		}
		return run, true, nil
	}
	run, err := e.Repo.ActiveRun(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Run{}, false, nil
	}
	if err != nil {
		return domain.Run{}, false, err
	}
	return run, true, nil
}

// EvaluateFactory applies the scrap-rate rubric and stores the verdict.
func (e Engine) EvaluateFactory(ctx context.Context, a domain.FactoryArtifact, actor string) (domain.VerdictRecord, error) {
	v := factory.Evaluate(a, e.now())
	now := e.now().UTC().Format(time.RFC3339)
	rec := domain.VerdictRecord{
		ID:        uuid.New().String(),
		Kind:      domain.KindFactory,
		Verdict:   v,
		CreatedAt: now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.VerdictRecord{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertVerdictTx(ctx, tx, rec); err != nil {
		return domain.VerdictRecord{}, fmt.Errorf("insert verdict: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.KindVerdictRendered, "verdict", rec.ID, actor, events.EventPayload{
		"kind":    rec.Kind,
		"verdict": string(v.Verdict),
	}); err != nil {
		return domain.VerdictRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.VerdictRecord{}, err
	}
	return rec, nil
}

// RegisterRun records a new mission run. Any previously active run is
// stopped: at most one run is judged at a time.
func (e Engine) RegisterRun(ctx context.Context, goal string, criteria domain.SuccessCriteria, actor string) (domain.Run, error) {
	if goal == "" {
		return domain.Run{}, errors.New("goal is required")
	}
	now := e.now().UTC().Format(time.RFC3339)
	run := domain.Run{
		ID:        uuid.New().String(),
		Goal:      goal,
		Status:    domain.RunActive,
		Criteria:  criteria,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.StopActiveRunsTx(ctx, tx, now); err != nil {
		return domain.Run{}, err
	}
	if err := e.Repo.InsertRunTx(ctx, tx, run); err != nil {
		return domain.Run{}, fmt.Errorf("insert run: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.KindRunRegistered, "run", run.ID, actor, events.EventPayload{
		"goal": run.Goal,
	}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

// StopRun marks a run stopped. Stopping an already stopped run is a
// no-op so operators can retry safely.
func (e Engine) StopRun(ctx context.Context, runID, actor string) (domain.Run, error) {
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	// Read inside the transaction so a concurrent judgement cannot
	// stop the run between the check and the update.
	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Status == domain.RunStopped {
		return run, nil
	}
	if err := e.Repo.UpdateRunStatusTx(ctx, tx, run.ID, domain.RunStopped, now); err != nil {
		return domain.Run{}, err
	}
	if err := e.Events.Append(ctx, tx, events.KindRunStopped, "run", run.ID, actor, events.EventPayload{
		"reason_code": "OPERATOR_STOP",
	}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	run.Status = domain.RunStopped
	run.UpdatedAt = now
	return run, nil
}

// CreateAPIKey mints a credential and returns the secret exactly once;
// only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, name, role, actor string) (domain.APIKey, string, error) {
	if name == "" {
		return domain.APIKey{}, "", errors.New("name is required")
	}
	if role == "" {
		role = "viewer"
	}
	if e.Config != nil && len(e.Config.Auth.Roles) > 0 {
		if _, ok := e.Config.Auth.Roles[role]; !ok {
			return domain.APIKey{}, "", fmt.Errorf("unknown role %s", role)
		}
	}
	secret := "tower_" + randomToken()
	key := domain.APIKey{
		ID:        uuid.New().String(),
		Name:      name,
		Role:      role,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("insert api key: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.KindAPIKeyCreated, "apikey", key.ID, actor, events.EventPayload{
		"name": key.Name,
		"role": key.Role,
	}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

// RevokeAPIKey deletes a credential.
func (e Engine) RevokeAPIKey(ctx context.Context, id, actor string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteAPIKey(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.KindAPIKeyRevoked, "apikey", id, actor, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

func randomToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Errorf("failed to read random bytes: %w", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
