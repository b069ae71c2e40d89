package server

import (
	"encoding/json"

	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/domain"
)

// Request payloads

type EvaluateRequest struct {
	RunID           string                  `json:"run_id,omitempty"`
	SuccessCriteria *domain.SuccessCriteria `json:"success_criteria,omitempty"`
	Snapshot        domain.MissionSnapshot  `json:"snapshot"`
}

type RegisterRunRequest struct {
	Goal            string                  `json:"goal"`
	SuccessCriteria *domain.SuccessCriteria `json:"success_criteria,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name"`
	Role string `json:"role,omitempty" enum:"admin,judge,viewer"`
}

type TokenRequest struct {
	ActorID    string   `json:"actor_id"`
	Roles      []string `json:"roles,omitempty"`
	TTLSeconds int      `json:"ttl_seconds,omitempty"`
}

// Response payloads

type VerdictRecordResponse struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind" enum:"leads_list,factory"`
	RunID     *string        `json:"run_id,omitempty"`
	Verdict   domain.Verdict `json:"verdict"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type InvestigationResponse struct {
	ID                string                       `json:"id"`
	VerdictID         string                       `json:"verdict_id"`
	Requested         int                          `json:"requested"`
	RequestedSource   string                       `json:"requested_source"`
	Delivered         int                          `json:"delivered"`
	DeliveredSource   string                       `json:"delivered_source"`
	ConstraintResults []domain.ConstraintResult    `json:"constraint_results"`
	Attempts          []domain.AttemptHistoryEntry `json:"attempts"`
	CreatedAt         string                       `json:"created_at" format:"date-time"`
}

type JudgementResponse struct {
	ID          string                  `json:"id,omitempty"`
	RunID       string                  `json:"run_id,omitempty"`
	Verdict     domain.MissionVerdict   `json:"verdict" enum:"CONTINUE,STOP"`
	ReasonCode  string                  `json:"reason_code"`
	Explanation string                  `json:"explanation"`
	EvaluatedAt string                  `json:"evaluated_at" format:"date-time"`
	Snapshot    *domain.MissionSnapshot `json:"snapshot,omitempty"`
}

type RunResponse struct {
	ID        string                 `json:"id"`
	Goal      string                 `json:"goal"`
	Status    string                 `json:"status" enum:"active,stopped"`
	Criteria  domain.SuccessCriteria `json:"success_criteria"`
	CreatedAt string                 `json:"created_at" format:"date-time"`
	UpdatedAt string                 `json:"updated_at" format:"date-time"`
}

type APIKeyResponse struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Role       string  `json:"role"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
}

// CreateAPIKeyResponse carries the secret exactly once; only its hash
// is stored.
type CreateAPIKeyResponse struct {
	APIKeyResponse
	Key string `json:"key"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type EventResponse struct {
	ID        int64          `json:"id"`
	Kind      string         `json:"kind"`
	Entity    string         `json:"entity"`
	EntityID  string         `json:"entity_id,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type paginatedVerdicts struct {
	Items      []VerdictRecordResponse `json:"items"`
	NextCursor string                  `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func verdictRecordResponse(rec domain.VerdictRecord) VerdictRecordResponse {
	return VerdictRecordResponse(rec)
}

func investigationResponse(inv domain.Investigation) InvestigationResponse {
	return InvestigationResponse{
		ID:                inv.ID,
		VerdictID:         inv.VerdictID,
		Requested:         inv.Requested,
		RequestedSource:   inv.RequestedSource,
		Delivered:         inv.Delivered,
		DeliveredSource:   inv.DeliveredSource,
		ConstraintResults: nonNilSlice(inv.ConstraintResults),
		Attempts:          nonNilSlice(inv.Attempts),
		CreatedAt:         inv.CreatedAt,
	}
}

func judgementResponse(rec domain.JudgementRecord) JudgementResponse {
	resp := JudgementResponse{
		ID:          rec.ID,
		RunID:       rec.RunID,
		Verdict:     rec.Judgement.Verdict,
		ReasonCode:  rec.Judgement.ReasonCode,
		Explanation: rec.Judgement.Explanation,
		EvaluatedAt: rec.Judgement.EvaluatedAt,
	}
	if rec.ID != "" {
		snap := rec.Snapshot
		resp.Snapshot = &snap
	}
	return resp
}

func runResponse(run domain.Run) RunResponse {
	return RunResponse{
		ID:        run.ID,
		Goal:      run.Goal,
		Status:    run.Status,
		Criteria:  run.Criteria,
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
	}
}

func keyResponse(key domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:         key.ID,
		Name:       key.Name,
		Role:       key.Role,
		CreatedAt:  key.CreatedAt,
		LastUsedAt: key.LastUsedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:        e.ID,
		Kind:      e.Kind,
		Entity:    e.Entity,
		EntityID:  e.EntityID,
		Actor:     e.Actor,
		Payload:   decodeJSONMap(e.Payload),
		CreatedAt: e.CreatedAt,
	}
}

func mapRuns(items []domain.Run) []RunResponse {
	res := make([]RunResponse, 0, len(items))
	for _, run := range items {
		res = append(res, runResponse(run))
	}
	return res
}

func mapJudgements(items []domain.JudgementRecord) []JudgementResponse {
	res := make([]JudgementResponse, 0, len(items))
	for _, rec := range items {
		res = append(res, judgementResponse(rec))
	}
	return res
}

func mapKeys(items []domain.APIKey) []APIKeyResponse {
	res := make([]APIKeyResponse, 0, len(items))
	for _, key := range items {
		res = append(res, keyResponse(key))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
