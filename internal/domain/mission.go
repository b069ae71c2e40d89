package domain

// SuccessCriteria are the declarative targets and budgets a mission
// runs under. Every field is optional; a nil field disables the
// corresponding judge rule.
type SuccessCriteria struct {
	TargetLeads       *int     `json:"target_leads,omitempty"`
	MaxCostGBP        *float64 `json:"max_cost_gbp,omitempty"`
	MaxCostPerLeadGBP *float64 `json:"max_cost_per_lead_gbp,omitempty"`
	MinQualityScore   *float64 `json:"min_quality_score,omitempty"`
	MaxFailures       *int     `json:"max_failures,omitempty"`
	StallWindowMin    *int     `json:"stall_window_minutes,omitempty"`
	StallMinDelta     *int     `json:"stall_min_delta_leads,omitempty"`
}

// MissionSnapshot is the current state of a running mission.
type MissionSnapshot struct {
	LeadsFound         int      `json:"leads_found"`
	LeadsNewLastWindow *int     `json:"leads_new_last_window,omitempty"`
	CostGBP            float64  `json:"cost_gbp"`
	QualityScore       *float64 `json:"quality_score,omitempty"`
	Failures           int      `json:"failures"`
}

// MissionVerdict says whether a mission should keep running.
type MissionVerdict string

const (
	MissionContinue MissionVerdict = "CONTINUE"
	MissionStop     MissionVerdict = "STOP"
)

// Judgement is the outcome of judging one mission snapshot.
type Judgement struct {
	Verdict     MissionVerdict `json:"verdict"`
	ReasonCode  string         `json:"reason_code"`
	Explanation string         `json:"explanation"`
	EvaluatedAt string         `json:"evaluated_at"`
}

// JudgementRecord is a persisted judgement tied to a run.
type JudgementRecord struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Judgement Judgement       `json:"judgement"`
	Snapshot  MissionSnapshot `json:"snapshot"`
	CreatedAt string          `json:"created_at"`
}

// Run statuses.
const (
	RunActive  = "active"
	RunStopped = "stopped"
)

// Run is a registered mission: a goal plus the criteria it is judged
// against. At most one run is active at a time.
type Run struct {
	ID        string          `json:"id"`
	Goal      string          `json:"goal"`
	Status    string          `json:"status" enum:"active,stopped"`
	Criteria  SuccessCriteria `json:"criteria"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}
