package domain

import (
	"encoding/json"
	"strings"
)

// VerdictCode is the top-level outcome of an evaluation.
type VerdictCode string

const (
	VerdictAccept     VerdictCode = "ACCEPT"
	VerdictChangePlan VerdictCode = "CHANGE_PLAN"
	VerdictStop       VerdictCode = "STOP"
)

// Action is the downstream instruction paired with a verdict.
type Action string

const (
	ActionContinue   Action = "continue"
	ActionChangePlan Action = "change_plan"
	ActionStop       Action = "stop"
)

// ActionFor returns the action that belongs to a verdict. Verdict and
// action always travel as a pair; callers must not combine them freely.
func ActionFor(v VerdictCode) Action {
	switch v {
	case VerdictAccept:
		return ActionContinue
	case VerdictChangePlan:
		return ActionChangePlan
	default:
		return ActionStop
	}
}

// ConstraintType identifies how a constraint is checked against leads.
type ConstraintType string

const (
	ConstraintNameContains   ConstraintType = "NAME_CONTAINS"
	ConstraintNameStartsWith ConstraintType = "NAME_STARTS_WITH"
	ConstraintLocation       ConstraintType = "LOCATION"
	ConstraintCountMin       ConstraintType = "COUNT_MIN"
)

// Hardness says whether failing the constraint blocks acceptance.
type Hardness string

const (
	Hard Hardness = "hard"
	Soft Hardness = "soft"
)

// Constraint is the canonical form every input shape resolves to.
// Hardness is always explicit after resolution.
type Constraint struct {
	Type     ConstraintType `json:"type"`
	Field    string         `json:"field"`
	Value    string         `json:"value,omitempty"`
	Min      int            `json:"min,omitempty"`
	Hardness Hardness       `json:"hardness"`
}

// RawConstraint accepts the three constraint shapes planners emit:
// legacy "TYPE:value" strings, typed objects, and planner objects that
// carry an operator plus a hard flag. Unknown shapes decode without
// error and are dropped during resolution.
type RawConstraint struct {
	Type     string `json:"type,omitempty"`
	Field    string `json:"field,omitempty"`
	Value    any    `json:"value,omitempty"`
	Hardness string `json:"hardness,omitempty"`
	Operator string `json:"operator,omitempty"`
	Hard     *bool  `json:"hard,omitempty"`

	// Legacy holds the raw string form when the element was a bare
	// "TYPE:value" string rather than an object.
	Legacy string `json:"-"`
}

func (c *RawConstraint) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if strings.HasPrefix(s, `"`) {
		var legacy string
		if err := json.Unmarshal(data, &legacy); err != nil {
			return err
		}
		*c = RawConstraint{Legacy: legacy}
		return nil
	}
	type alias RawConstraint
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = RawConstraint(a)
	return nil
}

func (c RawConstraint) MarshalJSON() ([]byte, error) {
	if c.Legacy != "" {
		return json.Marshal(c.Legacy)
	}
	type alias RawConstraint
	return json.Marshal(alias(c))
}

// ConstraintResult reports how one canonical constraint fared against
// the delivered leads.
type ConstraintResult struct {
	Constraint   Constraint `json:"constraint"`
	MatchedCount int        `json:"matched_count"`
	TotalLeads   int        `json:"total_leads"`
	Passed       bool       `json:"passed"`

	// Unverified marks a hard location constraint that passed only
	// because no external verification signal was available.
	Unverified bool `json:"unverified,omitempty"`
}

// Lead is one delivered lead. Only the fields the evaluator inspects
// are modelled; collectors may attach arbitrary extra fields which are
// ignored.
type Lead struct {
	Name     string `json:"name"`
	Address  string `json:"address,omitempty"`
	Verified *bool  `json:"verified,omitempty"`
	Evidence string `json:"evidence,omitempty"`
}

// AttemptHistoryEntry is one prior attempt, ordered by plan version
// ascending.
type AttemptHistoryEntry struct {
	PlanVersion    int     `json:"plan_version"`
	RadiusKm       float64 `json:"radius_km"`
	DeliveredCount int     `json:"delivered_count"`
}

// LeadsArtifact is the raw evaluation input produced by a
// lead-generation run. Every field is optional; the evaluator
// normalizes whatever subset is present.
type LeadsArtifact struct {
	Title              string           `json:"title,omitempty"`
	Summary            string           `json:"summary,omitempty"`
	Leads              []Lead           `json:"leads,omitempty"`
	Constraints        []RawConstraint  `json:"constraints,omitempty"`
	RelaxedConstraints []string         `json:"relaxed_constraints,omitempty"`
	RequestedCountUser *int             `json:"requested_count_user,omitempty"`
	RequestedCount     *int             `json:"requested_count,omitempty"`
	SuccessCriteria    *SuccessCriteria `json:"success_criteria,omitempty"`

	VerifiedExactCount *int `json:"verified_exact_count,omitempty"`
	DeliveredMatching  *int `json:"delivered_matching,omitempty"`
	DeliveredCount     *int `json:"delivered_count,omitempty"`

	RadiusKm                  float64               `json:"radius_km,omitempty"`
	AttemptHistory            []AttemptHistoryEntry `json:"attempt_history,omitempty"`
	ReplansUsed               int                   `json:"replans_used,omitempty"`
	MaxReplans                *int                  `json:"max_replans,omitempty"`
	AllowRelaxSoftConstraints *bool                 `json:"allow_relax_soft_constraints,omitempty"`

	DeliverySummary string `json:"delivery_summary,omitempty"`
	TowerVerdict    string `json:"tower_verdict,omitempty"`
}

// RelaxAllowed reports whether soft constraints may be relaxed.
// Absent means allowed.
func (a LeadsArtifact) RelaxAllowed() bool {
	return a.AllowRelaxSoftConstraints == nil || *a.AllowRelaxSoftConstraints
}

// ChangeType enumerates the plan adjustments an evaluator can suggest.
type ChangeType string

const (
	ChangeRelaxConstraint      ChangeType = "RELAX_CONSTRAINT"
	ChangeExpandArea           ChangeType = "EXPAND_AREA"
	ChangeIncreaseSearchBudget ChangeType = "INCREASE_SEARCH_BUDGET"
	ChangeChangeQuery          ChangeType = "CHANGE_QUERY"
	ChangeAddVerificationStep  ChangeType = "ADD_VERIFICATION_STEP"
	ChangeStopCondition        ChangeType = "STOP_CONDITION"
	ChangeSwitchMachineProfile ChangeType = "SWITCH_MACHINE_PROFILE"
)

// SuggestedChange is one concrete, actionable plan adjustment. From
// and To are null, a number, or a string depending on the change type.
type SuggestedChange struct {
	Type   ChangeType `json:"type"`
	Field  string     `json:"field"`
	From   any        `json:"from"`
	To     any        `json:"to"`
	Reason string     `json:"reason"`
}

// StopReason explains a STOP verdict with a stable machine code and a
// human message.
type StopReason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Verdict is the full evaluation outcome for an artifact.
type Verdict struct {
	Verdict           VerdictCode        `json:"verdict"`
	Action            Action             `json:"action"`
	Delivered         int                `json:"delivered"`
	Requested         int                `json:"requested"`
	Gaps              []string           `json:"gaps"`
	Confidence        int                `json:"confidence"`
	Rationale         string             `json:"rationale"`
	SuggestedChanges  []SuggestedChange  `json:"suggested_changes"`
	ConstraintResults []ConstraintResult `json:"constraint_results,omitempty"`
	StopReason        *StopReason        `json:"stop_reason,omitempty"`
}

// Artifact kinds as persisted alongside verdicts.
const (
	KindLeadsList       = "leads_list"
	KindMissionSnapshot = "mission_snapshot"
	KindFactory         = "factory"
)

// VerdictRecord is a persisted verdict with its provenance.
type VerdictRecord struct {
	ID        string  `json:"id"`
	Kind      string  `json:"kind" enum:"leads_list,factory"`
	RunID     *string `json:"run_id,omitempty"`
	Verdict   Verdict `json:"verdict"`
	CreatedAt string  `json:"created_at"`
}

// Investigation is the persisted audit trail behind one verdict: the
// normalized snapshot the decision was made from.
type Investigation struct {
	ID                string                `json:"id"`
	VerdictID         string                `json:"verdict_id"`
	Requested         int                   `json:"requested"`
	RequestedSource   string                `json:"requested_source"`
	Delivered         int                   `json:"delivered"`
	DeliveredSource   string                `json:"delivered_source"`
	ConstraintResults []ConstraintResult    `json:"constraint_results,omitempty"`
	Attempts          []AttemptHistoryEntry `json:"attempts,omitempty"`
	CreatedAt         string                `json:"created_at"`
}

// APIKey is a stored service credential. The secret itself is only
// returned once, at creation time; the database keeps its hash.
type APIKey struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Role       string  `json:"role"`
	KeyHash    string  `json:"-"`
	CreatedAt  string  `json:"created_at"`
	LastUsedAt *string `json:"last_used_at,omitempty"`
}

// Event is one append-only audit log entry.
type Event struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"`
	Entity    string `json:"entity"`
	EntityID  string `json:"entity_id"`
	Actor     string `json:"actor,omitempty"`
	Payload   string `json:"payload,omitempty"`
	CreatedAt string `json:"created_at"`
}
