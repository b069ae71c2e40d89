package tower

import (
	"encoding/json"
	"testing"

	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/domain"
)

func intp(n int) *int { return &n }

func boolp(b bool) *bool { return &b }

func leadsNamed(names ...string) []domain.Lead {
	out := make([]domain.Lead, 0, len(names))
	for _, n := range names {
		out = append(out, domain.Lead{Name: n})
	}
	return out
}

func assertPaired(t *testing.T, v domain.Verdict) {
	t.Helper()
	if v.Action != domain.ActionFor(v.Verdict) {
		t.Fatalf("verdict %s paired with action %s", v.Verdict, v.Action)
	}
	if v.Gaps == nil || v.SuggestedChanges == nil {
		t.Fatalf("gaps and suggested_changes must never be nil")
	}
}

func TestEvaluateAcceptsStrictDelivery(t *testing.T) {
	names := make([]string, 13)
	for i := range names {
		names[i] = "Harbour Partners " + string(rune('A'+i))
	}
	a := domain.LeadsArtifact{
		RequestedCountUser: intp(4),
		Leads:              leadsNamed(names...),
		Constraints: []domain.RawConstraint{
			{Type: "NAME_CONTAINS", Value: "Partners", Hardness: "hard"},
		},
	}
	v := Evaluate(a)
	assertPaired(t, v)
	if v.Verdict != domain.VerdictAccept {
		t.Fatalf("expected ACCEPT, got %s (%s)", v.Verdict, v.Rationale)
	}
	if v.Delivered != 13 || v.Requested != 4 {
		t.Fatalf("expected 13/4, got %d/%d", v.Delivered, v.Requested)
	}
	if v.Confidence < 80 {
		t.Fatalf("expected confidence >= 80, got %d", v.Confidence)
	}
	if len(v.Gaps) != 0 {
		t.Fatalf("expected no gaps, got %v", v.Gaps)
	}
	if v.StopReason != nil {
		t.Fatalf("unexpected stop reason %+v", v.StopReason)
	}
}

func TestEvaluateMissingRequestedCount(t *testing.T) {
	a := domain.LeadsArtifact{Leads: leadsNamed("Alpha Ltd", "Beta Ltd")}
	v := Evaluate(a)
	assertPaired(t, v)
	if v.Verdict != domain.VerdictStop {
		t.Fatalf("expected STOP, got %s", v.Verdict)
	}
	if v.StopReason == nil || v.StopReason.Code != StopMissingRequestedCount {
		t.Fatalf("expected %s, got %+v", StopMissingRequestedCount, v.StopReason)
	}
	if v.Confidence != 95 {
		t.Fatalf("expected confidence 95, got %d", v.Confidence)
	}
}

func TestEvaluateRequestedCountLadder(t *testing.T) {
	a := domain.LeadsArtifact{
		RequestedCountUser: intp(4),
		SuccessCriteria:    &domain.SuccessCriteria{TargetLeads: intp(9)},
		RequestedCount:     intp(20),
		DeliveredCount:     intp(5),
	}
	v := Evaluate(a)
	if v.Requested != 4 {
		t.Fatalf("user request must win the ladder, got %d", v.Requested)
	}
	a.RequestedCountUser = nil
	if v := Evaluate(a); v.Requested != 9 {
		t.Fatalf("criteria target must win over generic count, got %d", v.Requested)
	}
	a.SuccessCriteria = nil
	if v := Evaluate(a); v.Requested != 20 {
		t.Fatalf("generic count is the last resort, got %d", v.Requested)
	}
}

func TestEvaluateChangePlanPrefersExpandOverRelax(t *testing.T) {
	a := domain.LeadsArtifact{
		RequestedCountUser: intp(5),
		RadiusKm:           10,
		Leads:              leadsNamed("Pinnacle Consulting"),
		Constraints: []domain.RawConstraint{
			{Type: "NAME_STARTS_WITH", Value: "P", Hardness: "hard"},
			{Type: "LOCATION", Value: "Bristol", Hardness: "soft"},
		},
	}
	v := Evaluate(a)
	assertPaired(t, v)
	if v.Verdict != domain.VerdictChangePlan {
		t.Fatalf("expected CHANGE_PLAN, got %s (%s)", v.Verdict, v.Rationale)
	}
	if v.Delivered != 1 {
		t.Fatalf("expected delivered 1, got %d", v.Delivered)
	}
	var sawExpand bool
	for _, sc := range v.SuggestedChanges {
		switch sc.Type {
		case domain.ChangeExpandArea:
			sawExpand = true
			if sc.To != 20.0 {
				t.Fatalf("expected doubled radius 20, got %v", sc.To)
			}
		case domain.ChangeRelaxConstraint:
			t.Fatalf("hard prefix constraint must not be relaxed: %+v", sc)
		}
	}
	if !sawExpand {
		t.Fatalf("expected an EXPAND_AREA suggestion, got %+v", v.SuggestedChanges)
	}
}

func TestEvaluateImpossibleHardConstraint(t *testing.T) {
	a := domain.LeadsArtifact{
		RequestedCountUser: intp(4),
		Leads:              leadsNamed("Alpha Ltd", "Beta Ltd"),
		Constraints: []domain.RawConstraint{
			{Type: "NAME_CONTAINS", Value: "Quantum", Hardness: "hard"},
		},
	}
	v := Evaluate(a)
	assertPaired(t, v)
	if v.Verdict != domain.VerdictStop {
		t.Fatalf("expected STOP, got %s", v.Verdict)
	}
	if v.StopReason == nil || v.StopReason.Code != StopHardConstraintImpossible {
		t.Fatalf("expected %s, got %+v", StopHardConstraintImpossible, v.StopReason)
	}
	if len(v.Gaps) != 1 || v.Gaps[0] != "HARD_CONSTRAINT_FAILED:name" {
		t.Fatalf("expected hard failure gap, got %v", v.Gaps)
	}
}

func TestEvaluateNoProgressCircuitBreaker(t *testing.T) {
	a := domain.LeadsArtifact{
		RequestedCountUser: intp(10),
		DeliveredCount:     intp(2),
		AttemptHistory: []domain.AttemptHistoryEntry{
			{PlanVersion: 3, RadiusKm: 10, DeliveredCount: 2},
			{PlanVersion: 4, RadiusKm: 10, DeliveredCount: 2},
		},
	}
	v := Evaluate(a)
	assertPaired(t, v)
	if v.Verdict != domain.VerdictStop {
		t.Fatalf("expected STOP, got %s", v.Verdict)
	}
	if v.StopReason == nil || v.StopReason.Code != StopNoProgress {
		t.Fatalf("expected %s, got %+v", StopNoProgress, v.StopReason)
	}
}

func TestEvaluateProgressResetsGuard(t *testing.T) {
	a := domain.LeadsArtifact{
		RequestedCountUser: intp(10),
		DeliveredCount:     intp(4),
		AttemptHistory: []domain.AttemptHistoryEntry{
			{PlanVersion: 3, RadiusKm: 10, DeliveredCount: 2},
			{PlanVersion: 4, RadiusKm: 20, DeliveredCount: 4},
		},
	}
	v := Evaluate(a)
	if v.Verdict == domain.VerdictStop {
		t.Fatalf("radius change is progress, got STOP (%s)", v.Rationale)
	}
}

func TestEvaluateMaxReplansExhausted(t *testing.T) {
	a := domain.LeadsArtifact{
		RequestedCountUser: intp(5),
		DeliveredCount:     intp(1),
		ReplansUsed:        2,
		MaxReplans:         intp(2),
	}
	v := Evaluate(a)
	assertPaired(t, v)
	if v.Verdict != domain.VerdictStop {
		t.Fatalf("expected STOP, got %s", v.Verdict)
	}
	if v.StopReason == nil || v.StopReason.Code != StopMaxReplansExhausted {
		t.Fatalf("expected %s, got %+v", StopMaxReplansExhausted, v.StopReason)
	}
	if v.Gaps[0] != GapUnderDelivered {
		t.Fatalf("expected %s gap first, got %v", GapUnderDelivered, v.Gaps)
	}
}

func TestEvaluateCountMinUsesFilteredDelivered(t *testing.T) {
	a := domain.LeadsArtifact{
		RequestedCountUser: intp(4),
		Leads: leadsNamed(
			"Harbour Solicitors",
			"Quayside Solicitors",
			"Baker & Sons",
			"Corner Bakery",
			"Alpha Plumbing",
			"Beta Roofing",
		),
		Constraints: []domain.RawConstraint{
			{Type: "NAME_CONTAINS", Value: "Solicitors", Hardness: "hard"},
			{Type: "COUNT_MIN", Value: float64(4)},
		},
	}
	v := Evaluate(a)
	assertPaired(t, v)
	if v.Delivered != 2 {
		t.Fatalf("delivered must be the post-filter count 2, got %d", v.Delivered)
	}
	if v.Verdict != domain.VerdictChangePlan {
		t.Fatalf("expected CHANGE_PLAN, got %s (%s)", v.Verdict, v.Rationale)
	}
	var countResult *domain.ConstraintResult
	for i := range v.ConstraintResults {
		if v.ConstraintResults[i].Constraint.Type == domain.ConstraintCountMin {
			countResult = &v.ConstraintResults[i]
		}
	}
	if countResult == nil {
		t.Fatalf("missing COUNT_MIN result: %+v", v.ConstraintResults)
	}
	if countResult.MatchedCount != 2 || countResult.Passed {
		t.Fatalf("COUNT_MIN must fail on filtered count 2, got %+v", countResult)
	}
}

func TestEvaluateDeliveredCounterFallback(t *testing.T) {
	a := domain.LeadsArtifact{
		RequestedCountUser: intp(5),
		DeliveredCount:     intp(7),
	}
	v := Evaluate(a)
	if v.Verdict != domain.VerdictAccept || v.Delivered != 7 {
		t.Fatalf("expected ACCEPT with delivered 7, got %s/%d", v.Verdict, v.Delivered)
	}
}

func TestEvaluateLabelHonesty(t *testing.T) {
	a := domain.LeadsArtifact{
		Title:              "Chartered Accountancy Partners in Bristol",
		RequestedCountUser: intp(2),
		Leads:              leadsNamed("Alpha Ltd", "Beta Ltd", "Gamma Ltd"),
		RelaxedConstraints: []string{"NAME_CONTAINS:Partners"},
	}
	v := Evaluate(a)
	if v.Verdict != domain.VerdictAccept {
		t.Fatalf("expected ACCEPT, got %s (%s)", v.Verdict, v.Rationale)
	}
	if len(v.Gaps) != 1 || v.Gaps[0] != GapLabelMisleading {
		t.Fatalf("expected %s gap, got %v", GapLabelMisleading, v.Gaps)
	}
}

func TestEvaluateLabelHonestyIgnoresAbsentTerm(t *testing.T) {
	a := domain.LeadsArtifact{
		Title:              "Business leads in Bristol",
		RequestedCountUser: intp(2),
		Leads:              leadsNamed("Alpha Ltd", "Beta Ltd"),
		RelaxedConstraints: []string{"NAME_CONTAINS:Partners"},
	}
	v := Evaluate(a)
	for _, g := range v.Gaps {
		if g == GapLabelMisleading {
			t.Fatalf("term no longer advertised, gap is wrong: %v", v.Gaps)
		}
	}
}

func TestEvaluateVerifiedWithoutEvidence(t *testing.T) {
	a := domain.LeadsArtifact{
		RequestedCountUser: intp(2),
		Leads: []domain.Lead{
			{Name: "Alpha Ltd", Verified: boolp(true), Evidence: "https://example.org/a"},
			{Name: "Beta Ltd", Verified: boolp(true)},
			{Name: "Gamma Ltd", Verified: boolp(true), Evidence: "https://example.org/c"},
		},
	}
	v := Evaluate(a)
	assertPaired(t, v)
	if v.Verdict != domain.VerdictStop {
		t.Fatalf("expected STOP, got %s (%s)", v.Verdict, v.Rationale)
	}
	if v.StopReason == nil || v.StopReason.Code != GapVerifiedWithoutEvidence {
		t.Fatalf("expected %s, got %+v", GapVerifiedWithoutEvidence, v.StopReason)
	}
	if v.Gaps[0] != GapVerifiedWithoutEvidence {
		t.Fatalf("overlay gap must lead, got %v", v.Gaps)
	}
	if v.Confidence != 95 {
		t.Fatalf("expected confidence 95, got %d", v.Confidence)
	}
}

func TestEvaluateUnverifiedLeadIsNotPenalized(t *testing.T) {
	a := domain.LeadsArtifact{
		RequestedCountUser: intp(2),
		Leads: []domain.Lead{
			{Name: "Alpha Ltd", Verified: boolp(false)},
			{Name: "Beta Ltd", Verified: boolp(true), Evidence: "https://example.org/b"},
			{Name: "Gamma Ltd"},
		},
	}
	v := Evaluate(a)
	if v.Verdict != domain.VerdictAccept {
		t.Fatalf("expected ACCEPT, got %s (%s)", v.Verdict, v.Rationale)
	}
}

func TestEvaluateLegacyArtifactSkipsOverlay(t *testing.T) {
	a := domain.LeadsArtifact{
		RequestedCountUser: intp(2),
		Leads:              leadsNamed("Alpha Ltd", "Beta Ltd"),
		DeliverySummary:    "PASS",
		TowerVerdict:       "STOP",
	}
	v := Evaluate(a)
	if v.Verdict != domain.VerdictAccept {
		t.Fatalf("legacy artifacts bypass the overlay, got %s (%s)", v.Verdict, v.Rationale)
	}
}

func TestEvaluateDeliverySummaryMismatch(t *testing.T) {
	a := domain.LeadsArtifact{
		RequestedCountUser: intp(2),
		Leads: []domain.Lead{
			{Name: "Alpha Ltd", Verified: boolp(true), Evidence: "https://example.org/a"},
			{Name: "Beta Ltd", Verified: boolp(true), Evidence: "https://example.org/b"},
		},
		DeliverySummary: "PASS",
		TowerVerdict:    "STOP",
	}
	v := Evaluate(a)
	if v.Verdict != domain.VerdictStop {
		t.Fatalf("expected STOP, got %s", v.Verdict)
	}
	if v.StopReason == nil || v.StopReason.Code != GapDeliverySummaryMismatch {
		t.Fatalf("expected %s, got %+v", GapDeliverySummaryMismatch, v.StopReason)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	a := domain.LeadsArtifact{
		RequestedCountUser: intp(5),
		RadiusKm:           10,
		Leads:              leadsNamed("Pinnacle Consulting", "Quayside Solicitors"),
		Constraints: []domain.RawConstraint{
			{Type: "NAME_STARTS_WITH", Value: "P", Hardness: "hard"},
			{Type: "LOCATION", Value: "Bristol", Hardness: "soft"},
		},
		AttemptHistory: []domain.AttemptHistoryEntry{{PlanVersion: 1, RadiusKm: 10, DeliveredCount: 2}},
	}
	first, err := json.Marshal(Evaluate(a))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for i := 0; i < 5; i++ {
		next, err := json.Marshal(Evaluate(a))
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if string(next) != string(first) {
			t.Fatalf("verdict changed between runs:\n%s\n%s", first, next)
		}
	}
}
