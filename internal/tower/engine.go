package tower

import (
	"fmt"
	"math"
	"strings"

	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/domain"
)

// Stop-reason codes. Input defects and circuit-breaker stops use the
// historical uppercase codes; constraint-analysis stops are lowercase.
const (
	StopMissingRequestedCount    = "MISSING_REQUESTED_COUNT"
	StopNoProgress               = "NO_PROGRESS"
	StopMaxReplansExhausted      = "MAX_REPLANS_EXHAUSTED"
	StopNoViableChanges          = "NO_VIABLE_CHANGES"
	StopNoFurtherProgress        = "NO_FURTHER_PROGRESS"
	StopHardConstraintImpossible = "hard_constraint_impossible"
)

// Gap codes.
const (
	GapUnderDelivered              = "UNDER_DELIVERED"
	GapLabelMisleading             = "LABEL_MISLEADING"
	GapVerifiedWithoutEvidence     = "VERIFIED_WITHOUT_EVIDENCE"
	GapVerifiedExactBelowRequested = "VERIFIED_EXACT_BELOW_REQUESTED"
	GapDeliverySummaryMismatch     = "DELIVERY_SUMMARY_MISMATCH"
)

// Evaluate renders a verdict for a leads-list artifact. It is pure:
// same artifact in, same verdict out, no clock and no I/O.
func Evaluate(a domain.LeadsArtifact) domain.Verdict {
	requested, _, haveRequested := ResolveRequested(a)
	delivered, deliveredSrc := ResolveDelivered(a)
	constraints := ResolveConstraints(a.Constraints)
	verified := a.VerifiedExactCount != nil
	results := EvaluateConstraints(constraints, a.Leads, verified)

	// When the lead list itself is the delivered source, only leads
	// that survive the name filters count toward the target.
	if deliveredSrc == DeliveredFromLeads && hasAnyName(constraints) {
		delivered = MatchingLeadCount(constraints, a.Leads)
	}

	if !haveRequested {
		v := stopVerdict(delivered, 0, results, StopMissingRequestedCount,
			"no requested lead count in the user request, the mission criteria, or the plan", 95)
		return finish(v, a)
	}

	if NoProgress(a.AttemptHistory) {
		last := a.AttemptHistory[len(a.AttemptHistory)-1]
		msg := fmt.Sprintf("plan v%d changed nothing measurable: radius %.0f km and %d delivered leads are identical to the previous attempt",
			last.PlanVersion, last.RadiusKm, last.DeliveredCount)
		v := stopVerdict(delivered, requested, results, StopNoProgress, msg, 90)
		return finish(v, a)
	}

	hardTotal, hardFailed, hardAllZero := hardFailures(results)
	replansAllowed := a.MaxReplans == nil || a.ReplansUsed < *a.MaxReplans
	suggestions := BuildSuggestions(SuggestionInput{
		Constraints:        constraints,
		RadiusKm:           a.RadiusKm,
		AllowRelaxSoft:     a.RelaxAllowed(),
		Delivered:          delivered,
		Requested:          requested,
		Attempts:           len(a.AttemptHistory),
		MaxReplans:         a.MaxReplans,
		VerifiedExternally: verified,
	})

	switch {
	case hardTotal > 0 && len(hardFailed) == hardTotal && hardAllZero:
		v := stopVerdict(delivered, requested, results, StopHardConstraintImpossible,
			fmt.Sprintf("no delivered lead satisfies any of the %d hard constraints, the constraint set cannot be met", hardTotal), 90)
		v.Gaps = hardGaps(hardFailed)
		return finish(v, a)

	case len(hardFailed) > 0:
		if !replansAllowed || len(suggestions) == 0 {
			v := stopNoLever(delivered, requested, results, replansAllowed, a, StopNoViableChanges, "no viable changes")
			v.Gaps = hardGaps(hardFailed)
			return finish(v, a)
		}
		first := hardFailed[0]
		v := newVerdict(domain.VerdictChangePlan, delivered, requested, results)
		v.Gaps = hardGaps(hardFailed)
		v.SuggestedChanges = suggestions
		v.Confidence = changePlanConfidence(delivered, requested)
		v.Rationale = fmt.Sprintf("hard constraint on %s fails (%d of %d leads match), the plan needs adjusting before results can be accepted",
			first.Constraint.Field, first.MatchedCount, first.TotalLeads)
		return finish(v, a)

	case delivered >= requested:
		v := newVerdict(domain.VerdictAccept, delivered, requested, results)
		v.Gaps = softGaps(results)
		v.Confidence = acceptConfidence(delivered, requested)
		v.Rationale = fmt.Sprintf("delivered %d of %d requested leads with all hard constraints satisfied", delivered, requested)
		if len(v.Gaps) > 0 {
			v.Rationale += fmt.Sprintf(", %d soft constraint(s) unmet", len(v.Gaps))
		}
		return finish(v, a)

	default:
		if !replansAllowed || len(suggestions) == 0 {
			v := stopNoLever(delivered, requested, results, replansAllowed, a, StopNoFurtherProgress, "no further progress possible")
			v.Gaps = append([]string{GapUnderDelivered}, softGaps(results)...)
			return finish(v, a)
		}
		v := newVerdict(domain.VerdictChangePlan, delivered, requested, results)
		v.Gaps = append([]string{GapUnderDelivered}, softGaps(results)...)
		v.SuggestedChanges = suggestions
		v.Confidence = changePlanConfidence(delivered, requested)
		v.Rationale = fmt.Sprintf("delivered %d of %d requested leads, adjusting the plan is likely to close the gap", delivered, requested)
		return finish(v, a)
	}
}

func newVerdict(code domain.VerdictCode, delivered, requested int, results []domain.ConstraintResult) domain.Verdict {
	return domain.Verdict{
		Verdict:           code,
		Action:            domain.ActionFor(code),
		Delivered:         delivered,
		Requested:         requested,
		Gaps:              []string{},
		SuggestedChanges:  []domain.SuggestedChange{},
		ConstraintResults: results,
	}
}

func stopVerdict(delivered, requested int, results []domain.ConstraintResult, code, message string, confidence int) domain.Verdict {
	v := newVerdict(domain.VerdictStop, delivered, requested, results)
	v.Gaps = []string{code}
	v.Confidence = confidence
	v.Rationale = message
	v.StopReason = &domain.StopReason{Code: code, Message: message}
	return v
}

// stopNoLever is the shared stop for runs that cannot be replanned:
// either the budget ran out or no suggestion could be built.
func stopNoLever(delivered, requested int, results []domain.ConstraintResult, replansAllowed bool, a domain.LeadsArtifact, fallbackCode, fallbackMsg string) domain.Verdict {
	if !replansAllowed {
		msg := fmt.Sprintf("replan budget exhausted (%d of %d used)", a.ReplansUsed, *a.MaxReplans)
		return stopVerdict(delivered, requested, results, StopMaxReplansExhausted, msg, 85)
	}
	return stopVerdict(delivered, requested, results, fallbackCode, fallbackMsg, 85)
}

// hardFailures reports the hard-constraint picture: how many hard
// constraints exist, which failed, and whether every hard constraint
// failed with zero matching leads.
func hardFailures(results []domain.ConstraintResult) (total int, failed []domain.ConstraintResult, allZero bool) {
	allZero = true
	for _, r := range results {
		if r.Constraint.Hardness != domain.Hard {
			continue
		}
		total++
		if r.Passed {
			allZero = false
			continue
		}
		failed = append(failed, r)
		if r.MatchedCount != 0 {
			allZero = false
		}
	}
	if total == 0 {
		allZero = false
	}
	return total, failed, allZero
}

func hardGaps(failed []domain.ConstraintResult) []string {
	gaps := make([]string, 0, len(failed))
	for _, r := range failed {
		gaps = append(gaps, "HARD_CONSTRAINT_FAILED:"+r.Constraint.Field)
	}
	return gaps
}

func softGaps(results []domain.ConstraintResult) []string {
	gaps := []string{}
	for _, r := range results {
		if r.Constraint.Hardness == domain.Soft && !r.Passed {
			gaps = append(gaps, "SOFT_CONSTRAINT_UNMET:"+r.Constraint.Field)
		}
	}
	return gaps
}

func hasAnyName(cs []domain.Constraint) bool {
	for _, c := range cs {
		if c.Type == domain.ConstraintNameContains || c.Type == domain.ConstraintNameStartsWith {
			return true
		}
	}
	return false
}

// acceptConfidence grows from 80 toward 95 as delivery overshoots the
// request.
func acceptConfidence(delivered, requested int) int {
	ratio := float64(delivered) / float64(requested)
	extra := math.Min(1, math.Max(0, ratio-1))
	return 80 + int(math.Round(15*extra))
}

// changePlanConfidence grows with the size of the gap: the further
// short the delivery, the clearer the case for replanning.
func changePlanConfidence(delivered, requested int) int {
	ratio := float64(delivered) / float64(requested)
	return 60 + int(math.Round(15*(1-math.Min(1, math.Max(0, ratio)))))
}

// finish applies the cross-cutting passes that run on every verdict:
// label honesty first, then the evidence overlay on accepts.
func finish(v domain.Verdict, a domain.LeadsArtifact) domain.Verdict {
	v = applyLabelHonesty(v, a)
	return ApplyEvidenceOverlay(v, a)
}

// applyLabelHonesty flags artifacts whose title or summary still
// advertises a constraint that was relaxed away during the run.
func applyLabelHonesty(v domain.Verdict, a domain.LeadsArtifact) domain.Verdict {
	if len(a.RelaxedConstraints) == 0 {
		return v
	}
	text := strings.TrimSpace(a.Title + " " + a.Summary)
	if text == "" {
		return v
	}
	for _, rc := range a.RelaxedConstraints {
		val := rc
		if i := strings.Index(rc, ":"); i >= 0 {
			val = strings.TrimSpace(rc[i+1:])
		}
		if val == "" || !containsWord(text, val) {
			continue
		}
		v.Gaps = append(v.Gaps, GapLabelMisleading)
		break
	}
	return v
}
