package tower

import (
	"fmt"
	"strings"

	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/domain"
)

// ApplyEvidenceOverlay re-examines a base ACCEPT against the evidence
// signals and downgrades it to STOP when they contradict the result.
// Artifacts without per-lead verified/evidence fields predate the
// evidence pipeline and are left untouched. Leads that are unverified
// or explicitly verified:false are never penalized here.
func ApplyEvidenceOverlay(v domain.Verdict, a domain.LeadsArtifact) domain.Verdict {
	if v.Verdict != domain.VerdictAccept || !hasEvidenceFields(a.Leads) {
		return v
	}
	if name, ok := verifiedWithoutEvidence(a.Leads); ok {
		return downgrade(v, GapVerifiedWithoutEvidence,
			fmt.Sprintf("lead %q is marked verified but carries no evidence", name))
	}
	if a.VerifiedExactCount != nil && *a.VerifiedExactCount < v.Requested {
		return downgrade(v, GapVerifiedExactBelowRequested,
			fmt.Sprintf("only %d verified exact leads against %d requested", *a.VerifiedExactCount, v.Requested))
	}
	if strings.EqualFold(a.DeliverySummary, "PASS") && strings.EqualFold(a.TowerVerdict, string(domain.VerdictStop)) {
		return downgrade(v, GapDeliverySummaryMismatch,
			"delivery summary reports PASS while the recorded run verdict was STOP")
	}
	return v
}

func hasEvidenceFields(leads []domain.Lead) bool {
	for _, l := range leads {
		if l.Verified != nil || strings.TrimSpace(l.Evidence) != "" {
			return true
		}
	}
	return false
}

func verifiedWithoutEvidence(leads []domain.Lead) (string, bool) {
	for _, l := range leads {
		if l.Verified != nil && *l.Verified && strings.TrimSpace(l.Evidence) == "" {
			return l.Name, true
		}
	}
	return "", false
}

// downgrade converts an accept into an evidence stop. The overlay gap
// leads the list; gaps already found stay behind it.
func downgrade(v domain.Verdict, code, message string) domain.Verdict {
	v.Verdict = domain.VerdictStop
	v.Action = domain.ActionStop
	v.Gaps = append([]string{code}, v.Gaps...)
	v.SuggestedChanges = []domain.SuggestedChange{}
	v.Confidence = 95
	v.Rationale = message
	v.StopReason = &domain.StopReason{Code: code, Message: message}
	return v
}
