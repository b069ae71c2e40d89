package mission

import (
	"fmt"
	"time"

	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/domain"
)

// Judgement reason codes, in evaluation order. The first matching rule
// wins.
const (
	ReasonSuccess  = "SUCCESS_ACHIEVED"
	ReasonCost     = "COST_EXCEEDED"
	ReasonCPL      = "CPL_EXCEEDED"
	ReasonFailures = "FAILURES_EXCEEDED"
	ReasonStall    = "STALL_DETECTED"
	ReasonRunning  = "RUNNING"
)

// Judge decides whether a mission should keep running. Rules whose
// criteria are absent are skipped entirely, so a mission with no cost
// ceiling can never stop on cost. Judge is pure: the clock comes in as
// an argument and only stamps the result.
func Judge(criteria domain.SuccessCriteria, snap domain.MissionSnapshot, now time.Time) domain.Judgement {
	at := now.UTC().Format(time.RFC3339)

	if criteria.TargetLeads != nil && snap.LeadsFound >= *criteria.TargetLeads &&
		qualityMet(criteria, snap) && costWithin(criteria, snap) {
		return domain.Judgement{
			Verdict:     domain.MissionStop,
			ReasonCode:  ReasonSuccess,
			Explanation: successExplanation(criteria, snap),
			EvaluatedAt: at,
		}
	}

	if criteria.MaxCostGBP != nil && snap.CostGBP > *criteria.MaxCostGBP {
		return domain.Judgement{
			Verdict:     domain.MissionStop,
			ReasonCode:  ReasonCost,
			Explanation: fmt.Sprintf("spent £%.2f against a £%.2f budget", snap.CostGBP, *criteria.MaxCostGBP),
			EvaluatedAt: at,
		}
	}

	// Cost per lead is undefined until at least one lead exists; a
	// zero-lead mission must not divide by zero nor stop on this rule.
	if criteria.MaxCostPerLeadGBP != nil && snap.LeadsFound > 0 {
		cpl := snap.CostGBP / float64(snap.LeadsFound)
		if cpl > *criteria.MaxCostPerLeadGBP {
			return domain.Judgement{
				Verdict:    domain.MissionStop,
				ReasonCode: ReasonCPL,
				Explanation: fmt.Sprintf("cost per lead £%.2f exceeds the £%.2f limit (%d leads for £%.2f)",
					cpl, *criteria.MaxCostPerLeadGBP, snap.LeadsFound, snap.CostGBP),
				EvaluatedAt: at,
			}
		}
	}

	if criteria.MaxFailures != nil && snap.Failures > *criteria.MaxFailures {
		return domain.Judgement{
			Verdict:     domain.MissionStop,
			ReasonCode:  ReasonFailures,
			Explanation: fmt.Sprintf("%d failures recorded, more than the %d allowed", snap.Failures, *criteria.MaxFailures),
			EvaluatedAt: at,
		}
	}

	if criteria.StallMinDelta != nil && snap.LeadsNewLastWindow != nil &&
		*snap.LeadsNewLastWindow < *criteria.StallMinDelta {
		return domain.Judgement{
			Verdict:     domain.MissionStop,
			ReasonCode:  ReasonStall,
			Explanation: stallExplanation(criteria, snap),
			EvaluatedAt: at,
		}
	}

	return domain.Judgement{
		Verdict:    domain.MissionContinue,
		ReasonCode: ReasonRunning,
		Explanation: fmt.Sprintf("mission healthy: %d leads found, £%.2f spent, %d failures",
			snap.LeadsFound, snap.CostGBP, snap.Failures),
		EvaluatedAt: at,
	}
}

func qualityMet(criteria domain.SuccessCriteria, snap domain.MissionSnapshot) bool {
	if criteria.MinQualityScore == nil {
		return true
	}
	return snap.QualityScore != nil && *snap.QualityScore >= *criteria.MinQualityScore
}

func costWithin(criteria domain.SuccessCriteria, snap domain.MissionSnapshot) bool {
	return criteria.MaxCostGBP == nil || snap.CostGBP <= *criteria.MaxCostGBP
}

func successExplanation(criteria domain.SuccessCriteria, snap domain.MissionSnapshot) string {
	s := fmt.Sprintf("target met: %d leads found against a target of %d at £%.2f",
		snap.LeadsFound, *criteria.TargetLeads, snap.CostGBP)
	if criteria.MinQualityScore != nil && snap.QualityScore != nil {
		s += fmt.Sprintf(", quality %.2f (minimum %.2f)", *snap.QualityScore, *criteria.MinQualityScore)
	}
	return s
}

func stallExplanation(criteria domain.SuccessCriteria, snap domain.MissionSnapshot) string {
	window := "the last window"
	if criteria.StallWindowMin != nil {
		window = fmt.Sprintf("the last %d minutes", *criteria.StallWindowMin)
	}
	return fmt.Sprintf("%d new leads in %s (minimum %d)", *snap.LeadsNewLastWindow, window, *criteria.StallMinDelta)
}
