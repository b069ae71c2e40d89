package factory

import (
	"fmt"
	"time"

	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/domain"
)

// Stop codes for production runs.
const (
	StopConstraintImpossible = "constraint_impossible"
	StopExtremeScrap         = "extreme_scrap"
	StopDeadlineInfeasible   = "deadline_infeasible"
)

// Instability gap codes.
const (
	GapScrapRising        = "SCRAP_RISING"
	GapDefectShift        = "DEFECT_TYPE_SHIFTING"
	GapIneffectiveRepeats = "INEFFECTIVE_ACTION_REPEATED"
)

// ExtremeScrapPercent is the catastrophic threshold: at or above it
// the run stops regardless of its configured ceiling.
const ExtremeScrapPercent = 50.0

// instabilityWindow is how many recent steps the signature checks see.
const instabilityWindow = 3

// Evaluate renders a verdict for a production run. Hopeless states
// stop immediately, a machine drifting out of control gets a profile
// change, and everything else is accepted with a confidence that
// reflects the trend.
func Evaluate(a domain.FactoryArtifact, now time.Time) domain.Verdict {
	if a.AchievableScrapFloor != nil && a.MaxScrapPercent < *a.AchievableScrapFloor {
		return stop(StopConstraintImpossible,
			fmt.Sprintf("scrap ceiling %.1f%% is below the achievable floor %.1f%% for this process",
				a.MaxScrapPercent, *a.AchievableScrapFloor), 95)
	}
	if a.ScrapRatePercent >= ExtremeScrapPercent {
		return stop(StopExtremeScrap,
			fmt.Sprintf("scrap rate %.1f%% is at catastrophic levels", a.ScrapRatePercent), 95)
	}
	if a.Deadline != nil && !a.TargetMet && now.After(*a.Deadline) {
		return stop(StopDeadlineInfeasible,
			fmt.Sprintf("deadline %s has passed with the production target unmet",
				a.Deadline.UTC().Format(time.RFC3339)), 90)
	}

	if code, detail, ok := instability(a); ok {
		v := newVerdict(domain.VerdictChangePlan)
		v.Gaps = []string{code}
		v.Confidence = 70
		v.Rationale = detail
		var from any
		if a.MachineProfile != "" {
			from = a.MachineProfile
		}
		v.SuggestedChanges = []domain.SuggestedChange{{
			Type:   domain.ChangeSwitchMachineProfile,
			Field:  "machine_profile",
			From:   from,
			To:     nil,
			Reason: detail,
		}}
		return v
	}

	if a.ScrapRatePercent > a.MaxScrapPercent {
		v := newVerdict(domain.VerdictChangePlan)
		v.Gaps = []string{"SCRAP_OVER_LIMIT"}
		v.Confidence = 75
		v.Rationale = fmt.Sprintf("scrap rate %.1f%% is over the %.1f%% limit but not yet hopeless",
			a.ScrapRatePercent, a.MaxScrapPercent)
		var from any
		if a.MachineProfile != "" {
			from = a.MachineProfile
		}
		v.SuggestedChanges = []domain.SuggestedChange{{
			Type:   domain.ChangeSwitchMachineProfile,
			Field:  "machine_profile",
			From:   from,
			To:     nil,
			Reason: v.Rationale,
		}}
		return v
	}

	v := newVerdict(domain.VerdictAccept)
	v.Confidence = 90
	v.Rationale = fmt.Sprintf("scrap rate %.1f%% is within the %.1f%% limit", a.ScrapRatePercent, a.MaxScrapPercent)
	if n := len(a.History); n > 0 && a.ScrapRatePercent > a.History[n-1].ScrapRate {
		v.Confidence = 75
		v.Rationale += fmt.Sprintf(", trending up from %.1f%% last step", a.History[n-1].ScrapRate)
	}
	return v
}

// instability looks for the failure signatures of a machine drifting
// out of control across the recent step window.
func instability(a domain.FactoryArtifact) (code, detail string, ok bool) {
	win := a.History
	if len(win) > instabilityWindow {
		win = win[len(win)-instabilityWindow:]
	}

	// Monotonically rising scrap, with the current reading as the
	// latest point. Two history steps plus now is the smallest trend
	// worth acting on.
	if len(win) >= 2 {
		rising := true
		for i := 1; i < len(win); i++ {
			if win[i].ScrapRate <= win[i-1].ScrapRate {
				rising = false
				break
			}
		}
		if rising && a.ScrapRatePercent > win[len(win)-1].ScrapRate {
			return GapScrapRising,
				fmt.Sprintf("scrap has risen every step, %.1f%% -> %.1f%% over the last %d readings",
					win[0].ScrapRate, a.ScrapRatePercent, len(win)+1), true
		}
	}

	for i := 0; i+1 < len(win); i++ {
		cur, next := win[i], win[i+1]
		if cur.Action != "" && cur.DefectType != "" && next.DefectType != "" && cur.DefectType != next.DefectType {
			return GapDefectShift,
				fmt.Sprintf("action %q moved the failure from %q to %q instead of fixing it",
					cur.Action, cur.DefectType, next.DefectType), true
		}
	}

	for i := 0; i+1 < len(win); i++ {
		cur, next := win[i], win[i+1]
		if cur.Action != "" && cur.Action == next.Action && next.ScrapRate >= cur.ScrapRate {
			return GapIneffectiveRepeats,
				fmt.Sprintf("action %q was repeated with no improvement (%.1f%% -> %.1f%%)",
					cur.Action, cur.ScrapRate, next.ScrapRate), true
		}
	}
	return "", "", false
}

func newVerdict(code domain.VerdictCode) domain.Verdict {
	return domain.Verdict{
		Verdict:          code,
		Action:           domain.ActionFor(code),
		Gaps:             []string{},
		SuggestedChanges: []domain.SuggestedChange{},
	}
}

func stop(code, message string, confidence int) domain.Verdict {
	v := newVerdict(domain.VerdictStop)
	v.Gaps = []string{code}
	v.Confidence = confidence
	v.Rationale = message
	v.StopReason = &domain.StopReason{Code: code, Message: message}
	return v
}
