package domain

import "time"

// FactoryStep is one observed production step: the scrap rate after
// the step, the dominant defect type, and the corrective action the
// plan took, if any. History is ordered oldest first.
type FactoryStep struct {
	ScrapRate  float64 `json:"scrap_rate"`
	DefectType string  `json:"defect_type,omitempty"`
	Action     string  `json:"action,omitempty"`
}

// FactoryArtifact is the evaluation input for a production run:
// current scrap against its ceiling, the physical floor if one is
// known, the delivery deadline, and recent step history.
type FactoryArtifact struct {
	MachineProfile       string        `json:"machine_profile,omitempty"`
	ScrapRatePercent     float64       `json:"scrap_rate_percent"`
	MaxScrapPercent      float64       `json:"max_scrap_percent"`
	AchievableScrapFloor *float64      `json:"achievable_scrap_floor,omitempty"`
	Deadline             *time.Time    `json:"deadline,omitempty"`
	TargetMet            bool          `json:"target_met,omitempty"`
	History              []FactoryStep `json:"history,omitempty"`
}
