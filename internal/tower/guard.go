package tower

import "github.com/Philbeer/wyshbone-control-tower-sub000/internal/domain"

// NoProgress reports whether the run is replanning without moving:
// the two most recent attempts bumped the plan version while radius
// and delivered count stayed identical. History arrives ordered by
// plan version ascending.
func NoProgress(history []domain.AttemptHistoryEntry) bool {
	if len(history) < 2 {
		return false
	}
	prev := history[len(history)-2]
	last := history[len(history)-1]
	return last.PlanVersion > prev.PlanVersion &&
		last.RadiusKm == prev.RadiusKm &&
		last.DeliveredCount == prev.DeliveredCount
}
