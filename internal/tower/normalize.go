package tower

import "github.com/Philbeer/wyshbone-control-tower-sub000/internal/domain"

// Requested-count sources, most authoritative first.
const (
	RequestedFromUser     = "user_request"
	RequestedFromCriteria = "success_criteria"
	RequestedFromGeneric  = "generic_count"
)

// Delivered-count sources, most trusted first.
const (
	DeliveredFromVerified = "verified_exact"
	DeliveredFromMatching = "delivered_matching"
	DeliveredFromLeads    = "lead_list"
	DeliveredFromCounter  = "delivered_count"
	DeliveredNone         = "none"
)

// ResolveRequested walks the requested-count ladder: the explicit user
// ask wins over mission criteria, which win over a generic count. A
// value of zero or less falls through to the next source. Reports
// false when no source yields a usable count.
func ResolveRequested(a domain.LeadsArtifact) (int, string, bool) {
	if n := intOf(a.RequestedCountUser); n > 0 {
		return n, RequestedFromUser, true
	}
	if a.SuccessCriteria != nil {
		if n := intOf(a.SuccessCriteria.TargetLeads); n > 0 {
			return n, RequestedFromCriteria, true
		}
	}
	if n := intOf(a.RequestedCount); n > 0 {
		return n, RequestedFromGeneric, true
	}
	return 0, "", false
}

// ResolveDelivered walks the delivered-count ladder. Verified counts
// beat self-reported ones, and an actual lead list beats a bare
// counter. When the list is the source the engine later narrows the
// count to leads that survive the name filters.
func ResolveDelivered(a domain.LeadsArtifact) (int, string) {
	if a.VerifiedExactCount != nil && *a.VerifiedExactCount >= 0 {
		return *a.VerifiedExactCount, DeliveredFromVerified
	}
	if a.DeliveredMatching != nil && *a.DeliveredMatching >= 0 {
		return *a.DeliveredMatching, DeliveredFromMatching
	}
	if a.Leads != nil {
		return len(a.Leads), DeliveredFromLeads
	}
	if a.DeliveredCount != nil && *a.DeliveredCount >= 0 {
		return *a.DeliveredCount, DeliveredFromCounter
	}
	return 0, DeliveredNone
}

func intOf(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
