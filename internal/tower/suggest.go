package tower

import (
	"fmt"
	"math"
	"strings"

	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/domain"
)

// Search-area bounds in km. Expansion doubles the radius up to the cap.
const (
	DefaultRadiusKm = 10.0
	MaxRadiusKm     = 50.0
)

// SuggestionInput carries everything the builder ranks levers from.
type SuggestionInput struct {
	Constraints        []domain.Constraint
	RadiusKm           float64
	AllowRelaxSoft     bool
	Delivered          int
	Requested          int
	Attempts           int
	MaxReplans         *int
	VerifiedExternally bool
}

// BuildSuggestions assembles concrete plan changes, best lever first.
// Area expansion is preferred over relaxing constraints, hard
// constraints are never relaxed, and duplicates on the same type and
// field keep the first occurrence.
func BuildSuggestions(in SuggestionInput) []domain.SuggestedChange {
	var out []domain.SuggestedChange

	softLoc := findConstraint(in.Constraints, domain.ConstraintLocation, domain.Soft)
	hardLoc := findConstraint(in.Constraints, domain.ConstraintLocation, domain.Hard)
	hasHardName := hasName(in.Constraints, domain.Hard)

	if softLoc != nil {
		if sc, ok := expandArea(softLoc.Field, in.RadiusKm); ok {
			out = append(out, sc)
		}
	}
	// A hard name filter cannot be relaxed, so when the location is
	// soft or absent the search area is still the safe lever.
	if hasHardName && hardLoc == nil {
		field := "location"
		if softLoc != nil {
			field = softLoc.Field
		}
		if sc, ok := expandArea(field, in.RadiusKm); ok {
			out = append(out, sc)
		}
	}
	if in.AllowRelaxSoft {
		for _, c := range in.Constraints {
			if c.Hardness != domain.Soft {
				continue
			}
			if c.Type != domain.ConstraintNameContains && c.Type != domain.ConstraintNameStartsWith {
				continue
			}
			out = append(out, domain.SuggestedChange{
				Type:   domain.ChangeRelaxConstraint,
				Field:  c.Field,
				From:   c.Value,
				To:     nil,
				Reason: fmt.Sprintf("soft %s filter %q is narrowing results and can be dropped", strings.ToLower(string(c.Type)), c.Value),
			})
		}
	}
	if hardLoc != nil && !in.VerifiedExternally {
		out = append(out, domain.SuggestedChange{
			Type:   domain.ChangeAddVerificationStep,
			Field:  hardLoc.Field,
			From:   nil,
			To:     "geo_check",
			Reason: fmt.Sprintf("hard location constraint %q passed without independent verification", hardLoc.Value),
		})
	}
	if len(out) == 0 && in.Delivered > 0 {
		out = append(out, domain.SuggestedChange{
			Type:   domain.ChangeIncreaseSearchBudget,
			Field:  "search_budget",
			From:   nil,
			To:     nil,
			Reason: fmt.Sprintf("search is producing results (%d so far) but stopped short of %d", in.Delivered, in.Requested),
		})
	}
	if len(out) == 0 {
		out = append(out, domain.SuggestedChange{
			Type:   domain.ChangeChangeQuery,
			Field:  "query",
			From:   nil,
			To:     nil,
			Reason: "no adjustable constraint remains, rephrase the search query",
		})
	}
	// Repeated replans with no budget: propose bounding the loop.
	if in.MaxReplans == nil && in.Attempts >= 2 {
		out = append(out, domain.SuggestedChange{
			Type:   domain.ChangeStopCondition,
			Field:  "max_replans",
			From:   nil,
			To:     3,
			Reason: fmt.Sprintf("%d attempts without a replan budget, bound the loop", in.Attempts),
		})
	}
	return dedupe(out)
}

func expandArea(field string, radius float64) (domain.SuggestedChange, bool) {
	var from any
	effective := radius
	if effective <= 0 {
		effective = DefaultRadiusKm
	} else {
		from = radius
	}
	if effective >= MaxRadiusKm {
		return domain.SuggestedChange{}, false
	}
	to := math.Min(effective*2, MaxRadiusKm)
	return domain.SuggestedChange{
		Type:   domain.ChangeExpandArea,
		Field:  field,
		From:   from,
		To:     to,
		Reason: fmt.Sprintf("widen the search area to %.0f km to find more candidates", to),
	}, true
}

func findConstraint(cs []domain.Constraint, typ domain.ConstraintType, h domain.Hardness) *domain.Constraint {
	for i := range cs {
		if cs[i].Type == typ && cs[i].Hardness == h {
			return &cs[i]
		}
	}
	return nil
}

func hasName(cs []domain.Constraint, h domain.Hardness) bool {
	for _, c := range cs {
		if c.Hardness != h {
			continue
		}
		if c.Type == domain.ConstraintNameContains || c.Type == domain.ConstraintNameStartsWith {
			return true
		}
	}
	return false
}

func dedupe(in []domain.SuggestedChange) []domain.SuggestedChange {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, sc := range in {
		key := string(sc.Type) + "\x00" + sc.Field
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, sc)
	}
	return out
}
