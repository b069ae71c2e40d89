package tower

import (
	"testing"

	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/domain"
)

func changeTypes(scs []domain.SuggestedChange) []domain.ChangeType {
	out := make([]domain.ChangeType, 0, len(scs))
	for _, sc := range scs {
		out = append(out, sc.Type)
	}
	return out
}

func hasChange(scs []domain.SuggestedChange, typ domain.ChangeType) bool {
	for _, sc := range scs {
		if sc.Type == typ {
			return true
		}
	}
	return false
}

func TestSuggestExpandAreaForSoftLocation(t *testing.T) {
	scs := BuildSuggestions(SuggestionInput{
		Constraints: []domain.Constraint{
			{Type: domain.ConstraintLocation, Field: "location", Value: "Bristol", Hardness: domain.Soft},
		},
		RadiusKm:       10,
		AllowRelaxSoft: true,
		Delivered:      2,
		Requested:      5,
	})
	if len(scs) == 0 || scs[0].Type != domain.ChangeExpandArea {
		t.Fatalf("expected EXPAND_AREA first, got %v", changeTypes(scs))
	}
	if scs[0].From != 10.0 || scs[0].To != 20.0 {
		t.Fatalf("expected 10 -> 20, got %v -> %v", scs[0].From, scs[0].To)
	}
}

func TestSuggestExpandAreaCapsAtMaxRadius(t *testing.T) {
	in := SuggestionInput{
		Constraints: []domain.Constraint{
			{Type: domain.ConstraintLocation, Field: "location", Hardness: domain.Soft},
		},
		RadiusKm:  30,
		Delivered: 1,
		Requested: 5,
	}
	scs := BuildSuggestions(in)
	if scs[0].Type != domain.ChangeExpandArea || scs[0].To != 50.0 {
		t.Fatalf("expected cap at 50, got %+v", scs[0])
	}

	in.RadiusKm = 50
	scs = BuildSuggestions(in)
	if hasChange(scs, domain.ChangeExpandArea) {
		t.Fatalf("radius at the cap must not expand further, got %v", changeTypes(scs))
	}
}

func TestSuggestDefaultRadiusWhenUnknown(t *testing.T) {
	scs := BuildSuggestions(SuggestionInput{
		Constraints: []domain.Constraint{
			{Type: domain.ConstraintLocation, Field: "location", Hardness: domain.Soft},
		},
		Delivered: 1,
		Requested: 5,
	})
	if scs[0].Type != domain.ChangeExpandArea {
		t.Fatalf("expected EXPAND_AREA, got %v", changeTypes(scs))
	}
	if scs[0].From != nil || scs[0].To != 20.0 {
		t.Fatalf("unknown radius expands from nil to 20, got %v -> %v", scs[0].From, scs[0].To)
	}
}

func TestSuggestRelaxOnlySoftNameConstraints(t *testing.T) {
	in := SuggestionInput{
		Constraints: []domain.Constraint{
			{Type: domain.ConstraintNameContains, Field: "name", Value: "Partners", Hardness: domain.Soft},
			{Type: domain.ConstraintNameStartsWith, Field: "prefix", Value: "P", Hardness: domain.Hard},
		},
		RadiusKm:       10,
		AllowRelaxSoft: true,
		Delivered:      1,
		Requested:      5,
	}
	scs := BuildSuggestions(in)
	var relaxed []string
	for _, sc := range scs {
		if sc.Type == domain.ChangeRelaxConstraint {
			relaxed = append(relaxed, sc.Field)
		}
	}
	if len(relaxed) != 1 || relaxed[0] != "name" {
		t.Fatalf("only the soft name filter may be relaxed, got %v", relaxed)
	}
}

func TestSuggestRelaxDisabledLeavesAreaLever(t *testing.T) {
	in := SuggestionInput{
		Constraints: []domain.Constraint{
			{Type: domain.ConstraintNameContains, Field: "name", Value: "Partners", Hardness: domain.Soft},
			{Type: domain.ConstraintLocation, Field: "location", Value: "Bristol", Hardness: domain.Soft},
		},
		RadiusKm:       10,
		AllowRelaxSoft: false,
		Delivered:      2,
		Requested:      5,
	}
	scs := BuildSuggestions(in)
	if hasChange(scs, domain.ChangeRelaxConstraint) {
		t.Fatalf("relaxing was disabled, got %v", changeTypes(scs))
	}
	if !hasChange(scs, domain.ChangeExpandArea) {
		t.Fatalf("area expansion is unaffected by the relax switch, got %v", changeTypes(scs))
	}
}

func TestSuggestVerificationStepForHardLocation(t *testing.T) {
	scs := BuildSuggestions(SuggestionInput{
		Constraints: []domain.Constraint{
			{Type: domain.ConstraintLocation, Field: "location", Value: "Bristol", Hardness: domain.Hard},
		},
		RadiusKm:           10,
		AllowRelaxSoft:     true,
		Delivered:          2,
		Requested:          5,
		VerifiedExternally: false,
	})
	if !hasChange(scs, domain.ChangeAddVerificationStep) {
		t.Fatalf("unverified hard location needs a verification step, got %v", changeTypes(scs))
	}

	scs = BuildSuggestions(SuggestionInput{
		Constraints: []domain.Constraint{
			{Type: domain.ConstraintLocation, Field: "location", Value: "Bristol", Hardness: domain.Hard},
		},
		VerifiedExternally: true,
		Delivered:          2,
		Requested:          5,
	})
	if hasChange(scs, domain.ChangeAddVerificationStep) {
		t.Fatalf("verified location needs no extra step, got %v", changeTypes(scs))
	}
}

func TestSuggestBudgetThenQueryFallbacks(t *testing.T) {
	scs := BuildSuggestions(SuggestionInput{Delivered: 3, Requested: 10})
	if len(scs) != 1 || scs[0].Type != domain.ChangeIncreaseSearchBudget {
		t.Fatalf("partial delivery with no levers raises the budget, got %v", changeTypes(scs))
	}

	scs = BuildSuggestions(SuggestionInput{Delivered: 0, Requested: 10})
	if len(scs) != 1 || scs[0].Type != domain.ChangeChangeQuery {
		t.Fatalf("nothing delivered and no levers means a new query, got %v", changeTypes(scs))
	}
}

func TestSuggestStopConditionForUnboundedReplans(t *testing.T) {
	scs := BuildSuggestions(SuggestionInput{Delivered: 1, Requested: 5, Attempts: 3})
	if !hasChange(scs, domain.ChangeStopCondition) {
		t.Fatalf("looping without a budget needs a stop condition, got %v", changeTypes(scs))
	}

	scs = BuildSuggestions(SuggestionInput{Delivered: 1, Requested: 5, Attempts: 3, MaxReplans: intp(4)})
	if hasChange(scs, domain.ChangeStopCondition) {
		t.Fatalf("a budget already exists, got %v", changeTypes(scs))
	}
}

func TestSuggestDeduplicates(t *testing.T) {
	scs := BuildSuggestions(SuggestionInput{
		Constraints: []domain.Constraint{
			{Type: domain.ConstraintLocation, Field: "location", Value: "Bristol", Hardness: domain.Soft},
			{Type: domain.ConstraintNameContains, Field: "name", Value: "Ltd", Hardness: domain.Hard},
		},
		RadiusKm:  10,
		Delivered: 1,
		Requested: 5,
	})
	seen := map[string]int{}
	for _, sc := range scs {
		seen[string(sc.Type)+"/"+sc.Field]++
	}
	for key, n := range seen {
		if n > 1 {
			t.Fatalf("duplicate suggestion %s emitted %d times", key, n)
		}
	}
	if !hasChange(scs, domain.ChangeExpandArea) {
		t.Fatalf("expected a single EXPAND_AREA, got %v", changeTypes(scs))
	}
}
