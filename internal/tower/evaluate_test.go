package tower

import (
	"testing"

	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/domain"
)

func TestContainsWordBoundary(t *testing.T) {
	if !containsWord("Harbour Star Ltd", "Star") {
		t.Fatalf("whole word must match")
	}
	if containsWord("Starling Bank", "Star") {
		t.Fatalf("substring inside a longer word must not match")
	}
	if !containsWord("HARBOUR STAR LTD", "star") {
		t.Fatalf("match must be case-insensitive")
	}
	if !containsWord("Smith & Co.", "co") {
		t.Fatalf("punctuation counts as a word boundary")
	}
	if containsWord("anything", "  ") {
		t.Fatalf("blank terms never match")
	}
}

func TestStartsWithCaseInsensitive(t *testing.T) {
	c := domain.Constraint{Type: domain.ConstraintNameStartsWith, Value: "pin"}
	if !leadMatches(c, domain.Lead{Name: "Pinnacle Consulting"}) {
		t.Fatalf("prefix must match regardless of case")
	}
	if leadMatches(c, domain.Lead{Name: "Alpine Consulting"}) {
		t.Fatalf("prefix must anchor to the start")
	}
	if leadMatches(c, domain.Lead{Name: "Pi"}) {
		t.Fatalf("name shorter than the prefix cannot match")
	}
}

func TestLocationPassesButFlagsUnverified(t *testing.T) {
	cs := []domain.Constraint{
		{Type: domain.ConstraintLocation, Field: "location", Value: "Bristol", Hardness: domain.Hard},
	}
	leads := []domain.Lead{{Name: "Alpha Ltd"}}

	rs := EvaluateConstraints(cs, leads, false)
	if !rs[0].Passed || !rs[0].Unverified {
		t.Fatalf("hard location without verification must pass flagged, got %+v", rs[0])
	}

	rs = EvaluateConstraints(cs, leads, true)
	if !rs[0].Passed || rs[0].Unverified {
		t.Fatalf("verified hard location must pass clean, got %+v", rs[0])
	}

	cs[0].Hardness = domain.Soft
	rs = EvaluateConstraints(cs, leads, false)
	if rs[0].Unverified {
		t.Fatalf("soft location never carries the flag, got %+v", rs[0])
	}
}

func TestNameConstraintFailsOnlyOnZeroMatches(t *testing.T) {
	cs := []domain.Constraint{
		{Type: domain.ConstraintNameContains, Field: "name", Value: "Solicitors", Hardness: domain.Hard},
	}
	some := []domain.Lead{{Name: "Quayside Solicitors"}, {Name: "Corner Bakery"}}
	rs := EvaluateConstraints(cs, some, false)
	if !rs[0].Passed || rs[0].MatchedCount != 1 {
		t.Fatalf("partial match must still pass, got %+v", rs[0])
	}

	none := []domain.Lead{{Name: "Corner Bakery"}}
	rs = EvaluateConstraints(cs, none, false)
	if rs[0].Passed {
		t.Fatalf("zero matches over delivered leads must fail, got %+v", rs[0])
	}

	rs = EvaluateConstraints(cs, nil, false)
	if !rs[0].Passed {
		t.Fatalf("with no leads the filter is vacuous, got %+v", rs[0])
	}
}

func TestMatchingLeadCountAppliesAllNameFilters(t *testing.T) {
	cs := []domain.Constraint{
		{Type: domain.ConstraintNameContains, Value: "Solicitors", Hardness: domain.Hard},
		{Type: domain.ConstraintNameStartsWith, Value: "Q", Hardness: domain.Hard},
		{Type: domain.ConstraintLocation, Value: "Bristol", Hardness: domain.Soft},
	}
	leads := []domain.Lead{
		{Name: "Quayside Solicitors"},
		{Name: "Harbour Solicitors"},
		{Name: "Quick Plumbing"},
	}
	if n := MatchingLeadCount(cs, leads); n != 1 {
		t.Fatalf("expected 1 lead surviving both name filters, got %d", n)
	}
	if n := MatchingLeadCount(nil, leads); n != 3 {
		t.Fatalf("no name filters means every lead counts, got %d", n)
	}
}

func TestCountMinEvaluatesFilteredSet(t *testing.T) {
	cs := []domain.Constraint{
		{Type: domain.ConstraintNameContains, Value: "Solicitors", Hardness: domain.Hard},
		{Type: domain.ConstraintCountMin, Field: "count", Min: 2, Hardness: domain.Soft},
	}
	leads := []domain.Lead{
		{Name: "Quayside Solicitors"},
		{Name: "Harbour Solicitors"},
		{Name: "Corner Bakery"},
	}
	rs := EvaluateConstraints(cs, leads, false)
	count := rs[1]
	if count.MatchedCount != 2 || !count.Passed {
		t.Fatalf("floor of 2 against 2 filtered leads must pass, got %+v", count)
	}

	cs[1].Min = 3
	rs = EvaluateConstraints(cs, leads, false)
	if rs[1].Passed {
		t.Fatalf("floor of 3 against 2 filtered leads must fail, got %+v", rs[1])
	}
}
