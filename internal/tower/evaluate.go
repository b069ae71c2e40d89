package tower

import (
	"regexp"
	"strings"

	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/domain"
)

// EvaluateConstraints checks every canonical constraint against the
// delivered leads. externallyVerified says whether an independent
// verification signal accompanied the artifact; without one, hard
// location constraints pass but are flagged unverified.
func EvaluateConstraints(constraints []domain.Constraint, leads []domain.Lead, externallyVerified bool) []domain.ConstraintResult {
	total := len(leads)
	results := make([]domain.ConstraintResult, 0, len(constraints))
	for _, c := range constraints {
		r := domain.ConstraintResult{Constraint: c, TotalLeads: total}
		switch c.Type {
		case domain.ConstraintNameContains, domain.ConstraintNameStartsWith:
			for _, l := range leads {
				if leadMatches(c, l) {
					r.MatchedCount++
				}
			}
			// Partial matches are not a failure; the filtered
			// delivered count absorbs them. A name filter fails only
			// when leads were delivered and none survive it.
			r.Passed = total == 0 || r.MatchedCount > 0
		case domain.ConstraintLocation:
			// Lead rows rarely carry machine-checkable geo data, so a
			// location constraint is trusted rather than re-derived.
			r.MatchedCount = total
			r.Passed = true
			r.Unverified = c.Hardness == domain.Hard && !externallyVerified
		case domain.ConstraintCountMin:
			// The floor applies to leads that survive the name
			// filters, not the raw delivered total.
			r.MatchedCount = MatchingLeadCount(constraints, leads)
			r.Passed = r.MatchedCount >= c.Min
		}
		results = append(results, r)
	}
	return results
}

// MatchingLeadCount counts leads that satisfy every name constraint in
// the set. With no name constraints every lead counts.
func MatchingLeadCount(constraints []domain.Constraint, leads []domain.Lead) int {
	var name []domain.Constraint
	for _, c := range constraints {
		if c.Type == domain.ConstraintNameContains || c.Type == domain.ConstraintNameStartsWith {
			name = append(name, c)
		}
	}
	n := 0
	for _, l := range leads {
		ok := true
		for _, c := range name {
			if !leadMatches(c, l) {
				ok = false
				break
			}
		}
		if ok {
			n++
		}
	}
	return n
}

func leadMatches(c domain.Constraint, l domain.Lead) bool {
	switch c.Type {
	case domain.ConstraintNameContains:
		return containsWord(l.Name, c.Value)
	case domain.ConstraintNameStartsWith:
		return len(l.Name) >= len(c.Value) && strings.EqualFold(l.Name[:len(c.Value)], c.Value)
	}
	return true
}

// containsWord reports a case-insensitive whole-word match, so a
// constraint on "Star" does not pass "Starling Bank".
func containsWord(text, word string) bool {
	if strings.TrimSpace(word) == "" {
		return false
	}
	re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(word) + `\b`)
	if err != nil {
		return strings.Contains(strings.ToLower(text), strings.ToLower(word))
	}
	return re.MatchString(text)
}
