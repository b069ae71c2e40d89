package tower

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/domain"
)

// ResolveConstraints canonicalizes every recognizable raw constraint.
// Unknown types and malformed entries are skipped, never fatal: a
// planner emitting a shape we do not know must not crash evaluation.
func ResolveConstraints(raw []domain.RawConstraint) []domain.Constraint {
	var out []domain.Constraint
	for _, rc := range raw {
		c, ok := resolveOne(rc)
		if !ok {
			continue
		}
		out = append(out, c)
	}
	return out
}

func resolveOne(rc domain.RawConstraint) (domain.Constraint, bool) {
	if rc.Legacy != "" {
		return resolveLegacy(rc.Legacy)
	}
	typ, ok := constraintType(rc)
	if !ok {
		return domain.Constraint{}, false
	}
	c := domain.Constraint{
		Type:     typ,
		Field:    rc.Field,
		Hardness: hardness(rc, typ),
	}
	if c.Field == "" {
		c.Field = defaultField(typ)
	}
	switch typ {
	case domain.ConstraintCountMin:
		n, ok := intValue(rc.Value)
		if !ok {
			return domain.Constraint{}, false
		}
		c.Min = n
	default:
		s, ok := rc.Value.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return domain.Constraint{}, false
		}
		c.Value = strings.TrimSpace(s)
	}
	return c, true
}

// resolveLegacy parses the "TYPE:value" string form.
func resolveLegacy(s string) (domain.Constraint, bool) {
	i := strings.Index(s, ":")
	if i <= 0 {
		return domain.Constraint{}, false
	}
	name := strings.ToUpper(strings.TrimSpace(s[:i]))
	value := strings.TrimSpace(s[i+1:])
	typ, ok := namedType(name)
	if !ok || value == "" {
		return domain.Constraint{}, false
	}
	c := domain.Constraint{
		Type:     typ,
		Field:    defaultField(typ),
		Hardness: defaultHardness(typ),
	}
	if typ == domain.ConstraintCountMin {
		n, err := strconv.Atoi(value)
		if err != nil {
			return domain.Constraint{}, false
		}
		c.Min = n
	} else {
		c.Value = value
	}
	return c, true
}

// constraintType derives the canonical type from either an explicit
// type name or a planner operator.
func constraintType(rc domain.RawConstraint) (domain.ConstraintType, bool) {
	if rc.Type != "" {
		return namedType(strings.ToUpper(strings.TrimSpace(rc.Type)))
	}
	switch strings.ToLower(strings.TrimSpace(rc.Operator)) {
	case "contains", "name_contains":
		return domain.ConstraintNameContains, true
	case "starts_with", "prefix", "name_starts_with":
		return domain.ConstraintNameStartsWith, true
	case "in", "within", "near", "location":
		return domain.ConstraintLocation, true
	case "equals":
		if strings.EqualFold(rc.Field, "location") {
			return domain.ConstraintLocation, true
		}
		return "", false
	case "min", "at_least", "gte", "count_min":
		return domain.ConstraintCountMin, true
	}
	return "", false
}

func namedType(name string) (domain.ConstraintType, bool) {
	switch domain.ConstraintType(name) {
	case domain.ConstraintNameContains, domain.ConstraintNameStartsWith,
		domain.ConstraintLocation, domain.ConstraintCountMin:
		return domain.ConstraintType(name), true
	}
	return "", false
}

// hardness resolves the explicit hardness signals, falling back to the
// per-type default: name filters are hard, location and count floors
// are soft.
func hardness(rc domain.RawConstraint, typ domain.ConstraintType) domain.Hardness {
	switch strings.ToLower(strings.TrimSpace(rc.Hardness)) {
	case "hard":
		return domain.Hard
	case "soft":
		return domain.Soft
	}
	if rc.Hard != nil {
		if *rc.Hard {
			return domain.Hard
		}
		return domain.Soft
	}
	return defaultHardness(typ)
}

func defaultHardness(typ domain.ConstraintType) domain.Hardness {
	switch typ {
	case domain.ConstraintNameContains, domain.ConstraintNameStartsWith:
		return domain.Hard
	default:
		return domain.Soft
	}
}

func defaultField(typ domain.ConstraintType) string {
	switch typ {
	case domain.ConstraintLocation:
		return "location"
	case domain.ConstraintCountMin:
		return "count"
	default:
		return "name"
	}
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}
