package auth

import (
	"fmt"
	"slices"

	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/config"
)

// Permission identifiers checked by the API layer.
const (
	PermVerdictsRead  = "verdicts.read"
	PermVerdictsWrite = "verdicts.write"
	PermRunsRead      = "runs.read"
	PermRunsWrite     = "runs.write"
	PermKeysRead      = "keys.read"
	PermKeysWrite     = "keys.write"
	PermEventsRead    = "events.read"
)

// Principal is an authenticated caller. Permissions are the flattened
// set after role expansion.
type Principal struct {
	ActorID     string
	Roles       []string
	Permissions []string
	Source      string
}

// ForbiddenError reports a permission the principal does not hold.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Expand folds the permissions granted by the principal's roles into
// its permission set. Permissions already on the principal, for
// example from JWT claims, are kept.
func Expand(cfg *config.Config, p Principal) Principal {
	if cfg == nil {
		return p
	}
	perms := slices.Clone(p.Permissions)
	for _, role := range p.Roles {
		for _, perm := range cfg.RolePermissions(role) {
			if !slices.Contains(perms, perm) {
				perms = append(perms, perm)
			}
		}
	}
	p.Permissions = perms
	return p
}

// Allowed reports whether the principal holds a permission.
func (p Principal) Allowed(perm string) bool {
	return slices.Contains(p.Permissions, perm)
}

// Require returns a ForbiddenError unless the principal holds the
// permission.
func Require(p Principal, perm string) error {
	if p.Allowed(perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}
