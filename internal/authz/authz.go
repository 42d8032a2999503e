package authz

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
)

// Permission represents a capability tag such as "pedidos.ver"
type Permission string

const (
	// Wildcard grants every permission.
	Wildcard Permission = "*"

	// RoleSuperAdmin protects irreversible or global actions.
	RoleSuperAdmin = "super_admin"
)

// ErrDenied is wrapped by every DeniedError.
var ErrDenied = errors.New("authorization denied")

// Principal is the identity attached to an operation.
// The zero value has no roles and no permissions and is always denied.
type Principal struct {
	Subject     string       `json:"subject,omitempty"`
	Roles       []string     `json:"roles"`
	Permissions []Permission `json:"permissions"`
}

// HasRole returns true if the principal holds the role.
func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// HasPermission returns true if the principal holds the permission or the wildcard.
func (p Principal) HasPermission(perm Permission) bool {
	return slices.Contains(p.Permissions, Wildcard) || slices.Contains(p.Permissions, perm)
}

// Decision is the result of an authorization check.
type Decision struct {
	Allowed  bool
	Reason   string
	Status   int
	Missing  []Permission
	Required []string
}

// Denial is the structured value surfaced to callers when a check fails.
type Denial struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason"`
	Status  int    `json:"status"`
}

// Denial returns the wire representation of the decision.
func (d Decision) Denial() Denial {
	return Denial{Success: d.Allowed, Reason: d.Reason, Status: d.Status}
}

// Err returns nil when allowed, otherwise a *DeniedError.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Decision: d}
}

// DeniedError carries a denied decision through error returns.
type DeniedError struct {
	Decision Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s", e.Decision.Reason)
}

func (e *DeniedError) Unwrap() error {
	return ErrDenied
}

func allow() Decision {
	return Decision{Allowed: true, Status: http.StatusOK}
}

// unconstrained is the denial for a check built without any requirement.
func unconstrained() Decision {
	return Decision{Reason: "no requirement configured", Status: http.StatusForbidden}
}

// CheckPermissions allows the principal when it holds the wildcard or every required permission.
// An empty requirement is denied.
func CheckPermissions(p Principal, required ...Permission) Decision {
	if len(required) == 0 {
		return unconstrained()
	}

	if slices.Contains(p.Permissions, Wildcard) {
		return allow()
	}

	var missing []Permission
	for _, perm := range required {
		if !slices.Contains(p.Permissions, perm) && !slices.Contains(missing, perm) {
			missing = append(missing, perm)
		}
	}

	if len(missing) == 0 {
		return allow()
	}

	slices.Sort(missing)

	names := make([]string, len(missing))
	for i, perm := range missing {
		names[i] = string(perm)
	}

	return Decision{
		Reason:  "missing permissions: " + strings.Join(names, ", "),
		Status:  http.StatusForbidden,
		Missing: missing,
	}
}

// CheckRoles allows the principal when it holds at least one of the required roles.
// An empty requirement is denied.
func CheckRoles(p Principal, required ...string) Decision {
	if len(required) == 0 {
		return unconstrained()
	}

	for _, role := range required {
		if p.HasRole(role) {
			return allow()
		}
	}

	roles := slices.Clone(required)
	slices.Sort(roles)
	roles = slices.Compact(roles)

	return Decision{
		Reason:   "requires one of roles: " + strings.Join(roles, ", "),
		Status:   http.StatusForbidden,
		Required: roles,
	}
}

// RequireSuperAdmin allows only principals holding RoleSuperAdmin.
func RequireSuperAdmin(p Principal) Decision {
	return CheckRoles(p, RoleSuperAdmin)
}
