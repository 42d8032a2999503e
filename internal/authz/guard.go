package authz

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/restodesk/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type contextKey int

const (
	principalContextKey contextKey = iota
)

// WithPrincipal returns a context carrying the principal.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext returns the principal attached to ctx.
// When none is present the empty principal is returned so every check fails closed.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}

// Check evaluates a single requirement against a principal.
type Check func(Principal) Decision

// Permissions requires every listed permission.
func Permissions(perms ...Permission) Check {
	return func(p Principal) Decision {
		return CheckPermissions(p, perms...)
	}
}

// AnyRole requires at least one of the listed roles.
func AnyRole(roles ...string) Check {
	return func(p Principal) Decision {
		return CheckRoles(p, roles...)
	}
}

// SuperAdmin requires RoleSuperAdmin.
func SuperAdmin() Check {
	return RequireSuperAdmin
}

// Evaluate runs the checks in order and stops at the first denial.
// Without any check the principal is denied.
func Evaluate(p Principal, checks ...Check) Decision {
	if len(checks) == 0 {
		return unconstrained()
	}

	for _, check := range checks {
		if d := check(p); !d.Allowed {
			return d
		}
	}
	return allow()
}

// Handler is an operation that runs on behalf of a principal.
type Handler[Req, Resp any] func(ctx context.Context, p Principal, req Req) (Resp, error)

// Guard wraps next so it only runs when every check allows the principal.
// Denials are returned as *DeniedError and next is never invoked.
func Guard[Req, Resp any](next Handler[Req, Resp], checks ...Check) Handler[Req, Resp] {
	return func(ctx context.Context, p Principal, req Req) (Resp, error) {
		d := decide(ctx, p, checks)
		if !d.Allowed {
			var zero Resp
			return zero, d.Err()
		}

		return next(ctx, p, req)
	}
}

// Call resolves the principal from ctx and invokes h.
func Call[Req, Resp any](ctx context.Context, h Handler[Req, Resp], req Req) (Resp, error) {
	p, _ := PrincipalFromContext(ctx)
	return h(ctx, p, req)
}

// Middleware returns an HTTP middleware that responds with a JSON denial
// and status 403 when any check fails.
func Middleware(checks ...Check) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			p, _ := PrincipalFromContext(ctx)

			d := decide(ctx, p, checks)
			if !d.Allowed {
				WriteDenial(w, d)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// WriteDenial writes the decision as a JSON denial.
func WriteDenial(w http.ResponseWriter, d Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(d.Status)
	_ = json.NewEncoder(w).Encode(d.Denial())
}

func decide(ctx context.Context, p Principal, checks []Check) Decision {
	d := Evaluate(p, checks...)

	telemetry.GetMetrics().AuthzDecisionsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("allowed", d.Allowed)))

	zerolog.Ctx(ctx).Debug().
		Str("subject", p.Subject).
		Strs("roles", p.Roles).
		Bool("allowed", d.Allowed).
		Str("reason", d.Reason).
		Msg("authorization decision")

	return d
}
