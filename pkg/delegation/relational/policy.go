package relational

import (
	"fmt"
	"strings"

	"github.com/nexusgate/resource-gateway/pkg/policy"
)

// DelegationRolesClaim is the claim name the policy table's CEL
// expressions read delegated role membership from.
const DelegationRolesClaim = "delegationRoles"

// DefaultPolicyTable is the module's built-in required-role-set mapping.
// It has a row for every statement kind; OTHER requires "admin" alone. A
// kind missing from a table passed to NewPolicy is denied by Authorize.
var DefaultPolicyTable = map[StatementKind][]string{
	KindSelect:   {"sql-read", "sql-write", "sql-admin", "admin"},
	KindInsert:   {"sql-write", "sql-admin", "admin"},
	KindUpdate:   {"sql-write", "sql-admin", "admin"},
	KindDelete:   {"sql-write", "sql-admin", "admin"},
	KindCreate:   {"sql-admin", "admin"},
	KindDrop:     {"admin"},
	KindTruncate: {"admin"},
	KindOther:    {"admin"},
}

// Policy compiles a role-set table into CEL "any of these roles is
// present" predicates, generalizing role_mapper.go's priority-ordered IAM
// role *selection* into a role-set *membership test*: there's no
// priority here because every kind either has sufficient delegated roles
// or it doesn't.
type Policy struct {
	compiled map[StatementKind]*policy.CompiledExpression
}

// NewPolicy compiles table (DefaultPolicyTable if table is nil) against
// engine.
func NewPolicy(engine *policy.Engine, table map[StatementKind][]string) (*Policy, error) {
	if table == nil {
		table = DefaultPolicyTable
	}

	compiled := make(map[StatementKind]*policy.CompiledExpression, len(table))
	for kind, roles := range table {
		for _, role := range roles {
			if err := policy.ValidateClaimValue(role); err != nil {
				return nil, fmt.Errorf("policy table entry %s: %w", kind, err)
			}
		}

		expr, err := engine.Compile(anyOfExpression(roles))
		if err != nil {
			return nil, fmt.Errorf("compiling policy for %s: %w", kind, err)
		}
		compiled[kind] = expr
	}
	return &Policy{compiled: compiled}, nil
}

// Authorize reports whether delegationRoles satisfies the required
// role set for kind. An unconfigured kind is denied by default (deny
// unless explicitly permitted).
func (p *Policy) Authorize(kind StatementKind, delegationRoles []string) (bool, error) {
	expr, ok := p.compiled[kind]
	if !ok {
		return false, nil
	}
	return expr.EvaluateBool(map[string]any{"claims": roleClaims(delegationRoles)})
}

func roleClaims(roles []string) map[string]any {
	asAny := make([]any, len(roles))
	for i, r := range roles {
		asAny[i] = r
	}
	return map[string]any{DelegationRolesClaim: asAny}
}

// anyOfExpression builds `"role1" in claims["delegationRoles"] || "role2" in claims["delegationRoles"] || ...`
func anyOfExpression(roles []string) string {
	parts := make([]string, len(roles))
	for i, role := range roles {
		parts[i] = policy.ClaimInExpression(role, DelegationRolesClaim)
	}
	return strings.Join(parts, " || ")
}
