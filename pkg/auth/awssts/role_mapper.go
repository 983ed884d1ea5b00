// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package awssts

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/arn"

	"github.com/nexusgate/resource-gateway/pkg/policy"
)

// newClaimsEngine creates a CEL engine configured for evaluating JWT claims
// expressions. The claims are accessible via the "claims" variable as a
// map[string]any.
func newClaimsEngine() (*policy.Engine, error) {
	return policy.NewEngine()
}

// ValidateRoleArn validates that the given string is a valid IAM role ARN.
// It accepts ARNs from all AWS partitions (aws, aws-cn, aws-us-gov) and
// supports role paths (e.g., arn:aws:iam::123456789012:role/service-role/MyRole).
func ValidateRoleArn(roleArn string) error {
	if roleArn == "" {
		return fmt.Errorf("%w: ARN is empty", ErrInvalidRoleArn)
	}

	parsed, err := arn.Parse(roleArn)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRoleArn, roleArn)
	}

	if parsed.Service != "iam" {
		return fmt.Errorf("%w: not an IAM ARN: %s", ErrInvalidRoleArn, roleArn)
	}

	if !strings.HasPrefix(parsed.Resource, "role/") {
		return fmt.Errorf("%w: not a role ARN: %s", ErrInvalidRoleArn, roleArn)
	}

	if len(parsed.AccountID) != 12 {
		return fmt.Errorf("%w: invalid account ID: %s", ErrInvalidRoleArn, roleArn)
	}
	for _, c := range parsed.AccountID {
		if c < '0' || c > '9' {
			return fmt.Errorf("%w: invalid account ID: %s", ErrInvalidRoleArn, roleArn)
		}
	}

	return nil
}

// compiledMapping holds a role mapping with its compiled CEL expression.
// priority mirrors RoleMapping.Priority: nil sorts last (math.MaxInt).
// The original RoleMapping is retained (not just its roleArn) so a selected
// mapping can be threaded into the credential cache key: two rules that
// happen to resolve to the same role ARN through different claims must not
// collide in the cache.
type compiledMapping struct {
	original RoleMapping
	priority int
	expr     *policy.CompiledExpression
}

// RoleMapper handles mapping JWT claims to IAM roles with priority-based selection.
// It uses CEL expressions for flexible claim matching.
type RoleMapper struct {
	config   *Config
	mappings []compiledMapping
}

// NewRoleMapper creates a new RoleMapper with the provided configuration.
// It validates the configuration and compiles all CEL expressions during construction.
// ValidateConfig is called internally, so callers do not need to call both.
func NewRoleMapper(cfg *Config) (*RoleMapper, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	engine, err := newClaimsEngine()
	if err != nil {
		return nil, fmt.Errorf("build claims engine: %w", err)
	}

	rm := &RoleMapper{
		config:   cfg,
		mappings: make([]compiledMapping, 0, len(cfg.RoleMappings)),
	}

	for i, mapping := range cfg.RoleMappings {
		expr, err := compileMapping(engine, cfg.GetRoleClaim(), mapping)
		if err != nil {
			return nil, fmt.Errorf("role mapping at index %d: %w", i, err)
		}

		rm.mappings = append(rm.mappings, compiledMapping{
			original: mapping,
			priority: priorityOf(mapping.Priority),
			expr:     expr,
		})
	}

	return rm, nil
}

func priorityOf(p *int) int {
	if p == nil {
		return math.MaxInt
	}
	return *p
}

// compileMapping converts a RoleMapping to a compiled CEL expression.
func compileMapping(engine *policy.Engine, roleClaim string, mapping RoleMapping) (*policy.CompiledExpression, error) {
	celExpr := buildCELExpression(mapping, roleClaim)

	expr, err := engine.Compile(celExpr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMatcher, err)
	}

	return expr, nil
}

// SelectRole selects the appropriate IAM role based on JWT claims.
// It returns the role ARN to assume based on the following logic:
//  1. If no role mappings are configured, return the FallbackRoleArn
//  2. Evaluate each mapping's CEL expression against the claims
//  3. Collect all matching mappings
//  4. Sort matches by priority (lower number = higher priority)
//  5. Return the highest priority match
//  6. If no matches found, fall back to the FallbackRoleArn
func (rm *RoleMapper) SelectRole(claims map[string]any) (string, error) {
	mapping, err := rm.SelectMapping(claims)
	if err != nil {
		return "", err
	}
	return mapping.RoleArn, nil
}

// SelectMapping runs the same selection as SelectRole but returns the
// winning RoleMapping itself, not just its role ARN. Callers that cache
// per-role state (e.g. the STS credential cache) use this so the cache key
// reflects which rule matched, not merely the ARN it happened to resolve
// to. A fallback selection (no mappings configured, or none matched) is
// reported as a synthetic mapping holding only the fallback role ARN.
func (rm *RoleMapper) SelectMapping(claims map[string]any) (RoleMapping, error) {
	if len(rm.mappings) == 0 {
		if rm.config.FallbackRoleArn == "" {
			return RoleMapping{}, ErrMissingRoleConfig
		}
		return RoleMapping{RoleArn: rm.config.FallbackRoleArn}, nil
	}

	ctx := map[string]any{"claims": claims}

	var matches []compiledMapping
	for _, mapping := range rm.mappings {
		match, err := mapping.expr.EvaluateBool(ctx)
		if err != nil {
			continue
		}
		if match {
			matches = append(matches, mapping)
		}
	}

	if len(matches) == 0 {
		if rm.config.FallbackRoleArn == "" {
			return RoleMapping{}, fmt.Errorf("%w: no mapping matched for the provided claims", ErrNoRoleMapping)
		}
		return RoleMapping{RoleArn: rm.config.FallbackRoleArn}, nil
	}

	// SortStableFunc preserves configuration order as a tie-breaker when
	// priorities are equal.
	slices.SortStableFunc(matches, func(a, b compiledMapping) int {
		return cmp.Compare(a.priority, b.priority)
	})

	return matches[0].original, nil
}

// ValidateConfig validates the AWS STS configuration structure.
// It checks that required fields are present, ARNs are well-formed, claim values
// are safe for CEL interpolation, and session duration is within bounds.
//
// This performs structural validation only; CEL expression compilation is handled
// by NewRoleMapper. It is safe to call standalone for early validation at config
// load time. NewRoleMapper calls this internally, so callers do not need to call both.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if cfg.Region == "" {
		return ErrMissingRegion
	}

	if cfg.FallbackRoleArn == "" && len(cfg.RoleMappings) == 0 {
		return ErrMissingRoleConfig
	}

	if cfg.FallbackRoleArn != "" {
		if err := ValidateRoleArn(cfg.FallbackRoleArn); err != nil {
			return err
		}
	}

	if cfg.RoleClaim != "" {
		if err := policy.ValidateClaimValue(cfg.RoleClaim); err != nil {
			return fmt.Errorf("%w: role_claim: %w", ErrInvalidRoleMapping, err)
		}
	}

	if cfg.SessionNameClaim != "" {
		if err := policy.ValidateClaimValue(cfg.SessionNameClaim); err != nil {
			return fmt.Errorf("%w: session_name_claim: %w", ErrInvalidSessionNameClaim, err)
		}
	}

	for i, mapping := range cfg.RoleMappings {
		if err := validateRoleMapping(i, mapping); err != nil {
			return err
		}
	}

	if cfg.SessionDuration != 0 {
		if cfg.SessionDuration < MinSessionDuration {
			return fmt.Errorf("session duration %d is below minimum %d seconds", cfg.SessionDuration, MinSessionDuration)
		}
		if cfg.SessionDuration > MaxSessionDuration {
			return fmt.Errorf("session duration %d exceeds maximum %d seconds", cfg.SessionDuration, MaxSessionDuration)
		}
	}

	return nil
}

// validateRoleMapping validates the structural properties of a single role mapping.
func validateRoleMapping(index int, mapping RoleMapping) error {
	if mapping.Claim == "" && mapping.Matcher == "" {
		return fmt.Errorf("%w at index %d: either claim or matcher must be set", ErrInvalidRoleMapping, index)
	}
	if mapping.Claim != "" && mapping.Matcher != "" {
		return fmt.Errorf("%w at index %d: claim and matcher are mutually exclusive", ErrInvalidRoleMapping, index)
	}

	if mapping.Claim != "" {
		if err := policy.ValidateClaimValue(mapping.Claim); err != nil {
			return fmt.Errorf("%w at index %d: %w", ErrInvalidRoleMapping, index, err)
		}
	}

	if mapping.RoleArn == "" {
		return fmt.Errorf("role mapping at index %d has empty role ARN", index)
	}

	if err := ValidateRoleArn(mapping.RoleArn); err != nil {
		return fmt.Errorf("role mapping at index %d: %w", index, err)
	}

	return nil
}

// buildCELExpression returns the CEL expression for a role mapping.
// If the mapping has a Matcher, it is used directly. Otherwise, a CEL expression
// is built from the Claim value: "claim_value" in claims["role_claim"].
func buildCELExpression(mapping RoleMapping, roleClaim string) string {
	if mapping.Matcher != "" {
		return mapping.Matcher
	}
	return policy.ClaimInExpression(mapping.Claim, roleClaim)
}
