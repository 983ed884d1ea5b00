package jwtvalidate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/nexusgate/resource-gateway/pkg/auth"
	"github.com/nexusgate/resource-gateway/pkg/auth/claims"
	gwerrors "github.com/nexusgate/resource-gateway/pkg/errors"
)

// Validator parses and verifies a bearer token against the Registry,
// selecting the TrustedIDP by the token's unverified issuer claim before
// doing signature verification against that IDP's JWKS.
type Validator struct {
	registry *Registry
	stage    auth.Stage
}

// NewValidator builds a Validator for one stage of the flow (requestor or
// delegation tokens share the same registry but may apply azp policy
// differently per IDP).
func NewValidator(registry *Registry, stage auth.Stage) *Validator {
	return &Validator{registry: registry, stage: stage}
}

// Validate parses tokenString, verifies its signature against the JWKS of
// the IDP named by its issuer claim, and checks audience/expiry/azp
// per that IDP's configuration.
func (v *Validator) Validate(ctx context.Context, tokenString string) (*auth.ValidatedToken, error) {
	unverifiedIssuer, unverifiedAudiences, err := peekIssuerAndAudience(tokenString)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindInvalidToken, "malformed token", err)
	}

	idp, ok := v.registry.Lookup(unverifiedIssuer, unverifiedAudiences)
	if !ok {
		return nil, ErrUntrustedIssuer
	}

	if err := idp.ensureRegistered(ctx); err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindInternal, "JWKS registration failed", err)
	}

	parsed, err := jwt.Parse(tokenString, func(tok *jwt.Token) (any, error) {
		return keyFromJWKS(ctx, idp, tok)
	}, jwt.WithValidMethods(allowedOrDefault(idp.cfg.AllowedAlgs)), jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindInvalidToken, "signature verification failed", err)
	}
	if !parsed.Valid {
		return nil, gwerrors.New(gwerrors.KindInvalidToken, "token failed validation")
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, gwerrors.New(gwerrors.KindInvalidToken, "unexpected claims type")
	}

	if err := v.validateClaims(idp, mapClaims); err != nil {
		return nil, err
	}

	sub, _ := mapClaims.GetSubject()
	if sub == "" {
		return nil, gwerrors.New(gwerrors.KindInvalidToken, "token missing required 'sub' claim")
	}

	tree := map[string]any(mapClaims)
	mapped := map[string]any{}
	claims.Apply(tree, idp.cfg.ClaimMappings, mapped)
	for k, val := range mapped {
		if _, exists := tree[k]; !exists {
			tree[k] = val
		}
	}

	username, _ := tree[usernameClaimKey].(string)
	if idp.cfg.RequireUsername && username == "" {
		return nil, gwerrors.New(gwerrors.KindInvalidToken, "token missing required username claim after mapping")
	}

	exp, _ := mapClaims.GetExpirationTime()
	var expUnix int64
	if exp != nil {
		expUnix = exp.Unix()
	}

	return &auth.ValidatedToken{
		Subject:   sub,
		Username:  username,
		Issuer:    idp.cfg.Issuer,
		Audience:  idp.cfg.Audience,
		Stage:     v.stage,
		Claims:    tree,
		Raw:       tokenString,
		ExpiresAt: expUnix,
	}, nil
}

// usernameClaimKey is the mapped-claims key callers populate via
// TrustedIDPConfig.ClaimMappings to designate the human-readable username,
// e.g. mapping a provider's "preferred_username" or "email" to this key.
const usernameClaimKey = "username"

func (v *Validator) validateClaims(idp *TrustedIDP, mc jwt.MapClaims) error {
	skew := idp.cfg.ClockSkew
	if skew <= 0 {
		skew = 2 * time.Minute
	}

	exp, err := mc.GetExpirationTime()
	if err != nil || exp == nil || exp.Add(skew).Before(time.Now()) {
		return gwerrors.New(gwerrors.KindExpiredToken, "token is expired")
	}

	nbf, err := mc.GetNotBefore()
	if err != nil {
		return gwerrors.New(gwerrors.KindInvalidToken, "token has a malformed nbf claim")
	}
	if nbf != nil && nbf.Add(-skew).After(time.Now()) {
		return gwerrors.New(gwerrors.KindInvalidToken, "token is not yet valid (nbf)")
	}

	iat, err := mc.GetIssuedAt()
	if err != nil {
		return gwerrors.New(gwerrors.KindInvalidToken, "token has a malformed iat claim")
	}
	if idp.cfg.MaxTokenAge > 0 {
		if iat == nil {
			return gwerrors.New(gwerrors.KindInvalidToken, "token missing iat claim required by max_token_age policy")
		}
		if time.Since(iat.Time) > idp.cfg.MaxTokenAge+skew {
			return gwerrors.New(gwerrors.KindExpiredToken, "token exceeds the configured maximum age")
		}
	}

	if idp.cfg.Audience != "" {
		auds, err := mc.GetAudience()
		if err != nil {
			return gwerrors.New(gwerrors.KindAudienceMismatch, "token has no audience claim")
		}
		found := false
		for _, a := range auds {
			if a == idp.cfg.Audience {
				found = true
				break
			}
		}
		if !found {
			return gwerrors.New(gwerrors.KindAudienceMismatch, "token audience does not match configured audience")
		}
	}

	if idp.cfg.RequireAZP {
		azp, _ := mc["azp"].(string)
		if azp == "" || (idp.cfg.ExpectedAZP != "" && azp != idp.cfg.ExpectedAZP) {
			return gwerrors.New(gwerrors.KindUnauthorized, "token azp claim does not match expected authorized party")
		}
	}

	return nil
}

// peekIssuerAndAudience decodes the JWT payload without verifying its
// signature, just far enough to read the issuer and audience claims used
// to select a TrustedIDP when more than one shares an issuer. Both values
// are re-verified against the selected IDP's configuration later, once
// the token's signature has been checked, so reading them unverified here
// only narrows which JWKS to verify against.
func peekIssuerAndAudience(tokenString string) (string, []string, error) {
	parser := jwt.NewParser()
	claimsOnly := jwt.MapClaims{}
	_, _, err := parser.ParseUnverified(tokenString, claimsOnly)
	if err != nil {
		return "", nil, err
	}
	iss, _ := claimsOnly.GetIssuer()
	if iss == "" {
		return "", nil, fmt.Errorf("token has no issuer claim")
	}
	auds, _ := claimsOnly.GetAudience()
	return iss, auds, nil
}

func keyFromJWKS(ctx context.Context, idp *TrustedIDP, tok *jwt.Token) (any, error) {
	kid, ok := tok.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}

	keySet, err := idp.cache.Lookup(ctx, idp.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("lookup JWKS for %s: %w", idp.jwksURL, err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key id %s not found in JWKS", kid)
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("export key: %w", err)
	}
	return raw, nil
}

func allowedOrDefault(algs []string) []string {
	if len(algs) > 0 {
		return algs
	}
	return []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}
}

// marshalClaims encodes the claim tree as JSON. Nothing in this package
// calls it at present.
func marshalClaims(tree map[string]any) (json.RawMessage, error) {
	data, err := json.Marshal(tree)
	if err != nil {
		return nil, err
	}
	return data, nil
}
