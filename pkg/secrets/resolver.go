// Package secrets resolves `{"$secret": "NAME"}` placeholders found in the
// decoded configuration tree against a small provider chain: a
// file-mounted secret directory first, then the process environment.
// Resolution is fail-fast — a name neither provider can satisfy is a
// configuration error, not a runtime one.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gwerrors "github.com/nexusgate/resource-gateway/pkg/errors"
)

// PlaceholderKey is the map key a secret reference is encoded under when a
// configuration document is decoded into map[string]any (e.g. from YAML).
const PlaceholderKey = "$secret"

// Provider resolves a single named secret, or reports that it doesn't hold
// one by that name so the chain can fall through to the next provider.
type Provider interface {
	// Name identifies the provider for error messages.
	Name() string
	// Lookup returns the secret value and true, or ("", false) if this
	// provider has nothing under that name.
	Lookup(name string) (string, bool)
}

// FileProvider reads secrets mounted as one file per secret under Dir,
// e.g. Kubernetes Secret volumes at /run/secrets/<name>.
type FileProvider struct {
	Dir string
}

func (p *FileProvider) Name() string { return "file:" + p.Dir }

func (p *FileProvider) Lookup(name string) (string, bool) {
	if strings.ContainsAny(name, "/\\") {
		return "", false
	}
	data, err := os.ReadFile(filepath.Join(p.Dir, name))
	if err != nil {
		return "", false
	}
	return strings.TrimRight(string(data), "\r\n"), true
}

// EnvProvider reads secrets from the process environment.
type EnvProvider struct{}

func (EnvProvider) Name() string { return "env" }

func (EnvProvider) Lookup(name string) (string, bool) {
	return os.LookupEnv(name)
}

// Chain resolves a secret name against providers in order, returning the
// first hit.
type Chain struct {
	Providers []Provider
}

// DefaultChain mounts the standard file-then-env provider order described
// in the gateway's configuration contract.
func DefaultChain(secretsDir string) *Chain {
	return &Chain{Providers: []Provider{
		&FileProvider{Dir: secretsDir},
		EnvProvider{},
	}}
}

// Resolve looks up name against every provider in order, or returns a
// GatewayError of kind KindUnresolvedSecret naming every provider tried.
func (c *Chain) Resolve(name string) (string, error) {
	var tried []string
	for _, p := range c.Providers {
		if v, ok := p.Lookup(name); ok {
			return v, nil
		}
		tried = append(tried, p.Name())
	}
	return "", gwerrors.New(gwerrors.KindUnresolvedSecret,
		fmt.Sprintf("secret %q not found in any provider (tried: %s)", name, strings.Join(tried, ", ")))
}

// ResolveTree walks a decoded configuration document (the output of
// yaml.Unmarshal into map[string]any / []any / scalars) and returns a copy
// in which every `{"$secret": "NAME"}` leaf is replaced with the resolved
// secret value. The input is left unchanged.
func (c *Chain) ResolveTree(node any) (any, error) {
	switch v := node.(type) {
	case map[string]any:
		if len(v) == 1 {
			if name, ok := v[PlaceholderKey]; ok {
				nameStr, ok := name.(string)
				if !ok {
					return nil, gwerrors.New(gwerrors.KindConfigInvalid, "$secret value must be a string")
				}
				return c.Resolve(nameStr)
			}
		}
		out := make(map[string]any, len(v))
		for k, val := range v {
			resolved, err := c.ResolveTree(val)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			resolved, err := c.ResolveTree(val)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}
