// Package claims evaluates dotted path expressions ("resource.access.roles")
// against a decoded JWT claim tree. It replaces ad hoc type assertions with
// a small, data-driven walker so claim-mapping rules live in configuration
// rather than in new Go code every time an IDP's claim shape differs.
package claims

import "strings"

// Lookup walks path (dot-separated segments) through claims and returns
// the value found there, or (nil, false) if any segment is missing or the
// walk hits a non-map value before the path is exhausted.
func Lookup(claimTree map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var cur any = claimTree
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// LookupString is Lookup specialized for the common case of a string leaf.
func LookupString(claimTree map[string]any, path string) (string, bool) {
	v, ok := Lookup(claimTree, path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// LookupStringSlice is Lookup specialized for a leaf that is either a JSON
// array of strings or (per several IDPs' convention) a single
// space-delimited string, e.g. an OAuth "scope" claim.
func LookupStringSlice(claimTree map[string]any, path string) ([]string, bool) {
	v, ok := Lookup(claimTree, path)
	if !ok {
		return nil, false
	}
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	case []string:
		return t, true
	case string:
		return strings.Fields(t), true
	default:
		return nil, false
	}
}

// Mapping renames a source claim path to a destination key in a flattened
// output map — the declarative replacement for provider-specific
// assertions like `claims["cognito:groups"]`.
type Mapping struct {
	SourcePath string
	DestKey    string
}

// Apply evaluates every mapping against claimTree and writes matches into
// dest. A mapping whose source path is absent is silently skipped — a
// missing optional claim is not an error.
func Apply(claimTree map[string]any, mappings []Mapping, dest map[string]any) {
	for _, m := range mappings {
		if v, ok := Lookup(claimTree, m.SourcePath); ok {
			// First-writer-wins: never overwrite a key a higher-priority
			// mapping (or the requestor token) already populated.
			if _, exists := dest[m.DestKey]; !exists {
				dest[m.DestKey] = v
			}
		}
	}
}
