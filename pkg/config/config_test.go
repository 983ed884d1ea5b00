package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
idps:
  - name: corp-idp
    issuer: https://idp.example.com
    audience: gateway
    jwksURI: https://idp.example.com/jwks.json
    requireAzp: true
    expectedAzp: gateway-client
tokenExchange:
  tokenURL: https://idp.example.com/token
  clientID: gateway
  clientSecret: plain-secret
session:
  idleTimeout: 10m
  absoluteTimeout: 1h
cache:
  maxEntriesPerSession: 32
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoaderValidConfig(t *testing.T) {
	path := writeConfig(t, validYAML)
	l, err := NewLoader(path, nil)
	require.NoError(t, err)

	cfg := l.Current()
	require.Len(t, cfg.IDPs, 1)
	assert.Equal(t, "https://idp.example.com", cfg.IDPs[0].Issuer)
	assert.Equal(t, "plain-secret", cfg.TokenExchange.ClientSecret)
	assert.Equal(t, 32, cfg.Cache.MaxEntriesPerSession)
}

func TestLoaderRejectsMissingIDP(t *testing.T) {
	path := writeConfig(t, `
tokenExchange:
  tokenURL: https://idp.example.com/token
session:
  idleTimeout: 10m
  absoluteTimeout: 1h
`)
	_, err := NewLoader(path, nil)
	require.Error(t, err)
}

func TestLoaderRejectsPlaintextIssuer(t *testing.T) {
	path := writeConfig(t, `
idps:
  - name: corp-idp
    issuer: http://idp.example.com
    jwksURI: http://idp.example.com/jwks.json
tokenExchange:
  tokenURL: https://idp.example.com/token
session:
  idleTimeout: 10m
  absoluteTimeout: 1h
`)
	_, err := NewLoader(path, nil)
	require.Error(t, err)
}

func TestLoaderResolvesSecretPlaceholder(t *testing.T) {
	secretsDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(secretsDir, "CLIENT_SECRET"), []byte("file-secret"), 0o600))

	path := writeConfig(t, `
secretsDir: `+secretsDir+`
idps:
  - name: corp-idp
    issuer: https://idp.example.com
    jwksURI: https://idp.example.com/jwks.json
tokenExchange:
  tokenURL: https://idp.example.com/token
  clientSecret:
    $secret: CLIENT_SECRET
session:
  idleTimeout: 10m
  absoluteTimeout: 1h
`)
	l, err := NewLoader(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "file-secret", l.Current().TokenExchange.ClientSecret)
}

func TestLoaderResolvesSecretPlaceholderInsideModuleRaw(t *testing.T) {
	secretsDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(secretsDir, "DB_PASSWORD"), []byte("db-secret"), 0o600))

	path := writeConfig(t, `
secretsDir: `+secretsDir+`
idps:
  - name: corp-idp
    issuer: https://idp.example.com
    jwksURI: https://idp.example.com/jwks.json
tokenExchange:
  tokenURL: https://idp.example.com/token
session:
  idleTimeout: 10m
  absoluteTimeout: 1h
modules:
  - name: billing-db
    type: relational
    dsn: postgres://gateway@db/billing
    password:
      $secret: DB_PASSWORD
`)
	l, err := NewLoader(path, nil)
	require.NoError(t, err)
	require.Len(t, l.Current().Modules, 1)
	assert.Equal(t, "db-secret", l.Current().Modules[0].Raw["password"])
}

func TestLoaderRejectsUnresolvableSecretPlaceholder(t *testing.T) {
	path := writeConfig(t, `
idps:
  - name: corp-idp
    issuer: https://idp.example.com
    jwksURI: https://idp.example.com/jwks.json
tokenExchange:
  tokenURL: https://idp.example.com/token
  clientSecret:
    $secret: DOES_NOT_EXIST_ANYWHERE
session:
  idleTimeout: 10m
  absoluteTimeout: 1h
`)
	_, err := NewLoader(path, nil)
	require.Error(t, err)
}

func TestLoaderRejectsDuplicateIssuerAudiencePair(t *testing.T) {
	path := writeConfig(t, `
idps:
  - name: corp-idp-a
    issuer: https://idp.example.com
    audience: service-a
    jwksURI: https://idp.example.com/jwks.json
  - name: corp-idp-b
    issuer: https://idp.example.com
    audience: service-a
    jwksURI: https://idp.example.com/jwks.json
tokenExchange:
  tokenURL: https://idp.example.com/token
session:
  idleTimeout: 10m
  absoluteTimeout: 1h
`)
	_, err := NewLoader(path, nil)
	require.Error(t, err, "same (issuer, audience) pair registered twice must be rejected")
}

func TestLoaderAllowsSameIssuerDifferentAudience(t *testing.T) {
	path := writeConfig(t, `
idps:
  - name: corp-idp-a
    issuer: https://idp.example.com
    audience: service-a
    jwksURI: https://idp.example.com/jwks.json
  - name: corp-idp-b
    issuer: https://idp.example.com
    audience: service-b
    jwksURI: https://idp.example.com/jwks.json
tokenExchange:
  tokenURL: https://idp.example.com/token
session:
  idleTimeout: 10m
  absoluteTimeout: 1h
`)
	_, err := NewLoader(path, nil)
	require.NoError(t, err, "same issuer with distinct audiences must be allowed")
}

func TestLoaderRejectsIdleExceedingAbsolute(t *testing.T) {
	path := writeConfig(t, `
idps:
  - name: corp-idp
    issuer: https://idp.example.com
    jwksURI: https://idp.example.com/jwks.json
tokenExchange:
  tokenURL: https://idp.example.com/token
session:
  idleTimeout: 2h
  absoluteTimeout: 1h
`)
	_, err := NewLoader(path, nil)
	require.Error(t, err)
}
