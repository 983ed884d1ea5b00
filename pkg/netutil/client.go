// Package netutil builds the shared HTTP clients used for JWKS fetch, OIDC
// discovery, and token exchange: CA bundle loading, conservative timeouts,
// and a TLS-except-localhost policy so development issuers can run over
// plain HTTP without opening that door in production.
package netutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"
)

const (
	defaultTimeout               = 30 * time.Second
	defaultTLSHandshakeTimeout   = 10 * time.Second
	defaultResponseHeaderTimeout = 10 * time.Second
)

// ClientBuilder constructs an *http.Client with the policy knobs the
// gateway's outbound HTTP calls need: a CA bundle, an optional bearer
// token loaded from a mounted file, and an overall timeout. WithPrivateIPs
// records a setting that Build does not consult; the plaintext-to-loopback
// rule lives in ValidateEndpointURL, not in the built client.
type ClientBuilder struct {
	caBundlePath   string
	tokenFilePath  string
	allowPrivateIP bool
	timeout        time.Duration
}

// NewClientBuilder returns a builder with no CA bundle, no token file and
// a 30s overall timeout.
func NewClientBuilder() *ClientBuilder {
	return &ClientBuilder{timeout: defaultTimeout}
}

func (b *ClientBuilder) WithCABundle(path string) *ClientBuilder {
	b.caBundlePath = path
	return b
}

func (b *ClientBuilder) WithTokenFromFile(path string) *ClientBuilder {
	b.tokenFilePath = path
	return b
}

func (b *ClientBuilder) WithPrivateIPs(allow bool) *ClientBuilder {
	b.allowPrivateIP = allow
	return b
}

func (b *ClientBuilder) WithTimeout(d time.Duration) *ClientBuilder {
	b.timeout = d
	return b
}

// Build assembles the *http.Client. When a token file is configured, the
// returned client's Transport attaches a Bearer Authorization header to
// every outgoing request built from it.
func (b *ClientBuilder) Build() (*http.Client, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if b.caBundlePath != "" {
		pem, err := os.ReadFile(b.caBundlePath)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA bundle %s contains no usable certificates", b.caBundlePath)
		}
		tlsConfig.RootCAs = pool
	}

	base := &http.Transport{
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
	}

	var rt http.RoundTripper = base
	if b.tokenFilePath != "" {
		rt = &bearerFileTransport{base: base, path: b.tokenFilePath}
	}

	return &http.Client{
		Timeout:   b.timeout,
		Transport: rt,
	}, nil
}

type bearerFileTransport struct {
	base http.RoundTripper
	path string
}

func (t *bearerFileTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := os.ReadFile(t.path)
	if err != nil {
		return nil, fmt.Errorf("read bearer token file %s: %w", t.path, err)
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+trimNewline(string(tok)))
	return t.base.RoundTrip(req)
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// IsLocalhost reports whether host (which may include a port) resolves to
// the loopback interface by name or literal address.
func IsLocalhost(host string) bool {
	h := host
	if hostOnly, _, err := net.SplitHostPort(host); err == nil {
		h = hostOnly
	}
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

// ValidateEndpointURL enforces the TLS-except-localhost policy for any URL
// the gateway will later dereference (discovery endpoints, JWKS URIs,
// token endpoints).
func ValidateEndpointURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "https" && !IsLocalhost(u.Host) {
		return fmt.Errorf("endpoint %q must use HTTPS (plaintext HTTP is only permitted to localhost)", raw)
	}
	return nil
}
