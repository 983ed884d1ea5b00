// Package tokenexchange implements the gateway-initiated half of RFC 8693
// OAuth 2.0 Token Exchange: given a validated requestor token, obtain a
// delegation token scoped to a downstream audience.
package tokenexchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	gwerrors "github.com/nexusgate/resource-gateway/pkg/errors"
	"github.com/nexusgate/resource-gateway/pkg/logger"
)

const (
	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	tokenTypeAccessToken   = "urn:ietf:params:oauth:token-type:access_token"

	defaultHTTPTimeout  = 30 * time.Second
	maxResponseBodySize = 1 << 20

	redactedPlaceholder = "[REDACTED]"
	emptyPlaceholder    = "<empty>"
)

// Config describes one downstream token-exchange endpoint.
type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Audience     string
	Scopes       []string
	HTTPClient   *http.Client
}

func (c *Config) validate() error {
	if c.TokenURL == "" {
		return fmt.Errorf("TokenURL is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("ClientID is required")
	}
	if _, err := url.Parse(c.TokenURL); err != nil {
		return fmt.Errorf("TokenURL is not a valid URL: %w", err)
	}
	return nil
}

// DelegationToken is the result of a successful exchange: the token to
// forward downstream, its declared type, and its computed expiry.
type DelegationToken struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
	Scope       string
}

// Client performs RFC 8693 token exchanges against one configured
// endpoint, retrying once on a transient server error.
type Client struct {
	cfg    Config
	client *http.Client
}

// New builds a Client for cfg. It does not contact the network.
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindConfigInvalid, "invalid token exchange config", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Client{cfg: cfg, client: httpClient}, nil
}

// Exchange trades subjectToken (and, for delegation chains, an optional
// actor token) for a token scoped to the client's configured audience.
// It retries once on a 5xx response before giving up.
func (c *Client) Exchange(ctx context.Context, subjectToken string, actorToken string) (*DelegationToken, error) {
	req := &exchangeRequest{
		GrantType:          grantTypeTokenExchange,
		SubjectToken:       subjectToken,
		SubjectTokenType:   tokenTypeAccessToken,
		RequestedTokenType: tokenTypeAccessToken,
		Audience:           c.cfg.Audience,
		Scope:              c.cfg.Scopes,
	}
	if actorToken != "" {
		req.ActingParty = &actingParty{ActorToken: actorToken, ActorTokenType: tokenTypeAccessToken}
	}

	auth := clientAuthentication{ClientID: c.cfg.ClientID, ClientSecret: c.cfg.ClientSecret}

	op := func() (*response, error) {
		resp, err := c.doExchange(ctx, req, auth)
		if err != nil {
			var retryable *retryableError
			if errors.As(err, &retryable) {
				return nil, err // not wrapped in backoff.Permanent: eligible for retry
			}
			return nil, backoff.Permanent(err)
		}
		return resp, nil
	}

	resp, err := backoff.Retry(ctx, op, backoff.WithMaxTries(2))
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindExchangeFailed, "token exchange failed", err)
	}

	if resp.AccessToken == "" {
		return nil, gwerrors.New(gwerrors.KindExchangeFailed, "token exchange: server returned empty access_token")
	}
	if resp.IssuedTokenType == "" {
		return nil, gwerrors.New(gwerrors.KindExchangeFailed, "token exchange: server returned empty issued_token_type")
	}

	dt := &DelegationToken{
		AccessToken: resp.AccessToken,
		TokenType:   resp.TokenType,
		Scope:       resp.Scope,
	}
	if resp.ExpiresIn > 0 {
		dt.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return dt, nil
}

// retryableError marks a token-exchange failure caused by a transient
// server condition (5xx, network error) as eligible for one retry.
type retryableError struct{ cause error }

func (e *retryableError) Error() string { return e.cause.Error() }
func (e *retryableError) Unwrap() error { return e.cause }

func (c *Client) doExchange(ctx context.Context, req *exchangeRequest, auth clientAuthentication) (*response, error) {
	data, err := buildTokenExchangeFormData(req)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	httpReq, err := createTokenExchangeRequest(ctx, c.cfg.TokenURL, data, auth)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &retryableError{cause: fmt.Errorf("token exchange request failed: %w", err)}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBodySize))
	if err != nil {
		return nil, &retryableError{cause: fmt.Errorf("failed to read token exchange response: %w", err)}
	}

	if httpResp.StatusCode >= 500 {
		return nil, &retryableError{cause: fmt.Errorf("token exchange: server error %d: %s", httpResp.StatusCode, summarizeBody(body))}
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		if oauthErr := parseOAuthError(httpResp.StatusCode, body); oauthErr != nil {
			logger.Debugf("token exchange OAuth error: %s (%s)", oauthErr.Error, oauthErr.ErrorDescription)
			return nil, fmt.Errorf("%s", oauthErr.String())
		}
		return nil, fmt.Errorf("token exchange failed with status %d", httpResp.StatusCode)
	}

	var tokenResp response
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token exchange response: %w", err)
	}
	return &tokenResp, nil
}

func summarizeBody(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

type actingParty struct {
	ActorToken     string
	ActorTokenType string
}

type exchangeRequest struct {
	GrantType          string
	SubjectToken       string
	SubjectTokenType   string
	RequestedTokenType string
	Audience           string
	Scope              []string
	ActingParty        *actingParty
}

type response struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
	Scope           string `json:"scope"`
}

type clientAuthentication struct {
	ClientID     string
	ClientSecret string
}

type oAuthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
	StatusCode       int    `json:"-"`
}

func (e *oAuthError) String() string {
	if e.ErrorURI != "" {
		return fmt.Sprintf("OAuth error %q (status %d): see %s", e.Error, e.StatusCode, e.ErrorURI)
	}
	return fmt.Sprintf("OAuth error %q (status %d)", e.Error, e.StatusCode)
}

func parseOAuthError(statusCode int, body []byte) *oAuthError {
	var oauthErr oAuthError
	if err := json.Unmarshal(body, &oauthErr); err != nil || oauthErr.Error == "" {
		return nil
	}
	oauthErr.StatusCode = statusCode
	return &oauthErr
}

func buildTokenExchangeFormData(req *exchangeRequest) (url.Values, error) {
	if req.SubjectToken == "" {
		return nil, fmt.Errorf("subject_token is required")
	}

	data := url.Values{}
	data.Set("grant_type", grantTypeTokenExchange)
	data.Set("subject_token", req.SubjectToken)
	data.Set("subject_token_type", tokenTypeAccessToken)
	data.Set("requested_token_type", tokenTypeAccessToken)

	if req.Audience != "" {
		data.Set("audience", req.Audience)
	}
	if len(req.Scope) > 0 {
		data.Set("scope", strings.Join(req.Scope, " "))
	}
	if req.ActingParty != nil && req.ActingParty.ActorToken != "" {
		data.Set("actor_token", req.ActingParty.ActorToken)
		data.Set("actor_token_type", req.ActingParty.ActorTokenType)
	}
	return data, nil
}

func createTokenExchangeRequest(ctx context.Context, endpoint string, data url.Values, auth clientAuthentication) (*http.Request, error) {
	encoded := data.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to create token exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Content-Length", strconv.Itoa(len(encoded)))

	if auth.ClientID != "" && auth.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(auth.ClientID), url.QueryEscape(auth.ClientSecret))
	}
	return req, nil
}
