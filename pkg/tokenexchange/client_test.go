package tokenexchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchangeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, grantTypeTokenExchange, r.FormValue("grant_type"))
		assert.Equal(t, "requestor-jwt", r.FormValue("subject_token"))

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "gateway-client", user)
		assert.Equal(t, "s3cr3t", pass)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response{
			AccessToken:     "delegation-jwt",
			IssuedTokenType: tokenTypeAccessToken,
			TokenType:       "Bearer",
			ExpiresIn:       300,
		})
	}))
	defer srv.Close()

	c, err := New(Config{TokenURL: srv.URL, ClientID: "gateway-client", ClientSecret: "s3cr3t", Audience: "downstream"})
	require.NoError(t, err)

	dt, err := c.Exchange(context.Background(), "requestor-jwt", "")
	require.NoError(t, err)
	assert.Equal(t, "delegation-jwt", dt.AccessToken)
	assert.Equal(t, "Bearer", dt.TokenType)
	assert.False(t, dt.ExpiresAt.IsZero())
}

func TestExchangeRetriesOnServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response{
			AccessToken:     "delegation-jwt",
			IssuedTokenType: tokenTypeAccessToken,
			TokenType:       "Bearer",
		})
	}))
	defer srv.Close()

	c, err := New(Config{TokenURL: srv.URL, ClientID: "gateway-client"})
	require.NoError(t, err)

	dt, err := c.Exchange(context.Background(), "requestor-jwt", "")
	require.NoError(t, err)
	assert.Equal(t, "delegation-jwt", dt.AccessToken)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestExchangeDoesNotRetryOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(oAuthError{Error: "invalid_request"})
	}))
	defer srv.Close()

	c, err := New(Config{TokenURL: srv.URL, ClientID: "gateway-client"})
	require.NoError(t, err)

	_, err = c.Exchange(context.Background(), "requestor-jwt", "")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestExchangeRejectsEmptySubjectToken(t *testing.T) {
	c, err := New(Config{TokenURL: "https://idp.example.com/token", ClientID: "gateway-client"})
	require.NoError(t, err)

	_, err = c.Exchange(context.Background(), "", "")
	require.Error(t, err)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{TokenURL: ""})
	require.Error(t, err)
}

func TestExchangeCarriesActorTokenForDelegationChain(t *testing.T) {
	var gotActor string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotActor = r.FormValue("actor_token")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response{AccessToken: "tok", IssuedTokenType: tokenTypeAccessToken, TokenType: "Bearer"})
	}))
	defer srv.Close()

	c, err := New(Config{TokenURL: srv.URL, ClientID: "gateway-client"})
	require.NoError(t, err)

	_, err = c.Exchange(context.Background(), "requestor-jwt", "delegation-jwt")
	require.NoError(t, err)
	assert.Equal(t, "delegation-jwt", gotActor)
}

func TestParseOAuthErrorReturnsNilOnNonOAuthBody(t *testing.T) {
	assert.Nil(t, parseOAuthError(http.StatusBadRequest, []byte("not json")))
}

func TestCreateTokenExchangeRequestSetsBasicAuth(t *testing.T) {
	req, err := createTokenExchangeRequest(context.Background(), "https://idp.example.com/token",
		url.Values{"grant_type": {grantTypeTokenExchange}},
		clientAuthentication{ClientID: "id", ClientSecret: "secret"})
	require.NoError(t, err)
	user, pass, ok := req.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "id", user)
	assert.Equal(t, "secret", pass)
}
