package micropub

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
)

// TokenInfo describes an introspected bearer token.
type TokenInfo struct {
	Me     string // the identity URL the token was issued for
	Scopes []string
}

// HasScope reports whether the token grants the named scope.
func (t *TokenInfo) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// TokenVerifier checks a bearer token and reports its identity and
// granted scopes.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*TokenInfo, error)
}

// IndieAuthVerifier verifies tokens against a remote IndieAuth token
// endpoint. When ExpectedToken is set, verification is a local equality
// check and the token is granted all scopes; this keeps tests and
// single-user deploys off the network.
type IndieAuthVerifier struct {
	Endpoint      string
	Hostname      string // the identity hostname allowed to use this API
	ExpectedToken string

	client *http.Client
}

// NewIndieAuthVerifier builds a verifier from the app configuration.
func NewIndieAuthVerifier(cfg Config) *IndieAuthVerifier {
	return &IndieAuthVerifier{
		Endpoint:      cfg.TokenEndpoint,
		Hostname:      cfg.hostname(),
		ExpectedToken: cfg.ExpectedToken,
		client:        &http.Client{Timeout: cfg.RequestTimeout},
	}
}

const maxTokenResponseBytes = 1 << 20

// Verify classifies the token: forbidden when the endpoint rejects it
// or the identity hostname doesn't match, upstream error on any other
// failure.
func (v *IndieAuthVerifier) Verify(ctx context.Context, token string) (*TokenInfo, error) {
	if v.ExpectedToken != "" {
		if token == v.ExpectedToken {
			return &TokenInfo{Me: "https://" + v.Hostname + "/", Scopes: []string{"create", "update"}}, nil
		}
		return nil, echo.NewHTTPError(http.StatusForbidden, "you are forbidden")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.Endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "bad response from token endpoint").SetInternal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return nil, echo.NewHTTPError(http.StatusForbidden, "token endpoint rejected token")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "bad response from token endpoint")
	}

	var payload struct {
		Me    string `json:"me"`
		Scope string `json:"scope"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTokenResponseBytes)).Decode(&payload); err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "bad response from token endpoint").SetInternal(err)
	}

	me, err := url.Parse(payload.Me)
	if err != nil || me.Hostname() != v.Hostname {
		return nil, echo.NewHTTPError(http.StatusForbidden, "you are not the person allowed to use this API")
	}

	return &TokenInfo{Me: payload.Me, Scopes: strings.Fields(payload.Scope)}, nil
}
