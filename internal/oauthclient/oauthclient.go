// Package oauthclient implements the PKCE authorization-code flow against
// Anthropic's consumer OAuth endpoints: building the browser authorization
// URL, exchanging a code for tokens, and refreshing an access token. No
// step retries; failures are reported, not swallowed.
package oauthclient

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/delorenj/anthropic-max-proxy/internal/proxyconfig"
)

// PKCEChallenge is a verifier/challenge pair for one authorization attempt.
// The verifier also doubles as the OAuth "state" value, letting the flow
// complete without server-side session storage.
type PKCEChallenge struct {
	Verifier  string
	Challenge string
}

// TokenSet is the triple persisted across process restarts and refreshed
// in place. ExpiresAt is an absolute wall-clock instant.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// GeneratePKCE produces a fresh verifier/challenge pair. Purely
// computational; the verifier is 32 bytes of crypto/rand entropy encoded as
// URL-safe base64 without padding, and the challenge is the equally-encoded
// SHA-256 of the verifier's UTF-8 bytes.
func GeneratePKCE() (PKCEChallenge, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return PKCEChallenge{}, fmt.Errorf("generating PKCE verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])
	return PKCEChallenge{Verifier: verifier, Challenge: challenge}, nil
}

// config builds the oauth2.Config carrying the fixed public client
// identifier, redirect URI, and scope. Only AuthCodeURL is drawn from it;
// ExchangeCode and Refresh below hand-roll the token POST because Anthropic's
// token endpoint takes a JSON body, not the form-encoded body
// golang.org/x/oauth2's own token exchange sends.
func config(c *proxyconfig.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    c.ClientID,
		RedirectURL: c.RedirectURI,
		Scopes:      strings.Fields(c.Scope),
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.OAuthURL,
			TokenURL: c.TokenURL,
		},
	}
}

// BuildAuthURL returns the authorization URL carrying the S256 challenge
// and state=verifier.
func BuildAuthURL(c *proxyconfig.Config, pkce PKCEChallenge) string {
	cfg := config(c)
	return cfg.AuthCodeURL(pkce.Verifier,
		oauth2.SetAuthURLParam("code", "true"),
		oauth2.SetAuthURLParam("code_challenge", pkce.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// tokenResponse is the upstream token endpoint's JSON shape.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// ExchangeCode exchanges an authorization code for a token set. code may
// carry a "#state" suffix appended by the issuer's code-display page; if
// present it is split off and sent as state, with the remainder sent as
// code.
func ExchangeCode(ctx context.Context, c *proxyconfig.Config, code, verifier string) (*TokenSet, error) {
	actualCode, state := code, ""
	if idx := strings.IndexByte(code, '#'); idx >= 0 {
		actualCode, state = code[:idx], code[idx+1:]
	}

	body := map[string]string{
		"code":          actualCode,
		"state":         state,
		"grant_type":    "authorization_code",
		"client_id":     c.ClientID,
		"redirect_uri":  c.RedirectURI,
		"code_verifier": verifier,
	}
	return postToken(ctx, c, body)
}

// Refresh exchanges a refresh token for a new token set.
func Refresh(ctx context.Context, c *proxyconfig.Config, refreshToken string) (*TokenSet, error) {
	body := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     c.ClientID,
	}
	return postToken(ctx, c, body)
}

func postToken(ctx context.Context, c *proxyconfig.Config, body map[string]string) (*TokenSet, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenURL, strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: c.RequestTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling token endpoint: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed tokenResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if parsed.AccessToken == "" || parsed.RefreshToken == "" {
		return nil, fmt.Errorf("token response missing access_token or refresh_token")
	}

	return &TokenSet{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
	}, nil
}
