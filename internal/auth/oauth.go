package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TokenResponse holds the tokens returned after a successful OAuth grant.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int // seconds until the access token expires
}

// RefreshGrant exchanges refresh tokens at a ServiceNow OAuth endpoint.
type RefreshGrant struct {
	clientID     string
	clientSecret string
	baseURL      string
	client       *http.Client
}

// NewRefreshGrant creates a RefreshGrant for the instance at baseURL.
func NewRefreshGrant(clientID, clientSecret, baseURL string) *RefreshGrant {
	return &RefreshGrant{
		clientID:     clientID,
		clientSecret: clientSecret,
		baseURL:      baseURL,
		client:       &http.Client{Timeout: 15 * time.Second},
	}
}

// Refresh exchanges refreshToken for a new access token. Instances that do
// not rotate refresh tokens answer without one; the old one is kept.
func (g *RefreshGrant) Refresh(ctx context.Context, refreshToken string) (TokenResponse, error) {
	tokenEndpoint, err := url.JoinPath(g.baseURL, "/oauth_token.do")
	if err != nil {
		return TokenResponse{}, fmt.Errorf("building URL: %w", err)
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("client_id", g.clientID)
	data.Set("client_secret", g.clientSecret)
	data.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return TokenResponse{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("refreshing token: %w", err)
	}
	defer resp.Body.Close()

	var raw struct {
		AccessToken      string `json:"access_token"`
		RefreshToken     string `json:"refresh_token"`
		ExpiresIn        int    `json:"expires_in"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return TokenResponse{}, fmt.Errorf("decoding token response (%s): %w", resp.Status, err)
	}
	if raw.Error != "" {
		return TokenResponse{}, fmt.Errorf("token refresh rejected: %s %s", raw.Error, raw.ErrorDescription)
	}
	if resp.StatusCode >= 400 || raw.AccessToken == "" {
		return TokenResponse{}, fmt.Errorf("token refresh failed: %s", resp.Status)
	}

	out := TokenResponse{AccessToken: raw.AccessToken, RefreshToken: raw.RefreshToken, ExpiresIn: raw.ExpiresIn}
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	return out, nil
}
