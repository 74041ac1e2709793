package tokenmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPOAuthClient is a minimal OAuthClient that exchanges a refresh token
// for a new access token against a configured OAuth token endpoint. The
// OAuth exchange itself is an external collaborator per the core's scope;
// this implementation exists so the module is a runnable program, not so
// its request shape is part of the core's contract.
type HTTPOAuthClient struct {
	Endpoint   string
	ClientID   string
	HTTPClient *http.Client
}

// NewHTTPOAuthClient constructs a client with a sane default timeout.
func NewHTTPOAuthClient(endpoint, clientID string) *HTTPOAuthClient {
	return &HTTPOAuthClient{
		Endpoint:   endpoint,
		ClientID:   clientID,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type oauthRefreshRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id,omitempty"`
}

type oauthRefreshResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Error       string `json:"error"`
}

// RefreshAccessToken implements OAuthClient.
func (c *HTTPOAuthClient) RefreshAccessToken(ctx context.Context, refreshToken string) (string, int64, error) {
	body, err := json.Marshal(oauthRefreshRequest{
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
		ClientID:     c.ClientID,
	})
	if err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, err
	}

	var parsed oauthRefreshResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", 0, fmt.Errorf("decode oauth response: %w", err)
	}

	if resp.StatusCode >= 400 || parsed.Error != "" {
		if parsed.Error != "" {
			return "", 0, fmt.Errorf("%s", parsed.Error)
		}
		return "", 0, fmt.Errorf("oauth refresh failed with status %d: %s", resp.StatusCode, string(raw))
	}

	return parsed.AccessToken, parsed.ExpiresIn, nil
}

// HTTPProjectResolver is a minimal ProjectResolver querying a configured
// endpoint with the bearer access token.
type HTTPProjectResolver struct {
	Endpoint   string
	HTTPClient *http.Client
}

// NewHTTPProjectResolver constructs a resolver with a sane default
// timeout.
func NewHTTPProjectResolver(endpoint string) *HTTPProjectResolver {
	return &HTTPProjectResolver{Endpoint: endpoint, HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

type projectIDResponse struct {
	ProjectID string `json:"project_id"`
}

// FetchProjectID implements ProjectResolver.
func (c *HTTPProjectResolver) FetchProjectID(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("project id fetch failed with status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed projectIDResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode project id response: %w", err)
	}
	if parsed.ProjectID == "" {
		return "", fmt.Errorf("project id response missing project_id")
	}
	return parsed.ProjectID, nil
}
