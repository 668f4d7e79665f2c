package idp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mcpgate/pkg/logging"

	json "github.com/goccy/go-json"
)

// Endpoint paths below the IdP base URL.
const (
	authorizePath    = "/authorize"
	accessTokenPath  = "/access_token"
	refreshTokenPath = "/refresh_access_token"
	userInfoPath     = "/user_info"
)

// Client speaks the IdP's wire protocol: JSON requests and code/msg/data
// envelope responses on every endpoint.
type Client struct {
	appID       string
	appSecret   string
	redirectURI string
	baseURL     string
	scope       string

	httpClient *http.Client
}

// NewClient creates an IdP client.
func NewClient(appID, appSecret, redirectURI, baseURL, scope string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		appID:       appID,
		appSecret:   appSecret,
		redirectURI: redirectURI,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		scope:       scope,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// AuthorizeURL builds the browser redirect target for the authorization
// step with the given state parameter.
func (c *Client) AuthorizeURL(state string) string {
	query := url.Values{}
	query.Set("app_id", c.appID)
	query.Set("redirect_uri", c.redirectURI)
	query.Set("response_type", "code")
	query.Set("scope", c.scope)
	query.Set("state", state)

	return c.baseURL + authorizePath + "?" + query.Encode()
}

// ExchangeCode exchanges an authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*Token, error) {
	req := &tokenRequest{
		GrantType:    "authorization_code",
		ClientID:     c.appID,
		ClientSecret: c.appSecret,
		Code:         code,
		RedirectURI:  c.redirectURI,
	}

	var token Token
	if err := c.postJSON(ctx, "access_token", c.baseURL+accessTokenPath, req, &token); err != nil {
		return nil, err
	}

	logging.Debug("OAuth", "Exchanged authorization code (expires_in=%d)", token.ExpiresIn)
	return &token, nil
}

// Refresh exchanges a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	req := &tokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
	}

	var token Token
	if err := c.postJSON(ctx, "refresh_access_token", c.baseURL+refreshTokenPath, req, &token); err != nil {
		return nil, err
	}

	logging.Debug("OAuth", "Refreshed access token (expires_in=%d)", token.ExpiresIn)
	return &token, nil
}

// UserInfo fetches the authenticated user's identity with a bearer token.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+userInfoPath, nil)
	if err != nil {
		return nil, &ProtocolError{Op: "user_info", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	var info UserInfo
	if err := c.do(req, "user_info", &info); err != nil {
		return nil, err
	}

	if info.UnionID == "" {
		return nil, &ProtocolError{Op: "user_info", Err: fmt.Errorf("response missing union_id")}
	}

	return &info, nil
}

// postJSON sends a JSON body and decodes the envelope's data into out.
func (c *Client) postJSON(ctx context.Context, op, endpoint string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &ProtocolError{Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return &ProtocolError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return c.do(req, op, out)
}

// do executes a request and unwraps the IdP envelope. Error bodies are
// logged at debug only; they may contain hints the caller should not see.
func (c *Client) do(req *http.Request, op string, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ProtocolError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ProtocolError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logging.Debug("OAuth", "IdP %s returned status=%d body-fingerprint=%s",
			op, resp.StatusCode, logging.Fingerprint(body))
		return &ProtocolError{Op: op, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &ProtocolError{Op: op, Err: fmt.Errorf("unparseable response: %w", err)}
	}

	if env.Code != 0 {
		return &IdPError{Op: op, Code: env.Code, Msg: env.Msg}
	}
	if env.Data == nil {
		return &ProtocolError{Op: op, Err: fmt.Errorf("response missing data")}
	}

	if err := json.Unmarshal(env.Data, out); err != nil {
		return &ProtocolError{Op: op, Err: fmt.Errorf("unparseable data: %w", err)}
	}

	return nil
}
