package idp

import (
	json "github.com/goccy/go-json"
)

// envelope is the IdP's JSON response wrapper. Code 0 means success; any
// other value is an IdP-reported error with a human-readable message.
type envelope struct {
	Code int64           `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Token is the token payload returned by the access_token and
// refresh_access_token endpoints.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

// UserInfo is the identity payload of the user_info endpoint. UnionID is
// the stable identifier used everywhere else in the gateway.
type UserInfo struct {
	UnionID string `json:"union_id"`
	UserID  string `json:"user_id"`
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Avatar  string `json:"avatar_url,omitempty"`
}

// tokenRequest is the body of the authorization-code exchange.
type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	Code         string `json:"code,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}
