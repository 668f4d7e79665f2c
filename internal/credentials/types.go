package credentials

import "time"

// tokensFileName is the canonical credentials file name inside a per-user
// token directory.
const tokensFileName = "tokens.json"

// Credentials is the persisted credential record for one user. ExpiresAt is
// always an absolute UTC instant; relative expires-in values are normalized
// before a record is constructed.
type Credentials struct {
	UserID       string    `json:"user_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Valid reports whether the access token is presumed valid with the given
// safety margin before expiry.
func (c *Credentials) Valid(margin time.Duration) bool {
	if c == nil {
		return false
	}
	return time.Until(c.ExpiresAt) > margin
}

// clone returns a copy so cached records never escape by reference.
func (c *Credentials) clone() *Credentials {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}
