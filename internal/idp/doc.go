// Package idp implements the OAuth 2.0 broker against the external
// identity provider.
//
// The IdP speaks JSON on every endpoint and wraps responses in a
// code/msg/data envelope (code 0 is success). The stable user identifier is
// the union id from the user_info endpoint; it keys everything else in the
// gateway.
//
// Flow: AuthorizeURL stores a pending authorization and builds the browser
// redirect; the composite state parameter "{token}_{sessionID}" ties the
// callback back to the session. HandleCallback consumes the state exactly
// once, exchanges the code, resolves the identity, and persists the
// credentials. EnsureValid hands out credentials with at least five minutes
// of validity left, refreshing behind a singleflight gate.
package idp
