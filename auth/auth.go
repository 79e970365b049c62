// Package auth declares the HMAC-token authentication collaborator used to
// authenticate an incoming session before it is handed to the node's root
// dispatch. Out of scope per the spec: interface only, no implementation.
package auth

import "context"

// Identity is whatever the verifier extracts from a valid token: at least
// enough to log and to scope access decisions.
type Identity struct {
	Subject string
	Scopes  []string
}

// Verifier authenticates a bearer token presented at session setup.
type Verifier interface {
	Verify(ctx context.Context, token []byte) (Identity, error)
}
