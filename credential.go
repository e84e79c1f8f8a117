package warehouse

import (
	"context"
	"errors"
	"net/http"
)

// Credential authorizes outgoing requests. Identity-provider credentials
// acquire a fresh token on every call to Authorize; none of the
// implementations in this module cache tokens between requests, so a rotated
// or expired token never outlives one request.
//
// Implementations must be safe for concurrent use.
type Credential interface {
	Validator
	// Authorize sets the authentication headers on req. An error is reported
	// to the caller as an AuthenticationError and is never retried.
	Authorize(ctx context.Context, req *http.Request) error
}

// StaticToken is a pre-obtained bearer token, such as a personal access
// token.
type StaticToken string

var _ Credential = StaticToken("")

// Validate implements Validator.
func (t StaticToken) Validate() error {
	if t == "" {
		return errors.New("static token is empty")
	}
	return nil
}

// Authorize implements Credential.
func (t StaticToken) Authorize(_ context.Context, req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+string(t))
	return nil
}

// TokenFunc adapts a function returning a bearer token to Credential. The
// function is called once per request.
type TokenFunc func(ctx context.Context) (string, error)

var _ Credential = TokenFunc(nil)

// Validate implements Validator.
func (f TokenFunc) Validate() error {
	if f == nil {
		return errors.New("token function is nil")
	}
	return nil
}

// Authorize implements Credential.
func (f TokenFunc) Authorize(ctx context.Context, req *http.Request) error {
	token, err := f(ctx)
	if err != nil {
		return err
	}
	if token == "" {
		return errors.New("token function returned an empty token")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
