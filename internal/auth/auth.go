// Package auth holds the credentials the client presents to the tutor
// services and the error every collaborator returns when they are rejected.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnauthorized is returned by any collaborator whose request was rejected
// with HTTP 401. It is never retried; the caller has to log in again.
var ErrUnauthorized = errors.New("auth: unauthorized")

// TokenSource supplies the bearer token for outgoing requests. An empty token
// means requests are sent without credentials.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token.
type StaticToken string

// Token implements [TokenSource].
func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Bearer formats token as an Authorization header value. An empty token
// yields an empty value.
func Bearer(token string) string {
	if token == "" {
		return ""
	}
	return "Bearer " + token
}

// FileStore persists the access token in a file readable only by the user.
type FileStore struct {
	Path string
}

// Compile-time interface assertion.
var _ TokenSource = (*FileStore)(nil)

// Token implements [TokenSource]. A missing file yields an empty token.
func (f *FileStore) Token(context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("auth: read token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Save writes token to the store, creating parent directories as needed.
func (f *FileStore) Save(token string) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return fmt.Errorf("auth: save token: %w", err)
	}
	if err := os.WriteFile(f.Path, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("auth: save token: %w", err)
	}
	return nil
}

// Clear removes the stored token. Clearing an empty store is not an error.
func (f *FileStore) Clear() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("auth: clear token: %w", err)
	}
	return nil
}
