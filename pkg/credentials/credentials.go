// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package credentials manages the accounts used to run the LLM CLI: global
// and per-project token records in a SQLite database under the ralphx data
// directory, with the token secrets held in the OS keyring when one is
// available and in the database otherwise.
//
// Tokens reach the subprocess through a freshly composed environment (see
// Env); the credentials-file swap survives only for CLI builds that predate
// EnvOAuthToken.
package credentials

import (
	"context"
	"errors"
	"os"
	"time"
)

// EnvOAuthToken is the environment variable the CLI reads its OAuth access
// token from. It takes precedence over any on-disk credentials file.
const EnvOAuthToken = "CLAUDE_CODE_OAUTH_TOKEN"

// DefaultExpiryBuffer is how long before expiry a token counts as expiring.
const DefaultExpiryBuffer = 4 * time.Hour

// ErrNotFound is returned when a requested account does not exist.
var ErrNotFound = errors.New("account not found")

// ErrAuthRequired reports that no usable credential could be resolved or
// refreshed. It is surfaced to the operator and never retried silently.
var ErrAuthRequired = errors.New("authentication required")

// Scope is the visibility of an account.
type Scope string

const (
	// ScopeGlobal accounts are usable from every project.
	ScopeGlobal Scope = "global"
	// ScopeProject accounts are bound to a single project.
	ScopeProject Scope = "project"
)

// Valid reports whether the scope is a known value.
func (s Scope) Valid() bool {
	return s == ScopeGlobal || s == ScopeProject
}

// Account is one stored credential. AccessToken and RefreshToken are
// secrets: the store keeps them in the OS keyring and falls back to
// database columns when the keyring is unavailable.
type Account struct {
	ID           string     `json:"id"`
	Scope        Scope      `json:"scope"`
	ProjectID    string     `json:"project_id,omitempty"` // set when Scope is ScopeProject
	Label        string     `json:"label,omitempty"`
	AccessToken  string     `json:"-"`
	RefreshToken string     `json:"-"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"` // nil when the token does not expire
	IsDefault    bool       `json:"is_default"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Expiring reports whether the access token expires within buffer. Accounts
// without an expiry never expire.
func (a *Account) Expiring(buffer time.Duration) bool {
	if a.ExpiresAt == nil {
		return false
	}
	return time.Until(*a.ExpiresAt) < buffer
}

// TokenSet is the result of a successful token refresh. An empty
// RefreshToken means the provider did not rotate it and the stored one
// stays valid.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// Refresher exchanges a refresh token for a fresh access token. The OAuth
// browser flow and token endpoint live outside the core; callers inject an
// implementation. Without one, expired tokens cannot be renewed.
type Refresher interface {
	Refresh(ctx context.Context, account *Account) (*TokenSet, error)
}

// Env returns a copy of the parent environment with the account's access
// token appended. Every subprocess gets its own environment so concurrent
// loops never interfere with each other's credentials.
func Env(account *Account) []string {
	return append(os.Environ(), EnvOAuthToken+"="+account.AccessToken)
}
