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

package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
	"go.uber.org/zap/zaptest"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	keyring.MockInit()

	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "credentials.db"), zaptest.NewLogger(t))
	require.NoError(t, err, "open should succeed")
	t.Cleanup(func() {
		require.NoError(t, s.Close(), "close should succeed")
	})
	return s
}

func accountFixture(label string) *Account {
	expires := time.Now().Add(12 * time.Hour).UTC().Truncate(time.Second)
	return &Account{
		Label:        label,
		AccessToken:  "access-" + label,
		RefreshToken: "refresh-" + label,
		ExpiresAt:    &expires,
	}
}

type fakeRefresher struct {
	tokens *TokenSet
	err    error
	calls  int
}

func (f *fakeRefresher) Refresh(_ context.Context, _ *Account) (*TokenSet, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.tokens, nil
}

func TestOpenCreatesDatabase(t *testing.T) {
	keyring.MockInit()
	path := filepath.Join(t.TempDir(), "credentials.db")

	s, err := Open(context.Background(), path, zaptest.NewLogger(t))
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "credential database should be owner-only")
	require.NoError(t, s.Close())

	// Reopening applies the schema idempotently.
	reopened, err := Open(context.Background(), path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, reopened.Close())
}

func TestCreateAndGetAccount(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	acct := accountFixture("work")
	require.NoError(t, s.CreateAccount(ctx, acct))
	assert.NotEmpty(t, acct.ID, "create should assign an id")
	assert.Equal(t, ScopeGlobal, acct.Scope, "scope should default to global")

	got, err := s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "work", got.Label)
	assert.Equal(t, "access-work", got.AccessToken)
	assert.Equal(t, "refresh-work", got.RefreshToken)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(*acct.ExpiresAt), "expiry should roundtrip")
	assert.False(t, got.IsDefault)
}

func TestGetAccountNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetAccount(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateAccountValidation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	err := s.CreateAccount(ctx, &Account{AccessToken: "tok", Scope: Scope("team")})
	assert.ErrorContains(t, err, "invalid account scope")

	err = s.CreateAccount(ctx, &Account{AccessToken: "tok", Scope: ScopeProject})
	assert.ErrorContains(t, err, "requires a project id")

	err = s.CreateAccount(ctx, &Account{AccessToken: "tok", ProjectID: "proj-1"})
	assert.ErrorContains(t, err, "cannot reference project")

	err = s.CreateAccount(ctx, &Account{Label: "tokenless"})
	assert.ErrorContains(t, err, "access token is required")

	acct := accountFixture("dup")
	require.NoError(t, s.CreateAccount(ctx, acct))
	err = s.CreateAccount(ctx, &Account{ID: acct.ID, AccessToken: "tok"})
	assert.ErrorContains(t, err, "already exists")
}

func TestSecretsPreferKeyring(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	acct := accountFixture("vault")
	require.NoError(t, s.CreateAccount(ctx, acct))

	var accessCol, refreshCol string
	err := s.db.QueryRow(
		"SELECT access_token, refresh_token FROM accounts WHERE id = ?", acct.ID).
		Scan(&accessCol, &refreshCol)
	require.NoError(t, err)
	assert.Empty(t, accessCol, "column should stay empty while the keyring holds the secret")
	assert.Empty(t, refreshCol)

	stored, err := keyring.Get(ServiceName, accessTokenKey(acct.ID))
	require.NoError(t, err)
	assert.Equal(t, "access-vault", stored)

	got, err := s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-vault", got.AccessToken)
}

func TestSecretsFallBackToDatabase(t *testing.T) {
	s := setupTestStore(t)
	keyring.MockInitWithError(errors.New("keyring unavailable"))
	t.Cleanup(keyring.MockInit)
	ctx := context.Background()

	acct := accountFixture("fallback")
	require.NoError(t, s.CreateAccount(ctx, acct))

	var accessCol string
	require.NoError(t, s.db.QueryRow(
		"SELECT access_token FROM accounts WHERE id = ?", acct.ID).Scan(&accessCol))
	assert.Equal(t, "access-fallback", accessCol, "column should carry the secret when the keyring errors")

	got, err := s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-fallback", got.AccessToken)
	assert.Equal(t, "refresh-fallback", got.RefreshToken)
}

func TestListAccountsOmitsSecrets(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAccount(ctx, accountFixture("one")))
	require.NoError(t, s.CreateAccount(ctx, accountFixture("two")))

	accounts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	for _, account := range accounts {
		assert.Empty(t, account.AccessToken, "list should not expose tokens")
		assert.Empty(t, account.RefreshToken)
		assert.NotEmpty(t, account.Label)
	}
}

func TestResolveOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	global := accountFixture("global")
	global.IsDefault = true
	require.NoError(t, s.CreateAccount(ctx, global))

	project := accountFixture("project")
	project.Scope = ScopeProject
	project.ProjectID = "proj-1"
	project.IsDefault = true
	require.NoError(t, s.CreateAccount(ctx, project))

	explicit := accountFixture("explicit")
	require.NoError(t, s.CreateAccount(ctx, explicit))

	got, err := s.Resolve(ctx, "proj-1", explicit.ID)
	require.NoError(t, err)
	assert.Equal(t, explicit.ID, got.ID, "explicit id should win")

	got, err = s.Resolve(ctx, "proj-1", "")
	require.NoError(t, err)
	assert.Equal(t, project.ID, got.ID, "project default should beat global")

	got, err = s.Resolve(ctx, "proj-2", "")
	require.NoError(t, err)
	assert.Equal(t, global.ID, got.ID, "project without accounts should fall back to global")

	got, err = s.Resolve(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, global.ID, got.ID)
	assert.Equal(t, "access-global", got.AccessToken, "resolve should load secrets")
}

func TestResolveWithoutDefaultFlag(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	acct := accountFixture("only")
	require.NoError(t, s.CreateAccount(ctx, acct))

	got, err := s.Resolve(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, acct.ID, got.ID, "sole account should resolve without a default flag")
}

func TestResolveNoUsableAccount(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Resolve(ctx, "proj-1", "")
	assert.ErrorIs(t, err, ErrAuthRequired)

	_, err = s.Resolve(ctx, "", "missing-id")
	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestSetDefaultAccountSwaps(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first := accountFixture("first")
	first.IsDefault = true
	require.NoError(t, s.CreateAccount(ctx, first))
	second := accountFixture("second")
	require.NoError(t, s.CreateAccount(ctx, second))

	require.NoError(t, s.SetDefaultAccount(ctx, second.ID))

	accounts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	byID := make(map[string]*Account, len(accounts))
	for _, account := range accounts {
		byID[account.ID] = account
	}
	assert.False(t, byID[first.ID].IsDefault, "previous default should be cleared")
	assert.True(t, byID[second.ID].IsDefault)

	err = s.SetDefaultAccount(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateTokens(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	acct := accountFixture("rotate")
	require.NoError(t, s.CreateAccount(ctx, acct))

	expires := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, s.UpdateTokens(ctx, acct.ID, &TokenSet{
		AccessToken: "access-new",
		ExpiresAt:   &expires,
	}))

	got, err := s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-new", got.AccessToken)
	assert.Equal(t, "refresh-rotate", got.RefreshToken, "empty refresh token should keep the stored one")
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(expires))

	err = s.UpdateTokens(ctx, "missing", &TokenSet{AccessToken: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnsureFreshSkipsValidToken(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	eternal := &Account{ID: "a", AccessToken: "tok"}
	got, err := s.EnsureFresh(ctx, eternal, 0)
	require.NoError(t, err)
	assert.Same(t, eternal, got, "non-expiring token should pass through")

	farOut := time.Now().Add(48 * time.Hour)
	fresh := &Account{ID: "b", AccessToken: "tok", ExpiresAt: &farOut}
	got, err = s.EnsureFresh(ctx, fresh, 0)
	require.NoError(t, err)
	assert.Same(t, fresh, got)
}

func TestEnsureFreshRefreshesExpiring(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	acct := accountFixture("expiring")
	soon := time.Now().Add(30 * time.Minute).UTC().Truncate(time.Second)
	acct.ExpiresAt = &soon
	require.NoError(t, s.CreateAccount(ctx, acct))

	next := time.Now().Add(12 * time.Hour).UTC().Truncate(time.Second)
	ref := &fakeRefresher{tokens: &TokenSet{
		AccessToken:  "access-renewed",
		RefreshToken: "refresh-renewed",
		ExpiresAt:    &next,
	}}
	s.SetRefresher(ref)

	got, err := s.EnsureFresh(ctx, acct, 4*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, ref.calls)
	assert.Equal(t, "access-renewed", got.AccessToken)

	stored, err := s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-renewed", stored.AccessToken, "refresh should persist")
	assert.Equal(t, "refresh-renewed", stored.RefreshToken)
	require.NotNil(t, stored.ExpiresAt)
	assert.True(t, stored.ExpiresAt.Equal(next))
}

func TestEnsureFreshAuthRequired(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	soon := time.Now().Add(10 * time.Minute)
	acct := &Account{ID: "x", AccessToken: "tok", RefreshToken: "ref", ExpiresAt: &soon}

	// No refresher installed.
	_, err := s.EnsureFresh(ctx, acct, 0)
	assert.ErrorIs(t, err, ErrAuthRequired)

	// Refresher present but nothing to refresh with.
	s.SetRefresher(&fakeRefresher{tokens: &TokenSet{AccessToken: "new"}})
	bare := &Account{ID: "y", AccessToken: "tok", ExpiresAt: &soon}
	_, err = s.EnsureFresh(ctx, bare, 0)
	assert.ErrorIs(t, err, ErrAuthRequired)

	// Refresher fails.
	s.SetRefresher(&fakeRefresher{err: errors.New("token endpoint unreachable")})
	_, err = s.EnsureFresh(ctx, acct, 0)
	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestRefreshExpiring(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	expiring := accountFixture("expiring")
	soon := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	expiring.ExpiresAt = &soon
	require.NoError(t, s.CreateAccount(ctx, expiring))

	fresh := accountFixture("fresh")
	far := time.Now().Add(72 * time.Hour).UTC().Truncate(time.Second)
	fresh.ExpiresAt = &far
	require.NoError(t, s.CreateAccount(ctx, fresh))

	eternal := accountFixture("eternal")
	eternal.ExpiresAt = nil
	require.NoError(t, s.CreateAccount(ctx, eternal))

	next := time.Now().Add(12 * time.Hour).UTC().Truncate(time.Second)
	ref := &fakeRefresher{tokens: &TokenSet{AccessToken: "access-renewed", ExpiresAt: &next}}
	s.SetRefresher(ref)

	count, err := s.RefreshExpiring(ctx, 4*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "only the expiring account should refresh")
	assert.Equal(t, 1, ref.calls)

	got, err := s.GetAccount(ctx, expiring.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-renewed", got.AccessToken)

	untouched, err := s.GetAccount(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-fresh", untouched.AccessToken)
}

func TestRefreshExpiringContinuesOnFailure(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, label := range []string{"alpha", "beta"} {
		acct := accountFixture(label)
		soon := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
		acct.ExpiresAt = &soon
		require.NoError(t, s.CreateAccount(ctx, acct))
	}

	ref := &fakeRefresher{err: errors.New("token endpoint unreachable")}
	s.SetRefresher(ref)

	count, err := s.RefreshExpiring(ctx, 4*time.Hour)
	require.NoError(t, err, "per-account failures should not abort the sweep")
	assert.Zero(t, count)
	assert.Equal(t, 2, ref.calls, "every expiring account should be attempted")
}

func TestDeleteAccount(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	acct := accountFixture("doomed")
	require.NoError(t, s.CreateAccount(ctx, acct))
	require.NoError(t, s.DeleteAccount(ctx, acct.ID))

	_, err := s.GetAccount(ctx, acct.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = keyring.Get(ServiceName, accessTokenKey(acct.ID))
	assert.Error(t, err, "keyring entry should be removed with the account")

	err = s.DeleteAccount(ctx, acct.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnvAppendsToken(t *testing.T) {
	env := Env(&Account{AccessToken: "tok-123"})
	require.NotEmpty(t, env)
	assert.Equal(t, EnvOAuthToken+"=tok-123", env[len(env)-1], "token should be the last entry")
	assert.Len(t, env, len(os.Environ())+1)
}
