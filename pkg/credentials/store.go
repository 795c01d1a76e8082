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
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	_ "github.com/ralphx-dev/ralphx/internal/sqlitedriver" // registers "sqlite3" driver
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    scope TEXT NOT NULL DEFAULT 'global',
    project_id TEXT,
    label TEXT NOT NULL DEFAULT '',
    access_token TEXT NOT NULL DEFAULT '',
    refresh_token TEXT NOT NULL DEFAULT '',
    expires_at INTEGER,
    is_default INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_accounts_scope ON accounts(scope, project_id);
CREATE INDEX IF NOT EXISTS idx_accounts_expires_at ON accounts(expires_at);
`

const accountColumns = `id, scope, project_id, label, access_token, refresh_token,
	expires_at, is_default, created_at, updated_at`

// Store is the global credential database handle. One store serves every
// project; the database lives under the ralphx data directory.
type Store struct {
	db        *sql.DB
	mu        sync.RWMutex
	logger    *zap.Logger
	path      string
	refresher Refresher
}

// Open opens (creating if necessary) the credential database at path and
// tightens file permissions to 0600.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}

	// Token secrets may land in the fallback columns, so owner-only access.
	if err := os.Chmod(path, 0o600); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set database permissions: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize credential schema: %w", err)
	}

	logger.Debug("opened credential store", zap.String("path", path))

	return &Store{
		db:     db,
		logger: logger,
		path:   path,
	}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetRefresher installs the token refresh implementation. Without one,
// expiring tokens cannot be renewed and EnsureFresh fails with
// ErrAuthRequired.
func (s *Store) SetRefresher(r Refresher) {
	s.mu.Lock()
	s.refresher = r
	s.mu.Unlock()
}

// CreateAccount inserts a new account. A missing ID is generated; a missing
// scope defaults to global. Marking the account default clears the default
// flag on its scope's previous holder.
func (s *Store) CreateAccount(ctx context.Context, account *Account) error {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if account.Scope == "" {
		account.Scope = ScopeGlobal
	}
	if !account.Scope.Valid() {
		return fmt.Errorf("invalid account scope %q", account.Scope)
	}
	if account.Scope == ScopeProject && account.ProjectID == "" {
		return fmt.Errorf("project-scoped account requires a project id")
	}
	if account.Scope == ScopeGlobal && account.ProjectID != "" {
		return fmt.Errorf("global account cannot reference project %q", account.ProjectID)
	}
	if account.AccessToken == "" {
		return fmt.Errorf("access token is required")
	}

	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	// Reject duplicates before touching the keyring so a failed insert
	// cannot overwrite an existing account's secrets.
	var existing int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM accounts WHERE id = ?", account.ID).Scan(&existing); err != nil {
		return fmt.Errorf("failed to check for existing account: %w", err)
	}
	if existing > 0 {
		return fmt.Errorf("account %s already exists", account.ID)
	}

	accessCol := s.storeSecret(accessTokenKey(account.ID), account.AccessToken)
	refreshCol := s.storeSecret(refreshTokenKey(account.ID), account.RefreshToken)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if account.IsDefault {
		if err := clearDefault(ctx, tx, account.Scope, account.ProjectID, now); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (id, scope, project_id, label, access_token, refresh_token,
			expires_at, is_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		account.ID, string(account.Scope), nullString(account.ProjectID), account.Label,
		accessCol, refreshCol, encodeUnixPtr(account.ExpiresAt), boolToInt(account.IsDefault),
		now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert account %s: %w", account.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit account insert: %w", err)
	}

	s.logger.Info("created account",
		zap.String("id", account.ID),
		zap.String("scope", string(account.Scope)),
		zap.Bool("default", account.IsDefault))
	return nil
}

// GetAccount loads one account with its secrets.
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	s.mu.RLock()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	account, err := scanAccount(row)
	s.mu.RUnlock()

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", id, err)
	}
	resolveSecrets(account)
	return account, nil
}

// ListAccounts returns every account without its secrets. Use GetAccount
// when the tokens are needed.
func (s *Store) ListAccounts(ctx context.Context) ([]*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM accounts
		ORDER BY scope, COALESCE(project_id, ''), is_default DESC, label, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		account.AccessToken = ""
		account.RefreshToken = ""
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}
	return accounts, nil
}

// UpdateTokens replaces an account's token set, typically after a refresh.
// An empty TokenSet.RefreshToken leaves the stored refresh token in place.
func (s *Store) UpdateTokens(ctx context.Context, id string, tokens *TokenSet) error {
	if tokens.AccessToken == "" {
		return fmt.Errorf("access token is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	accessCol := s.storeSecret(accessTokenKey(id), tokens.AccessToken)

	var (
		res sql.Result
		err error
	)
	if tokens.RefreshToken != "" {
		refreshCol := s.storeSecret(refreshTokenKey(id), tokens.RefreshToken)
		res, err = s.db.ExecContext(ctx, `
			UPDATE accounts
			SET access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ?
			WHERE id = ?`,
			accessCol, refreshCol, encodeUnixPtr(tokens.ExpiresAt), now.Unix(), id)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE accounts
			SET access_token = ?, expires_at = ?, updated_at = ?
			WHERE id = ?`,
			accessCol, encodeUnixPtr(tokens.ExpiresAt), now.Unix(), id)
	}
	if err != nil {
		return fmt.Errorf("failed to update tokens for account %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		dropSecrets(id)
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetDefaultAccount marks one account as its scope's default, clearing the
// flag from the previous holder.
func (s *Store) SetDefaultAccount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		scope     string
		projectID sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		"SELECT scope, project_id FROM accounts WHERE id = ?", id).Scan(&scope, &projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load account %s: %w", id, err)
	}

	now := time.Now().UTC()
	if err := clearDefault(ctx, tx, Scope(scope), projectID.String, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE accounts SET is_default = 1, updated_at = ? WHERE id = ?",
		now.Unix(), id); err != nil {
		return fmt.Errorf("failed to set default account %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit default change: %w", err)
	}
	return nil
}

// DeleteAccount removes an account and its keyring entries.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete account %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}

	dropSecrets(id)
	s.logger.Info("deleted account", zap.String("id", id))
	return nil
}

// Resolve picks the account an execution should run under: an explicit ID
// wins, then the project's default account, then the global default. Within
// a scope, an account marked default beats the most recently updated one.
// No usable account resolves to ErrAuthRequired.
func (s *Store) Resolve(ctx context.Context, projectID, explicitID string) (*Account, error) {
	if explicitID != "" {
		account, err := s.GetAccount(ctx, explicitID)
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("account %s not found: %w", explicitID, ErrAuthRequired)
		}
		return account, err
	}

	if projectID != "" {
		account, err := s.scopeDefault(ctx, ScopeProject, projectID)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	account, err := s.scopeDefault(ctx, ScopeGlobal, "")
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("no account configured: %w", ErrAuthRequired)
	}
	return account, err
}

// scopeDefault returns the best account in one scope bucket.
func (s *Store) scopeDefault(ctx context.Context, scope Scope, projectID string) (*Account, error) {
	s.mu.RLock()
	row := s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE scope = ? AND COALESCE(project_id, '') = ?
		ORDER BY is_default DESC, updated_at DESC, id
		LIMIT 1`,
		string(scope), projectID)
	account, err := scanAccount(row)
	s.mu.RUnlock()

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no %s account: %w", scope, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s account: %w", scope, err)
	}
	resolveSecrets(account)
	return account, nil
}

// EnsureFresh returns an account whose token is valid for at least buffer
// (DefaultExpiryBuffer when buffer is zero or negative). An expiring token
// is refreshed and persisted; an unrefreshable one fails with
// ErrAuthRequired.
func (s *Store) EnsureFresh(ctx context.Context, account *Account, buffer time.Duration) (*Account, error) {
	if buffer <= 0 {
		buffer = DefaultExpiryBuffer
	}
	if !account.Expiring(buffer) {
		return account, nil
	}

	s.mu.RLock()
	refresher := s.refresher
	s.mu.RUnlock()

	if refresher == nil || account.RefreshToken == "" {
		return nil, fmt.Errorf("account %s token expires %s and cannot be refreshed: %w",
			account.ID, account.ExpiresAt.Format(time.RFC3339), ErrAuthRequired)
	}

	tokens, err := refresher.Refresh(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh account %s: %v: %w", account.ID, err, ErrAuthRequired)
	}
	if err := s.UpdateTokens(ctx, account.ID, tokens); err != nil {
		return nil, err
	}

	refreshed := *account
	refreshed.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		refreshed.RefreshToken = tokens.RefreshToken
	}
	refreshed.ExpiresAt = tokens.ExpiresAt
	refreshed.UpdatedAt = time.Now().UTC()

	s.logger.Info("refreshed account token", zap.String("id", account.ID))
	return &refreshed, nil
}

// RefreshExpiring refreshes every account whose token expires within buffer
// and reports how many were renewed. Individual failures are logged and
// skipped so one broken account does not starve the rest.
func (s *Store) RefreshExpiring(ctx context.Context, buffer time.Duration) (int, error) {
	if buffer <= 0 {
		buffer = DefaultExpiryBuffer
	}
	cutoff := time.Now().Add(buffer).UTC().Unix()

	ids, err := s.expiringIDs(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	refreshed := 0
	for _, id := range ids {
		account, err := s.GetAccount(ctx, id)
		if err != nil {
			s.logger.Warn("failed to load expiring account", zap.String("id", id), zap.Error(err))
			continue
		}
		if !account.Expiring(buffer) {
			continue
		}
		if _, err := s.EnsureFresh(ctx, account, buffer); err != nil {
			s.logger.Warn("failed to refresh expiring account", zap.String("id", id), zap.Error(err))
			continue
		}
		refreshed++
	}

	if refreshed > 0 {
		s.logger.Info("refreshed expiring accounts", zap.Int("count", refreshed))
	}
	return refreshed, nil
}

// expiringIDs lists accounts whose expiry falls before cutoff. The IDs are
// collected before any refresh runs so the write lock is never requested
// while the read lock is held.
func (s *Store) expiringIDs(ctx context.Context, cutoff int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM accounts WHERE expires_at IS NOT NULL AND expires_at < ?", cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expiring accounts: %w", err)
	}
	return ids, nil
}

// clearDefault drops the default flag from a scope bucket's current holder.
func clearDefault(ctx context.Context, tx *sql.Tx, scope Scope, projectID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE accounts SET is_default = 0, updated_at = ?
		WHERE scope = ? AND COALESCE(project_id, '') = ? AND is_default = 1`,
		now.Unix(), string(scope), projectID)
	if err != nil {
		return fmt.Errorf("failed to clear default account: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var (
		account   Account
		scope     string
		projectID sql.NullString
		expiresAt sql.NullInt64
		isDefault int
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&account.ID, &scope, &projectID, &account.Label,
		&account.AccessToken, &account.RefreshToken,
		&expiresAt, &isDefault, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	account.Scope = Scope(scope)
	account.ProjectID = projectID.String
	account.IsDefault = isDefault != 0
	account.CreatedAt = time.Unix(createdAt, 0).UTC()
	account.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0).UTC()
		account.ExpiresAt = &t
	}
	return &account, nil
}

// nullString maps an empty string to SQL NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// encodeUnixPtr maps an optional expiry to unix seconds or SQL NULL.
func encodeUnixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
