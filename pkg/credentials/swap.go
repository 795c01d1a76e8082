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
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// credentialsFile mirrors the CLI's on-disk credentials format.
type credentialsFile struct {
	ClaudeAIOAuth oauthCredentials `json:"claudeAiOauth"`
}

type oauthCredentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"` // unix milliseconds
}

// DefaultCredentialsFilePath returns where the CLI keeps its on-disk
// credentials.
func DefaultCredentialsFilePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".claude", ".credentials.json"), nil
}

// SwapCredentialsFile temporarily replaces the CLI credentials file at path
// with the account's tokens, runs fn, and restores the original contents on
// every exit path. When no file existed, the swapped one is removed again.
//
// Concurrent swaps are serialized by an exclusive lockfile next to the
// credentials file; a second caller fails fast instead of waiting.
//
// Deprecated: per-subprocess environment injection (Env) is the supported
// path. The swap mutates operator-global state and is kept only for CLI
// builds that predate EnvOAuthToken.
func SwapCredentialsFile(path string, account *Account, fn func() error) (err error) {
	if dir := filepath.Dir(path); dir != "." {
		if mkErr := os.MkdirAll(dir, 0o700); mkErr != nil {
			return fmt.Errorf("failed to create credentials directory: %w", mkErr)
		}
	}

	lockPath := path + ".lock"
	lock, lockErr := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if lockErr != nil {
		if errors.Is(lockErr, fs.ErrExist) {
			return fmt.Errorf("credentials file is locked by another swap (remove %s if stale)", lockPath)
		}
		return fmt.Errorf("failed to create credentials lockfile: %w", lockErr)
	}
	fmt.Fprintf(lock, "%d\n", os.Getpid())
	lock.Close()
	defer os.Remove(lockPath)

	original, readErr := os.ReadFile(path)
	existed := readErr == nil
	if readErr != nil && !errors.Is(readErr, fs.ErrNotExist) {
		return fmt.Errorf("failed to read credentials file: %w", readErr)
	}

	defer func() {
		var restoreErr error
		if existed {
			restoreErr = os.WriteFile(path, original, 0o600)
		} else if removeErr := os.Remove(path); removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
			restoreErr = removeErr
		}
		if restoreErr != nil && err == nil {
			err = fmt.Errorf("failed to restore credentials file: %w", restoreErr)
		}
	}()

	payload := credentialsFile{
		ClaudeAIOAuth: oauthCredentials{
			AccessToken:  account.AccessToken,
			RefreshToken: account.RefreshToken,
		},
	}
	if account.ExpiresAt != nil {
		payload.ClaudeAIOAuth.ExpiresAt = account.ExpiresAt.UnixMilli()
	}
	raw, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return fmt.Errorf("failed to encode credentials file: %w", marshalErr)
	}

	if writeErr := os.WriteFile(path, raw, 0o600); writeErr != nil {
		return fmt.Errorf("failed to write credentials file: %w", writeErr)
	}

	return fn()
}
