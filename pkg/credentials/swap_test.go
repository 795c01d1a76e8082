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
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwapCredentialsFileRestoresOriginal(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".credentials.json")
	original := []byte(`{"claudeAiOauth":{"accessToken":"operator-token"}}`)
	require.NoError(t, os.WriteFile(path, original, 0o600))

	expires := time.Now().Add(6 * time.Hour).UTC().Truncate(time.Second)
	acct := &Account{AccessToken: "loop-token", RefreshToken: "loop-refresh", ExpiresAt: &expires}

	err := SwapCredentialsFile(path, acct, func() error {
		raw, readErr := os.ReadFile(path)
		require.NoError(t, readErr)

		var payload credentialsFile
		require.NoError(t, json.Unmarshal(raw, &payload))
		assert.Equal(t, "loop-token", payload.ClaudeAIOAuth.AccessToken, "swapped file should carry the account token")
		assert.Equal(t, "loop-refresh", payload.ClaudeAIOAuth.RefreshToken)
		assert.Equal(t, expires.UnixMilli(), payload.ClaudeAIOAuth.ExpiresAt)
		return nil
	})
	require.NoError(t, err)

	restored, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, restored, "original credentials should be restored")

	_, err = os.Stat(path + ".lock")
	assert.True(t, errors.Is(err, fs.ErrNotExist), "lockfile should be removed")
}

func TestSwapCredentialsFileRemovesWhenAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".claude", ".credentials.json")

	err := SwapCredentialsFile(path, &Account{AccessToken: "tok"}, func() error {
		_, statErr := os.Stat(path)
		return statErr
	})
	require.NoError(t, err)

	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, fs.ErrNotExist), "swapped file should be removed when none existed before")
}

func TestSwapCredentialsFileRestoresOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".credentials.json")
	original := []byte(`{"claudeAiOauth":{"accessToken":"operator-token"}}`)
	require.NoError(t, os.WriteFile(path, original, 0o600))

	boom := errors.New("subprocess failed")
	err := SwapCredentialsFile(path, &Account{AccessToken: "tok"}, func() error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	restored, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, original, restored, "original credentials should be restored after a failure")
}

func TestSwapCredentialsFileLockExcludes(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".credentials.json")
	require.NoError(t, os.WriteFile(path+".lock", []byte("123\n"), 0o600))

	called := false
	err := SwapCredentialsFile(path, &Account{AccessToken: "tok"}, func() error {
		called = true
		return nil
	})
	assert.ErrorContains(t, err, "locked by another swap")
	assert.False(t, called, "fn should not run while another swap holds the lock")
}
