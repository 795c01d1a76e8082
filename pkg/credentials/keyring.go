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
	"github.com/zalando/go-keyring"
	"go.uber.org/zap"
)

// ServiceName identifies ralphx entries in the system keyring.
const ServiceName = "ralphx"

func accessTokenKey(id string) string {
	return "account." + id + ".access_token"
}

func refreshTokenKey(id string) string {
	return "account." + id + ".refresh_token"
}

// storeSecret writes one token to the keyring and returns the value the
// database column should hold: empty when the keyring took the secret, the
// secret itself when the keyring is unavailable. Clearing a token also
// drops any keyring entry so a stale secret cannot shadow the column on
// the next read.
func (s *Store) storeSecret(key, value string) string {
	if value == "" {
		_ = keyring.Delete(ServiceName, key)
		return ""
	}
	if err := keyring.Set(ServiceName, key, value); err != nil {
		_ = keyring.Delete(ServiceName, key)
		s.logger.Debug("keyring unavailable, storing secret in database",
			zap.String("key", key),
			zap.Error(err))
		return value
	}
	return ""
}

// loadSecret resolves one token, preferring the keyring copy over the
// database fallback column.
func loadSecret(key, column string) string {
	if value, err := keyring.Get(ServiceName, key); err == nil && value != "" {
		return value
	}
	return column
}

// dropSecrets removes an account's keyring entries. Best effort: a missing
// entry or an unavailable keyring is not an error during deletion.
func dropSecrets(id string) {
	_ = keyring.Delete(ServiceName, accessTokenKey(id))
	_ = keyring.Delete(ServiceName, refreshTokenKey(id))
}

// resolveSecrets swaps an account's stored column values for the keyring
// copies when the keyring has them.
func resolveSecrets(account *Account) {
	account.AccessToken = loadSecret(accessTokenKey(account.ID), account.AccessToken)
	account.RefreshToken = loadSecret(refreshTokenKey(account.ID), account.RefreshToken)
}
