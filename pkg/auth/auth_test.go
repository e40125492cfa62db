// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPassword(t *testing.T) {
	testCases := []struct {
		name      string
		password  string
		salt      string
		algorithm HashAlgorithm
		expectErr bool
	}{
		{name: "plain password", password: "password123", algorithm: HashPlain},
		{name: "sha256 password", password: "password123", salt: "user1", algorithm: HashSHA256},
		{name: "bcrypt password", password: "password123", algorithm: HashBcrypt},
		{name: "sha256 salt with separator", password: "password123", salt: "a$b", algorithm: HashSHA256, expectErr: true},
		{name: "unsupported algorithm", password: "password123", algorithm: "md5", expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			hash, err := HashPassword(tc.password, tc.salt, tc.algorithm)
			if tc.expectErr {
				assert.Error(t, err)
				assert.Empty(t, hash)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, hash)

			algorithm, err := AlgorithmOf(hash)
			require.NoError(t, err)
			assert.Equal(t, tc.algorithm, algorithm)

			assert.True(t, verifyPassword(tc.password, hash))
			assert.False(t, verifyPassword("wrongpassword", hash))
		})
	}
}

func TestHashPassword_UnsupportedAlgorithm(t *testing.T) {
	_, err := HashPassword("x", "", "md5")
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestVerifyPassword(t *testing.T) {
	testCases := []struct {
		name     string
		password string
		hash     string
		expected bool
	}{
		{name: "plain correct password", password: "password123", hash: "plain$password123", expected: true},
		{name: "plain wrong password", password: "wrongpassword", hash: "plain$password123", expected: false},
		{name: "plain empty password", password: "", hash: "plain$", expected: true},
		{name: "sha256 truncated hash", password: "password123", hash: "sha256$salt", expected: false},
		{name: "sha256 forged digest", password: "password123", hash: "sha256$salt$00ff", expected: false},
		{name: "unknown format", password: "password123", hash: "md5$abc", expected: false},
		{name: "empty hash", password: "", hash: "", expected: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, verifyPassword(tc.password, tc.hash))
		})
	}
}

func TestDefaultHasher_Verify(t *testing.T) {
	h := NewHasher()
	hash, err := HashPassword("test", "Test", HashSHA256)
	require.NoError(t, err)

	assert.Equal(t, Success, h.Verify("Test", hash, "test"))
	assert.Equal(t, Failed, h.Verify("Test", hash, "Test"))
	assert.Equal(t, Failed, h.Verify("Test", "", "test"))
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "unknown", Result(9).String())
}
