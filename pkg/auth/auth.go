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

// Package auth provides the password hashing capability used to verify MQTT
// client credentials against the hashes kept in the access control store.
//
// Stored hashes are self-describing so the verifier needs no side channel to
// know which algorithm produced them:
//
//	$2a$10$...             bcrypt
//	sha256$<salt>$<hex>    salted SHA256
//	plain$<password>       plain text (development only)
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashAlgorithm defines the password hashing algorithm type
type HashAlgorithm string

const (
	// HashPlain represents plain text passwords (not recommended for production)
	HashPlain HashAlgorithm = "plain"
	// HashSHA256 represents SHA256 hashed passwords
	HashSHA256 HashAlgorithm = "sha256"
	// HashBcrypt represents bcrypt hashed passwords (recommended)
	HashBcrypt HashAlgorithm = "bcrypt"
)

const fieldSep = "$"

// ErrUnsupportedAlgorithm is returned when a hash cannot be produced or parsed.
var ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")

// Result represents the outcome of a password verification.
type Result int

const (
	// Success indicates the supplied password matches the stored hash.
	Success Result = iota
	// Failed indicates the password does not match or the hash is unusable.
	Failed
)

// String returns the string representation of Result
func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Hasher verifies supplied passwords against stored hashes.
type Hasher interface {
	// Verify checks password against storedHash for the named user.
	Verify(user, storedHash, password string) Result
}

// DefaultHasher understands every format produced by HashPassword.
type DefaultHasher struct{}

// NewHasher returns the default Hasher.
func NewHasher() *DefaultHasher {
	return &DefaultHasher{}
}

// Verify implements Hasher.
func (DefaultHasher) Verify(_ string, storedHash, password string) Result {
	if verifyPassword(password, storedHash) {
		return Success
	}
	return Failed
}

// HashPassword produces a stored-hash string for password. The salt is only
// used by HashSHA256.
func HashPassword(password, salt string, algorithm HashAlgorithm) (string, error) {
	switch algorithm {
	case HashPlain:
		return string(HashPlain) + fieldSep + password, nil
	case HashSHA256:
		if strings.Contains(salt, fieldSep) {
			return "", fmt.Errorf("salt must not contain %q", fieldSep)
		}
		return strings.Join([]string{string(HashSHA256), salt, sha256Hex(salt, password)}, fieldSep), nil
	case HashBcrypt:
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return "", err
		}
		return string(hash), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
}

// AlgorithmOf reports which algorithm produced storedHash.
func AlgorithmOf(storedHash string) (HashAlgorithm, error) {
	switch {
	case strings.HasPrefix(storedHash, "$2"):
		return HashBcrypt, nil
	case strings.HasPrefix(storedHash, string(HashSHA256)+fieldSep):
		return HashSHA256, nil
	case strings.HasPrefix(storedHash, string(HashPlain)+fieldSep):
		return HashPlain, nil
	default:
		return "", ErrUnsupportedAlgorithm
	}
}

func sha256Hex(salt, password string) string {
	sum := sha256.Sum256([]byte(salt + password))
	return hex.EncodeToString(sum[:])
}

// verifyPassword verifies a password against a self-describing stored hash
func verifyPassword(password, storedHash string) bool {
	algorithm, err := AlgorithmOf(storedHash)
	if err != nil {
		return false
	}

	switch algorithm {
	case HashPlain:
		expected := strings.TrimPrefix(storedHash, string(HashPlain)+fieldSep)
		return subtle.ConstantTimeCompare([]byte(expected), []byte(password)) == 1
	case HashSHA256:
		parts := strings.SplitN(storedHash, fieldSep, 3)
		if len(parts) != 3 {
			return false
		}
		actual := sha256Hex(parts[1], password)
		return subtle.ConstantTimeCompare([]byte(parts[2]), []byte(actual)) == 1
	case HashBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
	default:
		return false
	}
}
