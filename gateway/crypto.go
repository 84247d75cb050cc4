// Copyright 2025 Peanut Platform
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

package gateway

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters for password hashing. Changing any of these breaks
// verification of previously stored hashes.
const (
	scryptN       = 16384
	scryptR       = 8
	scryptP       = 1
	scryptKeyLen  = 64
	scryptSaltLen = 32
)

const (
	vaultKeySize   = 32
	vaultIVSize    = 16
	vaultTagSize   = 16
	backupCodeLen  = 4 // bytes of entropy, rendered as 8 hex chars
	backupCodeSets = 10
)

var (
	ErrMalformedHash       = errors.New("malformed password hash")
	ErrMalformedCiphertext = errors.New("malformed vault ciphertext")
)

// HashPassword derives a scrypt hash and returns it as salt_hex:derived_hex.
func HashPassword(password string) (string, error) {
	salt := make([]byte, scryptSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	derived, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", fmt.Errorf("failed to derive key: %w", err)
	}

	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(derived), nil
}

// VerifyPassword re-derives the hash for the candidate password and compares
// in constant time. Any parse failure or length mismatch returns false.
func VerifyPassword(password, stored string) bool {
	parts := strings.SplitN(stored, ":", 2)
	if len(parts) != 2 {
		return false
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return false
	}

	want, err := hex.DecodeString(parts[1])
	if err != nil {
		return false
	}

	derived, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return false
	}

	if len(derived) != len(want) {
		return false
	}

	return subtle.ConstantTimeCompare(derived, want) == 1
}

// dummyPasswordHash is verified against when the email does not resolve to a
// user, so login timing does not reveal account existence.
var dummyPasswordHash = func() string {
	h, err := HashPassword("peanut-dummy-password-for-timing")
	if err != nil {
		// rand.Read failing at init means the process cannot do anything
		// cryptographic at all.
		panic(fmt.Sprintf("failed to initialize dummy hash: %v", err))
	}
	return h
}()

// DeriveVaultKey decodes VAULT_KEY_HEX and pads with zeros or truncates to
// exactly 32 bytes. The padding rule is deterministic so the same
// environment value always yields the same key.
func DeriveVaultKey(keyHex string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(keyHex))
	if err != nil {
		return nil, fmt.Errorf("invalid vault key hex: %w", err)
	}

	key := make([]byte, vaultKeySize)
	copy(key, raw)
	return key, nil
}

// EncryptCredential seals the plaintext with AES-256-GCM under a fresh
// 16-byte IV and returns iv_hex:tag_hex:ciphertext_hex.
func EncryptCredential(plaintext string, key []byte) (string, error) {
	if len(key) != vaultKeySize {
		return "", fmt.Errorf("vault key must be %d bytes, got %d", vaultKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, vaultIVSize)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	iv := make([]byte, vaultIVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	// Seal appends the tag to the ciphertext; the stored format keeps the
	// tag in its own segment.
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct := sealed[:len(sealed)-vaultTagSize]
	tag := sealed[len(sealed)-vaultTagSize:]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// DecryptCredential opens an iv_hex:tag_hex:ciphertext_hex value, verifying
// the authentication tag.
func DecryptCredential(encoded string, key []byte) (string, error) {
	if len(key) != vaultKeySize {
		return "", fmt.Errorf("vault key must be %d bytes, got %d", vaultKeySize, len(key))
	}

	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return "", ErrMalformedCiphertext
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != vaultIVSize {
		return "", ErrMalformedCiphertext
	}

	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != vaultTagSize {
		return "", ErrMalformedCiphertext
	}

	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrMalformedCiphertext
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, vaultIVSize)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}

	return string(plaintext), nil
}

// randomHex returns n random bytes hex-encoded.
func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// GenerateBackupCodes mints the one-shot recovery codes handed out during
// TOTP enrolment: 8 uppercase hex characters each.
func GenerateBackupCodes() ([]string, error) {
	codes := make([]string, 0, backupCodeSets)
	for i := 0; i < backupCodeSets; i++ {
		code, err := randomHex(backupCodeLen)
		if err != nil {
			return nil, err
		}
		codes = append(codes, strings.ToUpper(code))
	}
	return codes, nil
}
