// Package ident derives stable pseudonyms for subject IDs so exports can be
// shared without the lab's enrollment list. The mapping is keyed HMAC: the
// same subject always gets the same pseudonym under one lab key, and nothing
// recoverable leaves the key file.
package ident

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const keySize = 32

// #region key

// EnsureKey loads the lab key, generating and persisting one (0600) on
// first use. Longer files are truncated to key size; shorter ones are
// replaced.
func EnsureKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) >= keySize {
		return data[:keySize], nil
	}
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("keygen: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("key dir: %w", err)
		}
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	return key, nil
}

// #endregion key

// #region codebook

// Codebook maps subject IDs to pseudonyms under one lab key.
type Codebook struct {
	key []byte
}

// NewCodebook opens (or initializes) the key at keyPath.
func NewCodebook(keyPath string) (*Codebook, error) {
	key, err := EnsureKey(keyPath)
	if err != nil {
		return nil, err
	}
	return &Codebook{key: key}, nil
}

// Pseudonym returns the stable pseudonym for a subject ID: "P-" plus the
// first four bytes of HMAC-SHA256 over the trimmed ID, upper-case hex.
func (c *Codebook) Pseudonym(subjectID string) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(strings.TrimSpace(subjectID)))
	sum := mac.Sum(nil)
	return "P-" + strings.ToUpper(hex.EncodeToString(sum[:4]))
}

// #endregion codebook
