// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

package sec

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// GenerateSecureToken returns a hex-encoded random token of byteLength bytes.
//
// It is used for activation codes and password-reset tokens. The raw value is
// sent to the user exactly once; only its hash is ever persisted.
func GenerateSecureToken(byteLength int) (string, error) {
	buffer := make([]byte, byteLength)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("sec: failed to generate secure token: %w", err)
	}
	return hex.EncodeToString(buffer), nil
}

// HashToken returns the SHA-256 hex digest of a token.
//
// Lookup keys derived this way are deterministic, unlike bcrypt, so they can
// be used as Redis keys and database lookup columns.
func HashToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}
