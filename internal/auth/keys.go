// Package auth covers token handling for the controller API. Project API
// tokens and runner registration tokens are stored as SHA-256 hashes only.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashToken returns the hex SHA-256 digest of a token, the form stored in
// and looked up from the database. Surrounding whitespace is ignored so
// tokens copied from config files compare equal.
func HashToken(token string) string {
	token = strings.TrimSpace(token)

	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
