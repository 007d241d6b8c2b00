package utils

import (
	"crypto/sha256"
	"crypto/subtle"
)

// SecretsEqual compares a provided shared secret with the expected one in
// constant time. Both sides are hashed first so length differences do not
// leak either. An empty expected secret never matches.
func SecretsEqual(provided, expected string) bool {
	if expected == "" || provided == "" {
		return false
	}
	a := sha256.Sum256([]byte(provided))
	b := sha256.Sum256([]byte(expected))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
