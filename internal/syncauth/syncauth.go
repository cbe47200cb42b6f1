// Package syncauth gates the ingest endpoint with a shared secret. The
// secret check is the second of two independent gates; the first (an
// operational permission on the calling principal) belongs to the outer
// application.
package syncauth

import "crypto/subtle"

// DefaultSecretHeader carries the shared secret on push requests.
const DefaultSecretHeader = "x-sync-secret"

// Validate compares the provided secret against the expected one in constant
// time. An unset expected secret fails closed.
func Validate(provided, expected string) bool {
	if expected == "" || provided == "" {
		return false
	}
	if len(provided) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}
