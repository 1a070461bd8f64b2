// Package idgen generates random identifiers for records and requests.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Prefixes by record kind.
const (
	PredictionPrefix = "pred_"
	UserPrefix       = "usr_"
	RequestPrefix    = "req_"
)

// New generates a UUID-shaped random ID: xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx.
func New() string {
	b := random(16)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// WithPrefix returns prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(random(12))
}

// Prediction returns an ID for a prediction record.
func Prediction() string { return WithPrefix(PredictionPrefix) }

// User returns an ID for a user account.
func User() string { return WithPrefix(UserPrefix) }

// Request returns an ID for correlating one HTTP request across workers.
func Request() string { return WithPrefix(RequestPrefix) }

func random(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return b
}
