package util

import (
	"crypto/rand"
)

const referenceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-"

// RandomReference returns a 10 character identifier over [A-Za-z0-9-],
// used to correlate stashed mail with its confirmation when a message
// carries no usable Message-Id.
func RandomReference() string {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		panic(err) // the platform RNG never fails in practice
	}
	for i := range b {
		b[i] = referenceAlphabet[int(b[i])%len(referenceAlphabet)]
	}
	return string(b)
}
