package postconfirm

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
)

// hmac key material is loaded once and lives for the process lifetime
type Validator struct {
	key []byte
}

// TokenCheck is the tagged outcome of a token verification.
type TokenCheck int

const (
	TokenValid TokenCheck = iota
	TokenMalformed
	TokenMacMismatch
)

func (c TokenCheck) String() string {
	switch c {
	case TokenValid:
		return "valid"
	case TokenMalformed:
		return "malformed"
	case TokenMacMismatch:
		return "mac mismatch"
	default:
		return "<invalid>"
	}
}

// NewValidator reads the HMAC key from keyFile. An unreadable or empty key
// is a startup error: the process must not hand out unverifiable tokens.
func NewValidator(keyFile string) (*Validator, error) {
	key, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("reading hash key file: %w", err)
	}
	if len(key) == 0 {
		return nil, errors.New("hash key file is empty")
	}
	return &Validator{key: key}, nil
}

// NewValidatorWithKey is for tests and tools which already hold key bytes.
func NewValidatorWithKey(key []byte) *Validator {
	return &Validator{key: key}
}

// mac is the urlsafe base64 encoded HMAC-SHA224 of "<sender>-<recipient>-<reference>",
// with padding stripped.
func (v *Validator) mac(sender, recipient, reference string) string {
	h := hmac.New(sha256.New224, v.key)
	fmt.Fprintf(h, "%s-%s-%s", sender, recipient, reference)
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// MakeToken derives the confirmation token carried in a challenge subject:
// "<recipient>:<reference>:<mac>".
func (v *Validator) MakeToken(sender, recipient, reference string) string {
	return recipient + ":" + reference + ":" + v.mac(sender, recipient, reference)
}

// CheckToken parses candidate and verifies its MAC against each allowed
// reference. The MAC comparison is constant-time; the result carries no
// more detail than the tagged outcome.
func (v *Validator) CheckToken(sender, candidate string, references []string) TokenCheck {
	fields := strings.Split(strings.TrimSpace(candidate), ":")
	if len(fields) != 3 {
		return TokenMalformed
	}
	recipient, reference, mac := fields[0], fields[1], fields[2]

	for _, allowed := range references {
		if allowed != reference {
			continue
		}
		want := v.mac(sender, recipient, reference)
		if subtle.ConstantTimeCompare([]byte(want), []byte(mac)) == 1 {
			return TokenValid
		}
		return TokenMacMismatch
	}
	return TokenMacMismatch
}

// ValidateToken is the boolean form of CheckToken.
func (v *Validator) ValidateToken(sender, candidate string, references []string) bool {
	return v.CheckToken(sender, candidate, references) == TokenValid
}
