package mailutil

import (
	"regexp"
	"strings"
)

// Canonicalize returns the lookup form of an address: trimmed, lowercased
// and with any BATV prefix removed from the local part. All sender state
// queries go through this.
func Canonicalize(address string) string {
	return StripBATV(strings.ToLower(strings.TrimSpace(address)))
}

var envelopePattern = regexp.MustCompile(`^(.*<)?([^>]*)(>.*)?$`)

// Clean extracts the bare address from an envelope argument, which MTAs may
// pass with angle brackets ("<alice@example.org>") or as a display form.
func Clean(envelope string) string {
	if m := envelopePattern.FindStringSubmatch(strings.TrimSpace(envelope)); m != nil {
		return m[2]
	}
	return envelope
}

// StripBATV removes a BATV-style "tag=value=" prefix (e.g.
// "prvs=1234abcd=alice@example.org") from the local part, so that bounce
// address tagging does not defeat the sender lookup.
func StripBATV(address string) string {
	local, domain, ok := SplitAddress(address)
	if !ok {
		return address
	}
	parts := strings.SplitN(local, "=", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return address
	}
	return parts[2] + "@" + domain
}

// SplitAddress splits on the last "@". ok is false if there is none.
func SplitAddress(address string) (local, domain string, ok bool) {
	at := strings.LastIndex(address, "@")
	if at == -1 {
		return address, "", false
	}
	return address[:at], address[at+1:], true
}
