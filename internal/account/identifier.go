package account

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// ErrInvalidIdentifier is returned for values that are not usable mail addresses.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// NormalizeIdentifier canonicalizes a mail address: surrounding whitespace is
// trimmed, the address lower-cased and the domain converted to its ASCII form.
// An empty input yields an empty identifier and no error.
func NormalizeIdentifier(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", nil
	}
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, raw)
	}
	domain, err := idna.Lookup.ToASCII(s[at+1:])
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidIdentifier, raw, err)
	}
	return s[:at] + "@" + domain, nil
}

// SplitIdentifier returns the local part and domain of a normalized identifier.
func SplitIdentifier(id string) (local, domain string) {
	at := strings.LastIndex(id, "@")
	if at < 0 {
		return id, ""
	}
	return id[:at], id[at+1:]
}
