package bus

import (
	"fmt"
	"strings"

	"github.com/RISE-Maritime/keelson-sub001/internal/keys"
)

// KeyToSubject maps a slash separated key expression onto a NATS subject.
// "*" matches one segment and a trailing "**" matches the rest.
func KeyToSubject(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty key", keys.ErrMalformedKey)
	}
	parts := strings.Split(key, "/")
	for i, p := range parts {
		switch {
		case p == "**":
			if i != len(parts)-1 {
				return "", fmt.Errorf("%w: %q: ** is only supported as the last segment", keys.ErrMalformedKey, key)
			}
			parts[i] = ">"
		case p == "":
			return "", fmt.Errorf("%w: %q has an empty segment", keys.ErrMalformedKey, key)
		case strings.ContainsAny(p, ". \t\r\n>"):
			return "", fmt.Errorf("%w: segment %q of %q cannot be carried on the bus", keys.ErrMalformedKey, p, key)
		}
	}
	return strings.Join(parts, "."), nil
}

// SubjectToKey is the inverse of KeyToSubject.
func SubjectToKey(subject string) string {
	parts := strings.Split(subject, ".")
	if n := len(parts); n > 0 && parts[n-1] == ">" {
		parts[n-1] = "**"
	}
	return strings.Join(parts, "/")
}
