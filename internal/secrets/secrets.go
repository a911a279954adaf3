// Package secrets resolves credential references of the form env:NAME or
// file:/path. Credentials never appear in config files or logs; only the
// reference does.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrUnresolved = errors.New("secret reference did not resolve")

// Resolve turns a reference into the secret value. Supported schemes:
//
//	env:VAR_NAME    value of the environment variable
//	file:/path      trimmed contents of the file
//
// An empty value is treated as unresolved; callers that need the secret to
// run must refuse to start.
func Resolve(ref string) (string, error) {
	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok || rest == "" {
		return "", fmt.Errorf("malformed secret reference %q: want env:NAME or file:/path", ref)
	}

	switch scheme {
	case "env":
		value := os.Getenv(rest)
		if value == "" {
			return "", fmt.Errorf("%w: environment variable %s is unset", ErrUnresolved, rest)
		}
		return value, nil
	case "file":
		raw, err := os.ReadFile(rest)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnresolved, err)
		}
		value := strings.TrimSpace(string(raw))
		if value == "" {
			return "", fmt.Errorf("%w: %s is empty", ErrUnresolved, rest)
		}
		return value, nil
	default:
		return "", fmt.Errorf("unknown secret scheme %q in %q", scheme, ref)
	}
}

// ResolveOptional returns "" without error for an empty reference, for
// secrets that are genuinely optional (SMTP auth on an open relay).
func ResolveOptional(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	return Resolve(ref)
}
