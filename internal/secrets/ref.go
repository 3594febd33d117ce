// Package secrets resolves secret references used for passwords and the
// stop secret.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrSecretRef = errors.New("invalid secret reference")

// IsRef reports whether value uses one of the reference schemes.
func IsRef(value string) bool {
	v := strings.TrimSpace(value)
	return strings.HasPrefix(v, "env:") || strings.HasPrefix(v, "file:") || strings.HasPrefix(v, "raw:")
}

// ValidateRef checks a reference without loading it. Supported forms:
//   - env:NAME
//   - file:/path/to/secret
//   - raw:literal-value
func ValidateRef(ref string) error {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return fmt.Errorf("%w: empty", ErrSecretRef)
	case strings.HasPrefix(ref, "env:"):
		if strings.TrimSpace(strings.TrimPrefix(ref, "env:")) == "" {
			return fmt.Errorf("%w: env var name is empty", ErrSecretRef)
		}
	case strings.HasPrefix(ref, "file:"):
		if strings.TrimSpace(strings.TrimPrefix(ref, "file:")) == "" {
			return fmt.Errorf("%w: file path is empty", ErrSecretRef)
		}
	case strings.HasPrefix(ref, "raw:"):
		if strings.TrimPrefix(ref, "raw:") == "" {
			return fmt.Errorf("%w: raw value is empty", ErrSecretRef)
		}
	default:
		return fmt.Errorf("%w: unsupported scheme (use env:, file: or raw:)", ErrSecretRef)
	}
	return nil
}

// LoadRef loads the value behind a reference.
func LoadRef(ref string) (string, error) {
	if err := ValidateRef(ref); err != nil {
		return "", err
	}
	ref = strings.TrimSpace(ref)

	switch {
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimSpace(strings.TrimPrefix(ref, "env:"))
		val := os.Getenv(name)
		if val == "" {
			return "", fmt.Errorf("%w: env var %q is empty or missing", ErrSecretRef, name)
		}
		return val, nil
	case strings.HasPrefix(ref, "file:"):
		path := strings.TrimSpace(strings.TrimPrefix(ref, "file:"))
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrSecretRef, err)
		}
		val := strings.TrimSpace(string(b))
		if val == "" {
			return "", fmt.Errorf("%w: file %q is empty", ErrSecretRef, path)
		}
		return val, nil
	default:
		return strings.TrimPrefix(ref, "raw:"), nil
	}
}

// Resolve loads value when it is a reference and returns it unchanged
// otherwise. Empty stays empty.
func Resolve(value string) (string, error) {
	if value == "" || !IsRef(value) {
		return value, nil
	}
	return LoadRef(value)
}
