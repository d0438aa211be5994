// Package signing implements Ed25519 keypair lifecycle management and the
// canonical "name:base64(payload)" textual format used for keys and
// signatures throughout the cache protocol.
package signing

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingSeparator is returned when a signing string has no ':' separator.
	ErrMissingSeparator = errors.New("signing: missing ':' separator")
	// ErrBlankName is returned when the name half of a signing string is empty.
	ErrBlankName = errors.New("signing: name must not be blank")
	// ErrBlankPayload is returned when the payload half of a signing string is empty.
	ErrBlankPayload = errors.New("signing: payload must not be blank")
	// ErrNameContainsColon is returned when a name contains a ':' character.
	ErrNameContainsColon = errors.New("signing: name must not contain ':'")
	// ErrNameMismatch is returned when a parsed name does not match an expected name.
	ErrNameMismatch = errors.New("signing: name mismatch")
)

// validateName enforces that a name is non-empty and colon-free. Names are
// the left half of every "name:base64(...)" signing string (keypairs,
// public keys, signatures).
func validateName(name string) error {
	if name == "" {
		return ErrBlankName
	}
	if strings.Contains(name, ":") {
		return ErrNameContainsColon
	}
	return nil
}

// splitSigningString splits "name:base64(payload)" on the first ':',
// validates the name, and base64-decodes the payload. If expectedName is
// non-empty, the parsed name must equal it. If expectedLen is non-negative,
// the decoded payload must be exactly that many bytes.
func splitSigningString(s string, expectedName string, expectedLen int) (name string, payload []byte, err error) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return "", nil, ErrMissingSeparator
	}
	name, encoded := s[:idx], s[idx+1:]

	if err := validateName(name); err != nil {
		return "", nil, err
	}
	if encoded == "" {
		return "", nil, ErrBlankPayload
	}
	if expectedName != "" && name != expectedName {
		return "", nil, fmt.Errorf("%w: got %q, want %q", ErrNameMismatch, name, expectedName)
	}

	payload, err = base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("signing: invalid base64 payload: %w", err)
	}
	if expectedLen >= 0 && len(payload) != expectedLen {
		return "", nil, fmt.Errorf("signing: payload length %d, want %d", len(payload), expectedLen)
	}
	return name, payload, nil
}

// joinSigningString builds a canonical "name:base64(payload)" string.
func joinSigningString(name string, payload []byte) string {
	return name + ":" + base64.StdEncoding.EncodeToString(payload)
}
