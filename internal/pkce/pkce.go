// Package pkce implements the RFC 7636 proof-key pair that binds an
// authorization code to the client that started the flow.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

const (
	// MethodS256 hashes the verifier; the only method clients should use.
	MethodS256 = "S256"
	// MethodPlain passes the verifier through unchanged. Supported for
	// compatibility only.
	MethodPlain = "plain"

	// DefaultLength is the byte length of generated verifiers.
	DefaultLength = 64
)

// ErrVerifierLength is returned when a requested verifier length falls
// outside the RFC 7636 bounds.
var ErrVerifierLength = errors.New("pkce: code verifier length must be between 43 and 128 characters")

// Challenge derives the challenge for a verifier under the given method.
func Challenge(verifier, method string) (string, error) {
	switch method {
	case MethodPlain:
		return verifier, nil
	case MethodS256:
		sum := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(sum[:]), nil
	default:
		return "", errors.New("pkce: unsupported challenge method " + method)
	}
}

// Generate produces a random verifier of length bytes (DefaultLength if
// zero) and its S256 challenge. RFC 7636 bounds the encoded verifier to
// 43 through 128 characters, which base64url reaches at 32 through 96
// bytes.
func Generate(length int) (verifier, challenge, method string, err error) {
	if length == 0 {
		length = DefaultLength
	}
	if encoded := base64.RawURLEncoding.EncodedLen(length); encoded < 43 || encoded > 128 {
		return "", "", "", ErrVerifierLength
	}

	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(buf)

	challenge, err = Challenge(verifier, MethodS256)
	if err != nil {
		return "", "", "", err
	}
	return verifier, challenge, MethodS256, nil
}

// Validate reports whether verifier hashes to challenge under method.
// Padding on either side of the comparison is ignored, so challenges
// produced by padded and unpadded base64url encoders both validate.
func Validate(verifier, challenge, method string) (bool, error) {
	derived, err := Challenge(verifier, method)
	if err != nil {
		return false, err
	}
	a := strings.TrimRight(derived, "=")
	b := strings.TrimRight(challenge, "=")
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1, nil
}
