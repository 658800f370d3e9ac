package provider

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

// Hasher derives and verifies password hashes. Verify must be
// constant-time in the derived output.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(password, hash string) (bool, error)
}

var errMalformedHash = errors.New("provider: malformed password hash")

// ScryptHasher is the default password hasher.
type ScryptHasher struct {
	N      int
	R      int
	P      int
	KeyLen int
}

// NewScryptHasher creates a hasher with the recommended parameters.
func NewScryptHasher() *ScryptHasher {
	return &ScryptHasher{N: 1 << 15, R: 8, P: 1, KeyLen: 32}
}

// Hash implements Hasher. Output embeds the parameters and salt so
// verification survives parameter changes.
func (h *ScryptHasher) Hash(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	dk, err := scrypt.Key([]byte(password), salt, h.N, h.R, h.P, h.KeyLen)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("scrypt$%d$%d$%d$%s$%s",
		h.N, h.R, h.P,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(dk)), nil
}

// Verify implements Hasher.
func (h *ScryptHasher) Verify(password, hash string) (bool, error) {
	parts := strings.Split(hash, "$")
	if len(parts) != 6 || parts[0] != "scrypt" {
		return false, errMalformedHash
	}
	n, err1 := strconv.Atoi(parts[1])
	r, err2 := strconv.Atoi(parts[2])
	p, err3 := strconv.Atoi(parts[3])
	salt, err4 := base64.RawStdEncoding.DecodeString(parts[4])
	want, err5 := base64.RawStdEncoding.DecodeString(parts[5])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
		return false, errMalformedHash
	}

	got, err := scrypt.Key([]byte(password), salt, n, r, p, len(want))
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// PBKDF2Hasher is the alternative hasher for deployments with FIPS
// constraints.
type PBKDF2Hasher struct {
	Iterations int
	KeyLen     int
}

// NewPBKDF2Hasher creates a hasher with the recommended parameters.
func NewPBKDF2Hasher() *PBKDF2Hasher {
	return &PBKDF2Hasher{Iterations: 600000, KeyLen: 32}
}

// Hash implements Hasher.
func (h *PBKDF2Hasher) Hash(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	dk := pbkdf2.Key([]byte(password), salt, h.Iterations, h.KeyLen, sha256.New)
	return fmt.Sprintf("pbkdf2$%d$%s$%s",
		h.Iterations,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(dk)), nil
}

// Verify implements Hasher.
func (h *PBKDF2Hasher) Verify(password, hash string) (bool, error) {
	parts := strings.Split(hash, "$")
	if len(parts) != 4 || parts[0] != "pbkdf2" {
		return false, errMalformedHash
	}
	iterations, err1 := strconv.Atoi(parts[1])
	salt, err2 := base64.RawStdEncoding.DecodeString(parts[2])
	want, err3 := base64.RawStdEncoding.DecodeString(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false, errMalformedHash
	}

	got := pbkdf2.Key([]byte(password), salt, iterations, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
