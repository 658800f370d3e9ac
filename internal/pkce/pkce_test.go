package pkce

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	verifier, challenge, method, err := Generate(0)
	require.NoError(t, err)
	assert.Equal(t, MethodS256, method)
	assert.GreaterOrEqual(t, len(verifier), 43)

	ok, err := Validate(verifier, challenge, method)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGenerate_RejectsOutOfRangeLength(t *testing.T) {
	_, _, _, err := Generate(16)
	assert.ErrorIs(t, err, ErrVerifierLength)

	_, _, _, err = Generate(200)
	assert.ErrorIs(t, err, ErrVerifierLength)

	// 128 bytes encodes past the 128-character verifier limit
	_, _, _, err = Generate(128)
	assert.ErrorIs(t, err, ErrVerifierLength)
}

func TestGenerate_BoundsAreOnEncodedLength(t *testing.T) {
	for _, length := range []int{32, 96} {
		verifier, _, _, err := Generate(length)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(verifier), 43)
		assert.LessOrEqual(t, len(verifier), 128)
	}
}

func TestValidate_S256(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	ok, err := Validate(verifier, challenge, MethodS256)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Validate("wrong-verifier-wrong-verifier-wrong-verifier", challenge, MethodS256)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidate_AcceptsPaddedChallenge(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	sum := sha256.Sum256([]byte(verifier))
	padded := base64.URLEncoding.EncodeToString(sum[:])

	ok, err := Validate(verifier, padded, MethodS256)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidate_Plain(t *testing.T) {
	ok, err := Validate("some-verifier-value-some-verifier-value-abc", "some-verifier-value-some-verifier-value-abc", MethodPlain)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Validate("some-verifier-value-some-verifier-value-abc", "different", MethodPlain)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidate_UnknownMethod(t *testing.T) {
	_, err := Validate("v", "c", "S512")
	assert.Error(t, err)
}
