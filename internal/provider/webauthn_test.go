package provider

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type assertionBuilder struct {
	key       *ecdsa.PrivateKey
	rpID      string
	origin    string
	challenge string
	flags     byte
}

func (b *assertionBuilder) build(t *testing.T) assertion {
	t.Helper()

	cd, err := json.Marshal(clientData{
		Type:      "webauthn.get",
		Challenge: base64.RawURLEncoding.EncodeToString([]byte(b.challenge)),
		Origin:    b.origin,
	})
	require.NoError(t, err)

	rpIDHash := sha256.Sum256([]byte(b.rpID))
	authData := make([]byte, 37)
	copy(authData, rpIDHash[:])
	authData[32] = b.flags

	cdHash := sha256.Sum256(cd)
	signed := sha256.Sum256(append(append([]byte{}, authData...), cdHash[:]...))
	sig, err := ecdsa.SignASN1(rand.Reader, b.key, signed[:])
	require.NoError(t, err)

	return assertion{
		CredentialID:      "cred-1",
		AuthenticatorData: base64.RawURLEncoding.EncodeToString(authData),
		ClientDataJSON:    base64.RawURLEncoding.EncodeToString(cd),
		Signature:         base64.RawURLEncoding.EncodeToString(sig),
	}
}

func TestWebAuthn_Ceremony(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	p := NewWebAuthn(WebAuthnConfig{
		RPID:   "auth.example.com",
		Origin: "https://app.example.com",
		PublicKey: func(_ context.Context, credentialID string) (*ecdsa.PublicKey, error) {
			return &key.PublicKey, nil
		},
	})
	h := newHarness(t, "webauthn", p)

	rec := h.do(t, http.MethodGet, "/webauthn/authorize", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var challenge map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &challenge))
	require.Len(t, challenge["challenge"], 32)

	builder := &assertionBuilder{
		key:       key,
		rpID:      "auth.example.com",
		origin:    "https://app.example.com",
		challenge: challenge["challenge"],
		flags:     flagUserPresent,
	}

	t.Run("valid assertion succeeds", func(t *testing.T) {
		h.result = nil
		rec := postAssertion(t, h, builder.build(t))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		require.NotNil(t, h.result)
		assert.Equal(t, "cred-1", h.result["credentialID"])
	})
}

func TestWebAuthn_RejectsBadAssertions(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	p := NewWebAuthn(WebAuthnConfig{
		RPID:                    "auth.example.com",
		Origin:                  "https://app.example.com",
		RequireUserVerification: true,
		PublicKey: func(_ context.Context, credentialID string) (*ecdsa.PublicKey, error) {
			return &key.PublicKey, nil
		},
	})
	h := newHarness(t, "webauthn", p)

	rec := h.do(t, http.MethodGet, "/webauthn/authorize", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var challenge map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &challenge))

	good := assertionBuilder{
		key:       key,
		rpID:      "auth.example.com",
		origin:    "https://app.example.com",
		challenge: challenge["challenge"],
		flags:     flagUserPresent | flagUserVerified,
	}

	cases := map[string]assertionBuilder{
		"wrong origin":      {key: key, rpID: good.rpID, origin: "https://evil.example.com", challenge: good.challenge, flags: good.flags},
		"wrong rpID":        {key: key, rpID: "evil.example.com", origin: good.origin, challenge: good.challenge, flags: good.flags},
		"stale challenge":   {key: key, rpID: good.rpID, origin: good.origin, challenge: "00000000000000000000000000000000", flags: good.flags},
		"user not present":  {key: key, rpID: good.rpID, origin: good.origin, challenge: good.challenge, flags: 0},
		"user not verified": {key: key, rpID: good.rpID, origin: good.origin, challenge: good.challenge, flags: flagUserPresent},
		"wrong key":         {key: otherKey, rpID: good.rpID, origin: good.origin, challenge: good.challenge, flags: good.flags},
	}

	for name, builder := range cases {
		t.Run(name, func(t *testing.T) {
			h.result = nil
			b := builder
			rec := postAssertion(t, h, b.build(t))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Nil(t, h.result)
		})
	}

	t.Run("valid assertion still accepted", func(t *testing.T) {
		h.result = nil
		rec := postAssertion(t, h, good.build(t))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		require.NotNil(t, h.result)
	})
}

func postAssertion(t *testing.T, h *testHarness, a assertion) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(a)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webauthn/verify", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: StateCookie, Value: "req-1"})

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}
