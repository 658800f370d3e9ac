package provider

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func siweTestMessage(address, nonce string) string {
	return fmt.Sprintf(`auth.example.com wants you to sign in with your Ethereum account:
%s

Sign in to Example

URI: https://auth.example.com
Version: 1
Chain ID: 1
Nonce: %s
Issued At: 2026-08-24T00:00:00Z`, address, nonce)
}

// ethSign produces an EIP-191 personal_sign signature in R||S||V form.
func ethSign(t *testing.T, key *secp256k1.PrivateKey, message string) string {
	t.Helper()
	digest := personalSignHash(message)
	compact := secpecdsa.SignCompact(key, digest, false)

	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = compact[0]
	return "0x" + hex.EncodeToString(sig)
}

func postSIWE(t *testing.T, h *testHarness, message, signature string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]string{"message": message, "signature": signature})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/siwe/verify", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: StateCookie, Value: "req-1"})

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func startSIWE(t *testing.T, h *testHarness) string {
	t.Helper()
	rec := h.do(t, http.MethodGet, "/siwe/authorize", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["nonce"])
	return resp["nonce"]
}

func TestSIWE_SignIn(t *testing.T) {
	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	address := pubkeyAddress(key.PubKey())

	p := NewSIWE(SIWEConfig{Domain: "auth.example.com", URI: "https://auth.example.com"})
	h := newHarness(t, "siwe", p)

	nonce := startSIWE(t, h)
	message := siweTestMessage(address, nonce)

	rec := postSIWE(t, h, message, ethSign(t, key, message))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, h.result)
	assert.Equal(t, strings.ToLower(address), h.result["address"])
}

func TestSIWE_Rejections(t *testing.T) {
	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	otherKey, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	address := pubkeyAddress(key.PubKey())

	p := NewSIWE(SIWEConfig{Domain: "auth.example.com", URI: "https://auth.example.com"})
	h := newHarness(t, "siwe", p)

	t.Run("wrong nonce", func(t *testing.T) {
		startSIWE(t, h)
		message := siweTestMessage(address, "0000000000000000")
		rec := postSIWE(t, h, message, ethSign(t, key, message))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("wrong domain", func(t *testing.T) {
		nonce := startSIWE(t, h)
		message := strings.Replace(siweTestMessage(address, nonce), "auth.example.com wants", "evil.example.com wants", 1)
		rec := postSIWE(t, h, message, ethSign(t, key, message))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("wrong signer", func(t *testing.T) {
		nonce := startSIWE(t, h)
		message := siweTestMessage(address, nonce)
		rec := postSIWE(t, h, message, ethSign(t, otherKey, message))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

type fakeRPC struct {
	response []byte
	err      error
	calledTo string
}

func (f *fakeRPC) Call(_ context.Context, to string, data []byte) ([]byte, error) {
	f.calledTo = to
	return f.response, f.err
}

func TestSIWE_ContractWallet(t *testing.T) {
	// a signature no key recovery can satisfy, approved by the contract
	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	walletAddress := "0x00000000000000000000000000000000000000aa"

	rpc := &fakeRPC{response: append(eip1271Magic[:], make([]byte, 28)...)}
	p := NewSIWE(SIWEConfig{Domain: "auth.example.com", URI: "https://auth.example.com", RPC: rpc})
	h := newHarness(t, "siwe", p)

	nonce := startSIWE(t, h)
	message := siweTestMessage(walletAddress, nonce)

	rec := postSIWE(t, h, message, ethSign(t, key, message))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, walletAddress, rpc.calledTo)
	require.NotNil(t, h.result)
	assert.Equal(t, walletAddress, h.result["address"])
}

func TestParseSIWEMessage(t *testing.T) {
	msg, err := parseSIWEMessage(siweTestMessage("0x00000000000000000000000000000000000000aa", "12345678"))
	require.NoError(t, err)
	assert.Equal(t, "auth.example.com", msg.Domain)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", msg.Address)
	assert.Equal(t, "https://auth.example.com", msg.URI)
	assert.Equal(t, "12345678", msg.Nonce)

	_, err = parseSIWEMessage("not a siwe message")
	assert.Error(t, err)
}
