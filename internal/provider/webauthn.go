package provider

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// WebAuthnConfig configures the passkey provider.
type WebAuthnConfig struct {
	// RPID is the relying-party identifier, normally the issuer's domain.
	RPID string

	// Origin is the web origin assertions must come from.
	Origin string

	// RequireUserVerification demands the UV flag, not just UP.
	RequireUserVerification bool

	// PublicKey resolves a credential ID to its registered P-256 key.
	// Registration is owned by the deployment; the provider only runs
	// the authentication ceremony.
	PublicKey func(ctx context.Context, credentialID string) (*ecdsa.PublicKey, error)
}

// WebAuthn authenticates with a passkey assertion. The provider issues a
// challenge, the browser signs it with a registered credential, and the
// signature is checked against the credential's public key.
type WebAuthn struct {
	cfg WebAuthnConfig
	log *logrus.Entry
}

// NewWebAuthn creates the provider.
func NewWebAuthn(cfg WebAuthnConfig) *WebAuthn {
	return &WebAuthn{cfg: cfg, log: logrus.WithField("provider", "webauthn")}
}

// Type implements Provider.
func (p *WebAuthn) Type() string {
	return "webauthn"
}

type webauthnChallenge struct {
	Challenge string `json:"challenge"`
}

// assertion is the JSON body the browser posts after the ceremony. All
// binary fields are base64url.
type assertion struct {
	CredentialID      string `json:"credentialID"`
	AuthenticatorData string `json:"authenticatorData"`
	ClientDataJSON    string `json:"clientDataJSON"`
	Signature         string `json:"signature"`
}

type clientData struct {
	Type        string `json:"type"`
	Challenge   string `json:"challenge"`
	Origin      string `json:"origin"`
	CrossOrigin bool   `json:"crossOrigin"`
}

// authenticator data flag bits
const (
	flagUserPresent  = 1 << 0
	flagUserVerified = 1 << 2
)

var errBadAssertion = errors.New("webauthn assertion rejected")

// Init implements Provider.
func (p *WebAuthn) Init(r chi.Router, ctx *Context) error {
	r.Get("/authorize", func(w http.ResponseWriter, req *http.Request) {
		p.authorize(w, req, ctx)
	})
	r.Post("/verify", func(w http.ResponseWriter, req *http.Request) {
		p.verify(w, req, ctx)
	})
	return nil
}

func (p *WebAuthn) authorize(w http.ResponseWriter, req *http.Request, ctx *Context) {
	challenge, err := RandomDigits(32)
	if err != nil {
		http.Error(w, "challenge generation failed", http.StatusInternalServerError)
		return
	}
	if err := ctx.Set(req, "challenge", conversationTTL, webauthnChallenge{Challenge: challenge}); err != nil {
		http.Error(w, "authorization failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"challenge": challenge,
		"rpId":      p.cfg.RPID,
	})
}

func (p *WebAuthn) verify(w http.ResponseWriter, req *http.Request, ctx *Context) {
	var stored webauthnChallenge
	ok, err := ctx.Get(req, "challenge", &stored)
	if err != nil || !ok {
		http.Error(w, "unknown authorization state", http.StatusBadRequest)
		return
	}

	var a assertion
	if err := json.NewDecoder(req.Body).Decode(&a); err != nil {
		http.Error(w, "invalid assertion", http.StatusBadRequest)
		return
	}

	key, err := p.cfg.PublicKey(req.Context(), a.CredentialID)
	if err != nil || key == nil {
		http.Error(w, "unknown credential", http.StatusBadRequest)
		return
	}

	if err := p.check(stored.Challenge, key, &a); err != nil {
		p.log.WithError(err).Warn("assertion verification failed")
		http.Error(w, "assertion rejected", http.StatusBadRequest)
		return
	}

	_ = ctx.Unset(req, "challenge")
	ctx.Success(w, req, Result{"credentialID": a.CredentialID})
}

// check runs the WebAuthn authentication ceremony verification against a
// P-256 credential.
func (p *WebAuthn) check(challenge string, key *ecdsa.PublicKey, a *assertion) error {
	clientDataRaw, err := base64.RawURLEncoding.DecodeString(a.ClientDataJSON)
	if err != nil {
		return errBadAssertion
	}
	authData, err := base64.RawURLEncoding.DecodeString(a.AuthenticatorData)
	if err != nil || len(authData) < 37 {
		return errBadAssertion
	}
	signature, err := base64.RawURLEncoding.DecodeString(a.Signature)
	if err != nil {
		return errBadAssertion
	}

	var cd clientData
	if err := json.Unmarshal(clientDataRaw, &cd); err != nil {
		return errBadAssertion
	}
	if cd.Type != "webauthn.get" {
		return errBadAssertion
	}

	// the browser encodes the challenge bytes it was given
	wantChallenge := base64.RawURLEncoding.EncodeToString([]byte(challenge))
	if subtle.ConstantTimeCompare([]byte(cd.Challenge), []byte(wantChallenge)) != 1 {
		return errBadAssertion
	}
	if cd.Origin != p.cfg.Origin {
		return errBadAssertion
	}
	if cd.CrossOrigin {
		return errBadAssertion
	}

	rpIDHash := sha256.Sum256([]byte(p.cfg.RPID))
	if subtle.ConstantTimeCompare(authData[:32], rpIDHash[:]) != 1 {
		return errBadAssertion
	}

	flags := authData[32]
	if flags&flagUserPresent == 0 {
		return errBadAssertion
	}
	if p.cfg.RequireUserVerification && flags&flagUserVerified == 0 {
		return errBadAssertion
	}

	clientDataHash := sha256.Sum256(clientDataRaw)
	signed := sha256.Sum256(append(authData, clientDataHash[:]...))
	if !ecdsa.VerifyASN1(key, signed[:], signature) {
		return errBadAssertion
	}
	return nil
}

var _ Provider = (*WebAuthn)(nil)
