package provider

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/sha3"
)

// EthereumRPC abstracts the JSON-RPC eth_call the provider needs to
// support EIP-1271 contract wallets. Deployments using only externally
// owned accounts can leave it nil.
type EthereumRPC interface {
	Call(ctx context.Context, to string, data []byte) ([]byte, error)
}

// SIWEConfig configures the Sign-In-With-Ethereum provider.
type SIWEConfig struct {
	// Domain the signed message must name, e.g. "auth.example.com".
	Domain string

	// URI the signed message must carry.
	URI string

	// RPC enables EIP-1271 smart-contract signature checks. Optional.
	RPC EthereumRPC
}

// SIWE authenticates by having the user sign an EIP-4361 message with
// their Ethereum key. Externally owned accounts are verified locally by
// recovering the signer address; contract wallets defer to the chain.
type SIWE struct {
	cfg SIWEConfig
	log *logrus.Entry
}

// NewSIWE creates the provider.
func NewSIWE(cfg SIWEConfig) *SIWE {
	return &SIWE{cfg: cfg, log: logrus.WithField("provider", "siwe")}
}

// Type implements Provider.
func (p *SIWE) Type() string {
	return "siwe"
}

type siweState struct {
	Nonce string `json:"nonce"`
}

// siweMessage holds the fields checked from an EIP-4361 message.
type siweMessage struct {
	Domain  string
	Address string
	URI     string
	Nonce   string
}

// Init implements Provider.
func (p *SIWE) Init(r chi.Router, ctx *Context) error {
	r.Get("/authorize", func(w http.ResponseWriter, req *http.Request) {
		p.authorize(w, req, ctx)
	})
	r.Post("/verify", func(w http.ResponseWriter, req *http.Request) {
		p.verify(w, req, ctx)
	})
	return nil
}

func (p *SIWE) authorize(w http.ResponseWriter, req *http.Request, ctx *Context) {
	nonce, err := RandomDigits(16)
	if err != nil {
		http.Error(w, "nonce generation failed", http.StatusInternalServerError)
		return
	}
	if err := ctx.Set(req, "siwe", conversationTTL, siweState{Nonce: nonce}); err != nil {
		http.Error(w, "authorization failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"nonce":  nonce,
		"domain": p.cfg.Domain,
		"uri":    p.cfg.URI,
	})
}

func (p *SIWE) verify(w http.ResponseWriter, req *http.Request, ctx *Context) {
	var stored siweState
	ok, err := ctx.Get(req, "siwe", &stored)
	if err != nil || !ok {
		http.Error(w, "unknown authorization state", http.StatusBadRequest)
		return
	}

	var body struct {
		Message   string `json:"message"`
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	msg, err := parseSIWEMessage(body.Message)
	if err != nil {
		http.Error(w, "malformed message", http.StatusBadRequest)
		return
	}
	if msg.Domain != p.cfg.Domain || msg.URI != p.cfg.URI || msg.Nonce != stored.Nonce {
		http.Error(w, "message rejected", http.StatusBadRequest)
		return
	}

	if err := p.checkSignature(req.Context(), body.Message, body.Signature, msg.Address); err != nil {
		p.log.WithError(err).Warn("signature verification failed")
		http.Error(w, "signature rejected", http.StatusBadRequest)
		return
	}

	_ = ctx.Unset(req, "siwe")
	ctx.Success(w, req, Result{"address": strings.ToLower(msg.Address)})
}

// parseSIWEMessage extracts the checked fields of an EIP-4361 message.
func parseSIWEMessage(message string) (*siweMessage, error) {
	scanner := bufio.NewScanner(strings.NewReader(message))

	if !scanner.Scan() {
		return nil, errors.New("empty message")
	}
	first := scanner.Text()
	const suffix = " wants you to sign in with your Ethereum account:"
	if !strings.HasSuffix(first, suffix) {
		return nil, errors.New("missing preamble")
	}
	msg := &siweMessage{Domain: strings.TrimSuffix(first, suffix)}

	if !scanner.Scan() {
		return nil, errors.New("missing address")
	}
	msg.Address = strings.TrimSpace(scanner.Text())
	if !strings.HasPrefix(msg.Address, "0x") || len(msg.Address) != 42 {
		return nil, errors.New("malformed address")
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "URI: "):
			msg.URI = strings.TrimPrefix(line, "URI: ")
		case strings.HasPrefix(line, "Nonce: "):
			msg.Nonce = strings.TrimPrefix(line, "Nonce: ")
		}
	}
	if msg.URI == "" || msg.Nonce == "" {
		return nil, errors.New("missing URI or nonce")
	}
	return msg, nil
}

// checkSignature verifies an EIP-191 personal_sign signature, falling
// back to an EIP-1271 contract check when recovery does not match and an
// RPC client is configured.
func (p *SIWE) checkSignature(ctx context.Context, message, signature, address string) error {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil || len(sig) != 65 {
		return errors.New("malformed signature")
	}

	digest := personalSignHash(message)

	recovered, recoverErr := recoverAddress(digest, sig)
	if recoverErr == nil && strings.EqualFold(recovered, address) {
		return nil
	}

	if p.cfg.RPC != nil {
		return p.checkContractSignature(ctx, digest, sig, address)
	}
	if recoverErr != nil {
		return recoverErr
	}
	return fmt.Errorf("recovered signer %s does not match %s", recovered, address)
}

// personalSignHash computes keccak256 over the EIP-191 envelope.
func personalSignHash(message string) []byte {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "\x19Ethereum Signed Message:\n%d%s", len(message), message)
	return h.Sum(nil)
}

// recoverAddress recovers the signer address from an R||S||V signature.
func recoverAddress(digest, sig []byte) (string, error) {
	v := sig[64]
	if v < 27 {
		v += 27
	}
	// RecoverCompact wants the recovery code first
	compact := make([]byte, 65)
	compact[0] = v
	copy(compact[1:], sig[:64])

	pub, _, err := secpecdsa.RecoverCompact(compact, digest)
	if err != nil {
		return "", fmt.Errorf("failed to recover signer: %w", err)
	}
	return pubkeyAddress(pub), nil
}

// pubkeyAddress derives the Ethereum address of a public key.
func pubkeyAddress(pub *secp256k1.PublicKey) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(pub.SerializeUncompressed()[1:])
	sum := h.Sum(nil)
	return "0x" + hex.EncodeToString(sum[12:])
}

// eip1271Magic is the return value of isValidSignature on success.
var eip1271Magic = [4]byte{0x16, 0x26, 0xba, 0x7e}

// checkContractSignature calls isValidSignature(bytes32,bytes) on the
// wallet contract.
func (p *SIWE) checkContractSignature(ctx context.Context, digest, sig []byte, address string) error {
	// selector ++ abi.encode(bytes32 hash, bytes signature)
	data := make([]byte, 0, 4+32+32+32+len(sig)+32)
	data = append(data, eip1271Magic[:]...)
	data = append(data, digest...)

	offset := make([]byte, 32)
	offset[31] = 64
	data = append(data, offset...)

	length := make([]byte, 32)
	length[31] = byte(len(sig))
	data = append(data, length...)

	padded := make([]byte, (len(sig)+31)/32*32)
	copy(padded, sig)
	data = append(data, padded...)

	out, err := p.cfg.RPC.Call(ctx, address, data)
	if err != nil {
		return fmt.Errorf("eth_call failed: %w", err)
	}
	if len(out) < 4 || [4]byte(out[:4]) != eip1271Magic {
		return errors.New("contract rejected signature")
	}
	return nil
}

var _ Provider = (*SIWE)(nil)
