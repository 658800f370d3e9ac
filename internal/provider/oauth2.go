package provider

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const conversationTTL = 10 * time.Minute

// OAuth2Config configures the generic upstream OAuth2 provider.
type OAuth2Config struct {
	ClientID     string
	ClientSecret string
	Endpoint     oauth2.Endpoint
	Scopes       []string

	// Query adds extra parameters to the upstream authorize URL, e.g.
	// access_type=offline.
	Query map[string]string

	// PKCE sends a code verifier with the upstream exchange.
	PKCE bool

	// ResponseMode selects how the upstream returns the code: "query"
	// (default, GET callback) or "form_post" (POST callback).
	ResponseMode string
}

// OAuth2 delegates authentication to any upstream OAuth2 authorization
// server. The upstream token set is handed to the success callback
// untouched; mapping it to a subject is the deployment's job.
type OAuth2 struct {
	cfg OAuth2Config
	log *logrus.Entry
}

// NewOAuth2 creates the provider.
func NewOAuth2(cfg OAuth2Config) *OAuth2 {
	return &OAuth2{cfg: cfg, log: logrus.WithField("provider", "oauth2")}
}

// Type implements Provider.
func (p *OAuth2) Type() string {
	return "oauth2"
}

// oauth2State is the conversation slot written at /authorize and checked
// at /callback.
type oauth2State struct {
	State    string `json:"state"`
	Verifier string `json:"verifier,omitempty"`
}

func (p *OAuth2) config(ctx *Context) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		Endpoint:     p.cfg.Endpoint,
		RedirectURL:  ctx.URL("/callback"),
		Scopes:       p.cfg.Scopes,
	}
}

// Init implements Provider.
func (p *OAuth2) Init(r chi.Router, ctx *Context) error {
	r.Get("/authorize", func(w http.ResponseWriter, req *http.Request) {
		p.authorize(w, req, ctx)
	})
	r.Get("/callback", func(w http.ResponseWriter, req *http.Request) {
		p.callback(w, req, ctx, req.URL.Query().Get("state"), req.URL.Query().Get("code"), req.URL.Query().Get("error"))
	})
	// form_post response mode delivers code and state as form fields
	r.Post("/callback", func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}
		p.callback(w, req, ctx, req.Form.Get("state"), req.Form.Get("code"), req.Form.Get("error"))
	})
	return nil
}

func (p *OAuth2) authorize(w http.ResponseWriter, req *http.Request, ctx *Context) {
	state := oauth2State{State: uuid.NewString()}

	opts := []oauth2.AuthCodeOption{}
	for k, v := range p.cfg.Query {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	if p.cfg.ResponseMode == "form_post" {
		opts = append(opts, oauth2.SetAuthURLParam("response_mode", "form_post"))
	}
	if p.cfg.PKCE {
		verifier := oauth2.GenerateVerifier()
		state.Verifier = verifier
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}

	if err := ctx.Set(req, "auth", conversationTTL, state); err != nil {
		p.log.WithError(err).Error("failed to persist authorize state")
		http.Error(w, "authorization failed", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, req, p.config(ctx).AuthCodeURL(state.State, opts...), http.StatusFound)
}

func (p *OAuth2) callback(w http.ResponseWriter, req *http.Request, ctx *Context, state, code, upstreamErr string) {
	if upstreamErr != "" {
		http.Error(w, "upstream denied authorization", http.StatusBadRequest)
		return
	}

	var stored oauth2State
	ok, err := ctx.Get(req, "auth", &stored)
	if err != nil || !ok {
		http.Error(w, "unknown authorization state", http.StatusBadRequest)
		return
	}
	if state == "" || state != stored.State {
		http.Error(w, "state mismatch", http.StatusBadRequest)
		return
	}
	_ = ctx.Unset(req, "auth")

	var opts []oauth2.AuthCodeOption
	if stored.Verifier != "" {
		opts = append(opts, oauth2.VerifierOption(stored.Verifier))
	}

	tokens, err := p.config(ctx).Exchange(req.Context(), code, opts...)
	if err != nil {
		p.log.WithError(err).Warn("upstream code exchange failed")
		http.Error(w, "code exchange failed", http.StatusBadGateway)
		return
	}

	ctx.Success(w, req, Result{
		"clientID": p.cfg.ClientID,
		"tokenset": map[string]any{
			"access":  tokens.AccessToken,
			"refresh": tokens.RefreshToken,
			"expiry":  tokens.Expiry,
			"raw":     tokens.Extra("id_token"),
		},
	})
}

var _ Provider = (*OAuth2)(nil)
