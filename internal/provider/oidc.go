package provider

import (
	"net/http"
	"sync"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// OIDCConfig configures the generic upstream OIDC provider.
type OIDCConfig struct {
	// Issuer is the upstream issuer URL; its discovery document and JWKS
	// are fetched from the well-known endpoints.
	Issuer string

	ClientID     string
	ClientSecret string

	// Scopes beyond "openid", which is always requested.
	Scopes []string

	// Query adds extra parameters to the upstream authorize URL.
	Query map[string]string

	// ResponseType selects the upstream flow: "code" (the default)
	// exchanges an authorization code at the token endpoint; "id_token"
	// uses the implicit flow, receiving the token directly on a
	// form_post callback without an exchange.
	ResponseType string
}

// OIDC delegates authentication to an upstream OpenID Connect provider,
// verifying the returned id_token signature, audience and nonce against
// the upstream's published keys.
type OIDC struct {
	cfg OIDCConfig
	log *logrus.Entry

	mu       sync.Mutex
	upstream *gooidc.Provider
}

// NewOIDC creates the provider. Discovery happens lazily on the first
// authorize request so construction never blocks on the network.
func NewOIDC(cfg OIDCConfig) *OIDC {
	return &OIDC{cfg: cfg, log: logrus.WithField("provider", "oidc")}
}

// Type implements Provider.
func (p *OIDC) Type() string {
	return "oidc"
}

type oidcState struct {
	State string `json:"state"`
	Nonce string `json:"nonce"`
}

func (p *OIDC) implicit() bool {
	return p.cfg.ResponseType == "id_token"
}

func (p *OIDC) discover(r *http.Request) (*gooidc.Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.upstream != nil {
		return p.upstream, nil
	}
	upstream, err := gooidc.NewProvider(r.Context(), p.cfg.Issuer)
	if err != nil {
		return nil, err
	}
	p.upstream = upstream
	return upstream, nil
}

func (p *OIDC) config(upstream *gooidc.Provider, ctx *Context) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		Endpoint:     upstream.Endpoint(),
		RedirectURL:  ctx.URL("/callback"),
		Scopes:       append([]string{gooidc.ScopeOpenID}, p.cfg.Scopes...),
	}
}

// Init implements Provider.
func (p *OIDC) Init(r chi.Router, ctx *Context) error {
	r.Get("/authorize", func(w http.ResponseWriter, req *http.Request) {
		p.authorize(w, req, ctx)
	})
	r.Get("/callback", func(w http.ResponseWriter, req *http.Request) {
		p.callback(w, req, ctx)
	})
	// form_post callbacks arrive as POSTs, notably the implicit flow's
	// id_token delivery.
	r.Post("/callback", func(w http.ResponseWriter, req *http.Request) {
		p.callback(w, req, ctx)
	})
	return nil
}

func (p *OIDC) authorize(w http.ResponseWriter, req *http.Request, ctx *Context) {
	upstream, err := p.discover(req)
	if err != nil {
		p.log.WithError(err).Error("upstream discovery failed")
		http.Error(w, "authorization failed", http.StatusBadGateway)
		return
	}

	state := oidcState{State: uuid.NewString(), Nonce: uuid.NewString()}
	if err := ctx.Set(req, "auth", conversationTTL, state); err != nil {
		http.Error(w, "authorization failed", http.StatusInternalServerError)
		return
	}

	opts := []oauth2.AuthCodeOption{gooidc.Nonce(state.Nonce)}
	if p.implicit() {
		// fragments never reach the server, so the id_token must come
		// back as a form post
		opts = append(opts,
			oauth2.SetAuthURLParam("response_type", "id_token"),
			oauth2.SetAuthURLParam("response_mode", "form_post"))
	}
	for k, v := range p.cfg.Query {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	http.Redirect(w, req, p.config(upstream, ctx).AuthCodeURL(state.State, opts...), http.StatusFound)
}

func (p *OIDC) callback(w http.ResponseWriter, req *http.Request, ctx *Context) {
	upstream, err := p.discover(req)
	if err != nil {
		http.Error(w, "authorization failed", http.StatusBadGateway)
		return
	}

	if err := req.ParseForm(); err != nil {
		http.Error(w, "invalid callback", http.StatusBadRequest)
		return
	}
	params := req.URL.Query()
	if req.Method == http.MethodPost {
		params = req.PostForm
	}

	var stored oidcState
	ok, err := ctx.Get(req, "auth", &stored)
	if err != nil || !ok {
		http.Error(w, "unknown authorization state", http.StatusBadRequest)
		return
	}
	if s := params.Get("state"); s == "" || s != stored.State {
		http.Error(w, "state mismatch", http.StatusBadRequest)
		return
	}
	_ = ctx.Unset(req, "auth")

	// The implicit flow delivers the id_token on the callback itself;
	// the code flow earns it through a token-endpoint exchange. Either
	// way the token is verified below before anything trusts it.
	rawIDToken := params.Get("id_token")
	tokenset := map[string]any{}
	if rawIDToken == "" {
		tokens, err := p.config(upstream, ctx).Exchange(req.Context(), params.Get("code"))
		if err != nil {
			p.log.WithError(err).Warn("upstream code exchange failed")
			http.Error(w, "code exchange failed", http.StatusBadGateway)
			return
		}
		rawIDToken, _ = tokens.Extra("id_token").(string)
		if rawIDToken == "" {
			http.Error(w, "upstream response missing id_token", http.StatusBadGateway)
			return
		}
		tokenset["access"] = tokens.AccessToken
		tokenset["refresh"] = tokens.RefreshToken
	}
	tokenset["id"] = rawIDToken

	verifier := upstream.Verifier(&gooidc.Config{ClientID: p.cfg.ClientID})
	idToken, err := verifier.Verify(req.Context(), rawIDToken)
	if err != nil {
		p.log.WithError(err).Warn("id_token verification failed")
		http.Error(w, "id_token verification failed", http.StatusBadRequest)
		return
	}
	if idToken.Nonce != stored.Nonce {
		http.Error(w, "nonce mismatch", http.StatusBadRequest)
		return
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		http.Error(w, "failed to decode id_token claims", http.StatusBadGateway)
		return
	}

	ctx.Success(w, req, Result{
		"clientID": p.cfg.ClientID,
		"claims":   claims,
		"tokenset": tokenset,
	})
}

var _ Provider = (*OIDC)(nil)
