// Package oauth implements the issuer's HTTP surface: the authorize and
// token endpoints, provider mounting, discovery metadata and JWKS. It
// glues the provider conversations to the token service.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/attanik/gatehouse/internal/keys"
	"github.com/attanik/gatehouse/internal/pkce"
	"github.com/attanik/gatehouse/internal/provider"
	"github.com/attanik/gatehouse/internal/scopes"
	"github.com/attanik/gatehouse/internal/storage"
	"github.com/attanik/gatehouse/internal/subject"
	"github.com/attanik/gatehouse/internal/token"
)

const (
	defaultCodeTTL  = 60 * time.Second
	defaultFlowTTL  = 10 * time.Minute
	responseModeKey = "response_mode"
)

// SuccessResult is what the deployment's success callback returns: the
// subject a provider result maps to. ID may be empty to derive it from
// the properties.
type SuccessResult struct {
	Type       string
	ID         string
	Properties any
}

// SuccessFunc maps a provider result to a subject. Returning an error
// denies the authorization.
type SuccessFunc func(ctx context.Context, result provider.Result) (*SuccessResult, error)

// AllowFunc decides whether a client may use a redirect URI. The
// default allows only localhost redirects.
type AllowFunc func(ctx context.Context, clientID, redirectURI string) bool

// SelectFunc renders the provider-selection page. providers maps mount
// names to authorize URLs.
type SelectFunc func(w http.ResponseWriter, r *http.Request, providers map[string]string)

// Config configures an Issuer.
type Config struct {
	// Issuer is the external URL, without the base path.
	Issuer string

	// BasePath is the reverse-proxy prefix under which the issuer is
	// mounted externally. Internal routing strips it; emitted URLs
	// carry it.
	BasePath string

	Store     storage.Adapter
	Tokens    *token.Service
	Keys      *keys.Manager
	Subjects  *subject.Registry
	Providers *provider.Registry

	Success SuccessFunc
	Allow   AllowFunc
	Select  SelectFunc

	// CodeTTL bounds authorization-code lifetime. Default 60s.
	CodeTTL time.Duration
}

// Issuer is the HTTP authorization server.
type Issuer struct {
	cfg     Config
	baseURL string
	log     *logrus.Entry
}

// New creates an issuer and validates its configuration.
func New(cfg Config) (*Issuer, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("oauth: issuer URL is required")
	}
	if cfg.Success == nil {
		return nil, errors.New("oauth: success callback is required")
	}
	if cfg.Providers == nil || cfg.Providers.Len() == 0 {
		return nil, errors.New("oauth: at least one provider is required")
	}
	if cfg.CodeTTL == 0 {
		cfg.CodeTTL = defaultCodeTTL
	}
	if cfg.Allow == nil {
		cfg.Allow = AllowLocalhost
	}

	base := strings.TrimSuffix(cfg.Issuer, "/")
	if cfg.BasePath != "" {
		base += "/" + strings.Trim(cfg.BasePath, "/")
	}

	return &Issuer{
		cfg:     cfg,
		baseURL: base,
		log:     logrus.WithField("component", "oauth"),
	}, nil
}

// AllowLocalhost permits any client whose redirect URI points at a
// loopback host. Production deployments configure their own guard.
func AllowLocalhost(_ context.Context, _ string, redirectURI string) bool {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// flowRequest is the persisted authorization request, written at
// /authorize and consumed when a provider succeeds.
type flowRequest struct {
	ClientID        string   `json:"clientID"`
	RedirectURI     string   `json:"redirectURI"`
	ResponseType    string   `json:"responseType"`
	ResponseMode    string   `json:"responseMode,omitempty"`
	State           string   `json:"state,omitempty"`
	Scopes          []string `json:"scopes,omitempty"`
	Challenge       string   `json:"challenge,omitempty"`
	ChallengeMethod string   `json:"challengeMethod,omitempty"`
}

// codeRecord backs a single-use authorization code.
type codeRecord struct {
	SubjectType     string   `json:"type"`
	SubjectID       string   `json:"subject"`
	Properties      any      `json:"properties"`
	ClientID        string   `json:"clientID"`
	RedirectURI     string   `json:"redirectURI"`
	Scopes          []string `json:"scopes,omitempty"`
	Challenge       string   `json:"challenge,omitempty"`
	ChallengeMethod string   `json:"challengeMethod,omitempty"`
}

// Handler builds the HTTP handler, with the base path applied when
// configured.
func (i *Issuer) Handler() (http.Handler, error) {
	r := chi.NewRouter()

	r.Get("/.well-known/oauth-authorization-server", i.metadata)
	r.Get("/.well-known/openid-configuration", i.metadata)
	r.Get("/.well-known/jwks.json", i.jwks)
	r.Get("/authorize", i.authorize)
	r.Post("/token", i.token)
	r.Get("/userinfo", i.userinfo)

	if err := i.cfg.Providers.Mount(r, func(name string) *provider.Context {
		return provider.NewContext(name, i.baseURL, i.cfg.Store, i.success, i.invalidate)
	}); err != nil {
		return nil, err
	}

	if i.cfg.BasePath == "" {
		return r, nil
	}
	outer := chi.NewRouter()
	outer.Mount("/"+strings.Trim(i.cfg.BasePath, "/"), r)
	return outer, nil
}

func (i *Issuer) invalidate(ctx context.Context, subjectID string) error {
	return i.cfg.Tokens.Invalidate(ctx, subjectID)
}

// cookiePath keeps the state cookie scoped to the issuer's mount.
func (i *Issuer) cookiePath() string {
	if i.cfg.BasePath == "" {
		return "/"
	}
	return "/" + strings.Trim(i.cfg.BasePath, "/")
}

// providerURL is the external URL of a provider route.
func (i *Issuer) providerURL(name, path string) string {
	return i.baseURL + "/" + name + path
}

// authorize validates the request, persists it, and hands the browser to
// a provider.
func (i *Issuer) authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	if clientID == "" || redirectURI == "" {
		http.Error(w, "client_id and redirect_uri are required", http.StatusBadRequest)
		return
	}

	// nothing redirects until the redirect target is trusted
	if !i.cfg.Allow(r.Context(), clientID, redirectURI) {
		i.log.WithFields(logrus.Fields{"client": clientID, "redirect": redirectURI}).
			Warn("authorization denied by allow guard")
		http.Error(w, "unauthorized client", http.StatusUnauthorized)
		return
	}

	state := q.Get("state")
	responseType := q.Get("response_type")
	if responseType != "code" && responseType != "token" {
		i.redirectError(w, r, redirectURI, state, "unsupported_response_type", "response_type must be code or token")
		return
	}

	challenge := q.Get("code_challenge")
	challengeMethod := q.Get("code_challenge_method")
	if challenge != "" && challengeMethod == "" {
		challengeMethod = pkce.MethodPlain
	}
	if challengeMethod != "" && challengeMethod != pkce.MethodS256 && challengeMethod != pkce.MethodPlain {
		i.redirectError(w, r, redirectURI, state, "invalid_request", "unsupported code_challenge_method")
		return
	}

	flow := flowRequest{
		ClientID:        clientID,
		RedirectURI:     redirectURI,
		ResponseType:    responseType,
		ResponseMode:    q.Get(responseModeKey),
		State:           state,
		Scopes:          scopes.Parse(q.Get("scope")),
		Challenge:       challenge,
		ChallengeMethod: challengeMethod,
	}

	requestID := uuid.NewString()
	if err := storage.SetJSON(r.Context(), i.cfg.Store,
		[]string{"oauth:provider", requestID, "request"}, flow, defaultFlowTTL); err != nil {
		i.log.WithError(err).Error("failed to persist authorization request")
		i.redirectError(w, r, redirectURI, state, "server_error", "")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     provider.StateCookie,
		Value:    requestID,
		Path:     i.cookiePath(),
		MaxAge:   int(defaultFlowTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	name := q.Get("provider")
	if name == "" && i.cfg.Providers.Len() == 1 {
		name = i.cfg.Providers.Names()[0]
	}
	if name != "" {
		if _, ok := i.cfg.Providers.Get(name); !ok {
			i.redirectError(w, r, redirectURI, state, "invalid_request", "unknown provider")
			return
		}
		http.Redirect(w, r, i.providerURL(name, "/authorize"), http.StatusFound)
		return
	}

	i.renderSelect(w, r)
}

func (i *Issuer) renderSelect(w http.ResponseWriter, r *http.Request) {
	providers := make(map[string]string, i.cfg.Providers.Len())
	for _, name := range i.cfg.Providers.Names() {
		providers[name] = i.providerURL(name, "/authorize")
	}

	if i.cfg.Select != nil {
		i.cfg.Select(w, r, providers)
		return
	}
	defaultSelect(w, providers)
}

var selectTemplate = template.Must(template.New("select").Parse(`<!doctype html>
<html><body>
<h1>Sign in</h1>
<ul>
{{range $name, $url := .}}<li><a href="{{$url}}">{{$name}}</a></li>
{{end}}</ul>
</body></html>`))

func defaultSelect(w http.ResponseWriter, providers map[string]string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = selectTemplate.Execute(w, providers)
}

// loadFlow resolves the browser's pending authorization request.
func (i *Issuer) loadFlow(r *http.Request) (*flowRequest, string, error) {
	cookie, err := r.Cookie(provider.StateCookie)
	if err != nil || cookie.Value == "" {
		return nil, "", provider.ErrUnknownState
	}

	var flow flowRequest
	ok, err := storage.GetJSON(r.Context(), i.cfg.Store,
		[]string{"oauth:provider", cookie.Value, "request"}, &flow)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", provider.ErrUnknownState
	}
	return &flow, cookie.Value, nil
}

// success finishes a provider conversation: map the result to a subject
// and issue a code or tokens.
func (i *Issuer) success(w http.ResponseWriter, r *http.Request, result provider.Result) {
	flow, requestID, err := i.loadFlow(r)
	if err != nil {
		i.log.WithError(err).Warn("provider success with no pending flow")
		http.Error(w, "unknown authorization state", http.StatusBadRequest)
		return
	}

	mapped, err := i.cfg.Success(r.Context(), result)
	if err != nil {
		i.log.WithError(err).Warn("success callback rejected provider result")
		i.redirectError(w, r, flow.RedirectURI, flow.State, "access_denied", "")
		return
	}

	sub, err := i.cfg.Subjects.Validate(mapped.Type, mapped.ID, mapped.Properties)
	if err != nil {
		i.log.WithError(err).Warn("subject validation failed")
		i.redirectError(w, r, flow.RedirectURI, flow.State, "server_error", "")
		return
	}

	// the flow is finished either way; drop the conversation
	_ = i.cfg.Store.Remove(r.Context(), []string{"oauth:provider", requestID, "request"})

	switch flow.ResponseType {
	case "token":
		pair, err := i.cfg.Tokens.Mint(r.Context(), flow.ClientID, sub, flow.Scopes)
		if err != nil {
			i.log.WithError(err).Error("failed to mint tokens")
			i.redirectError(w, r, flow.RedirectURI, flow.State, "server_error", "")
			return
		}
		fragment := url.Values{
			"access_token":  {pair.AccessToken},
			"refresh_token": {pair.RefreshToken},
		}
		if flow.State != "" {
			fragment.Set("state", flow.State)
		}
		http.Redirect(w, r, flow.RedirectURI+"#"+fragment.Encode(), http.StatusFound)

	default: // code
		code, err := randomCode()
		if err != nil {
			i.redirectError(w, r, flow.RedirectURI, flow.State, "server_error", "")
			return
		}
		rec := codeRecord{
			SubjectType:     sub.Type,
			SubjectID:       sub.ID,
			Properties:      sub.Properties,
			ClientID:        flow.ClientID,
			RedirectURI:     flow.RedirectURI,
			Scopes:          flow.Scopes,
			Challenge:       flow.Challenge,
			ChallengeMethod: flow.ChallengeMethod,
		}
		if err := storage.SetJSON(r.Context(), i.cfg.Store, []string{"oauth:code", code}, rec, i.cfg.CodeTTL); err != nil {
			i.log.WithError(err).Error("failed to persist authorization code")
			i.redirectError(w, r, flow.RedirectURI, flow.State, "server_error", "")
			return
		}

		params := url.Values{"code": {code}}
		if flow.State != "" {
			params.Set("state", flow.State)
		}
		i.respond(w, r, flow, params)
	}
}

// respond returns parameters to the relying party in the requested
// response mode.
func (i *Issuer) respond(w http.ResponseWriter, r *http.Request, flow *flowRequest, params url.Values) {
	if flow.ResponseMode == "form_post" {
		renderFormPost(w, flow.RedirectURI, params)
		return
	}
	http.Redirect(w, r, appendQuery(flow.RedirectURI, params), http.StatusFound)
}

var formPostTemplate = template.Must(template.New("form_post").Parse(`<!doctype html>
<html><body onload="document.forms[0].submit()">
<form method="post" action="{{.Action}}">
{{range $name, $values := .Params}}{{range $values}}<input type="hidden" name="{{$name}}" value="{{.}}">
{{end}}{{end}}<noscript><button type="submit">Continue</button></noscript>
</form>
</body></html>`))

func renderFormPost(w http.ResponseWriter, action string, params url.Values) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = formPostTemplate.Execute(w, map[string]any{"Action": action, "Params": params})
}

func appendQuery(rawURL string, params url.Values) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for name, values := range params {
		for _, v := range values {
			q.Add(name, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func randomCode() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// redirectError sends an OAuth error back to a validated redirect URI.
func (i *Issuer) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, description string) {
	params := url.Values{"error": {code}}
	if description != "" {
		params.Set("error_description", description)
	}
	if state != "" {
		params.Set("state", state)
	}
	http.Redirect(w, r, appendQuery(redirectURI, params), http.StatusFound)
}

// tokenError is the RFC 6749 JSON error body.
func tokenError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// token handles the three grant types.
func (i *Issuer) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		i.grantAuthorizationCode(w, r)
	case "refresh_token":
		i.grantRefreshToken(w, r)
	case "client_credentials":
		i.grantClientCredentials(w, r)
	default:
		tokenError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be authorization_code, refresh_token or client_credentials")
	}
}

// codeTaker is implemented by adapters that can delete-on-read, making
// authorization codes atomically single-use.
type codeTaker interface {
	Take(ctx context.Context, key []string) (json.RawMessage, bool, error)
}

// takeCode fetches and deletes the code record.
func (i *Issuer) takeCode(ctx context.Context, code string) (*codeRecord, bool, error) {
	key := []string{"oauth:code", code}

	var raw json.RawMessage
	var ok bool
	var err error
	if taker, can := i.cfg.Store.(codeTaker); can {
		raw, ok, err = taker.Take(ctx, key)
	} else {
		raw, ok, err = i.cfg.Store.Get(ctx, key)
		if err == nil && ok {
			err = i.cfg.Store.Remove(ctx, key)
		}
	}
	if err != nil || !ok {
		return nil, false, err
	}

	var rec codeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

func (i *Issuer) grantAuthorizationCode(w http.ResponseWriter, r *http.Request) {
	code := r.PostForm.Get("code")
	if code == "" {
		tokenError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	rec, ok, err := i.takeCode(r.Context(), code)
	if err != nil {
		i.log.WithError(err).Error("failed to read authorization code")
		tokenError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	if !ok {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "authorization code is invalid or expired")
		return
	}

	if r.PostForm.Get("client_id") != rec.ClientID {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "client_id mismatch")
		return
	}
	if r.PostForm.Get("redirect_uri") != rec.RedirectURI {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}

	if rec.Challenge != "" {
		verifier := r.PostForm.Get("code_verifier")
		if verifier == "" {
			tokenError(w, http.StatusBadRequest, "invalid_grant", "code_verifier is required")
			return
		}
		valid, err := pkce.Validate(verifier, rec.Challenge, rec.ChallengeMethod)
		if err != nil || !valid {
			tokenError(w, http.StatusBadRequest, "invalid_grant", "code_verifier rejected")
			return
		}
	}

	sub, err := i.cfg.Subjects.Validate(rec.SubjectType, rec.SubjectID, rec.Properties)
	if err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "subject validation failed")
		return
	}

	requested := scopes.Parse(r.PostForm.Get("scope"))
	granted := scopes.Narrow(requested, rec.Scopes)

	pair, err := i.cfg.Tokens.Mint(r.Context(), rec.ClientID, sub, granted)
	if err != nil {
		i.log.WithError(err).Error("failed to mint tokens")
		tokenError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	writePair(w, pair)
}

func (i *Issuer) grantRefreshToken(w http.ResponseWriter, r *http.Request) {
	refresh := r.PostForm.Get("refresh_token")
	if refresh == "" {
		tokenError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	pair, err := i.cfg.Tokens.Consume(r.Context(), refresh)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrInvalidRefreshToken), errors.Is(err, token.ErrInvalidSubject):
			tokenError(w, http.StatusBadRequest, "invalid_grant", "refresh token is invalid")
		default:
			i.log.WithError(err).Error("refresh grant failed")
			tokenError(w, http.StatusInternalServerError, "server_error", "")
		}
		return
	}
	writePair(w, pair)
}

func (i *Issuer) grantClientCredentials(w http.ResponseWriter, r *http.Request) {
	name := r.PostForm.Get("provider")
	if name == "" {
		tokenError(w, http.StatusBadRequest, "invalid_request", "provider is required")
		return
	}

	p, ok := i.cfg.Providers.Get(name)
	if !ok {
		tokenError(w, http.StatusBadRequest, "invalid_request", "unknown provider")
		return
	}
	cc, ok := p.(provider.ClientCredentialsProvider)
	if !ok {
		tokenError(w, http.StatusBadRequest, "unauthorized_client", "provider does not support client credentials")
		return
	}

	clientID, clientSecret := r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	if basicID, basicSecret, hasBasic := r.BasicAuth(); hasBasic {
		clientID, clientSecret = basicID, basicSecret
	}

	params := make(map[string]string, len(r.PostForm))
	for field := range r.PostForm {
		switch field {
		case "grant_type", "provider", "client_id", "client_secret":
		default:
			params[field] = r.PostForm.Get(field)
		}
	}

	result, err := cc.Client(r.Context(), provider.ClientInput{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Params:       params,
	})
	if err != nil {
		i.log.WithError(err).Warn("client credentials rejected")
		tokenError(w, http.StatusUnauthorized, "access_denied", "client authentication failed")
		return
	}
	result["provider"] = name

	mapped, err := i.cfg.Success(r.Context(), result)
	if err != nil {
		tokenError(w, http.StatusBadRequest, "access_denied", "")
		return
	}
	sub, err := i.cfg.Subjects.Validate(mapped.Type, mapped.ID, mapped.Properties)
	if err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_request", "subject validation failed")
		return
	}

	pair, err := i.cfg.Tokens.Mint(r.Context(), clientID, sub, nil)
	if err != nil {
		i.log.WithError(err).Error("failed to mint tokens")
		tokenError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	writePair(w, pair)
}

func writePair(w http.ResponseWriter, pair *token.Pair) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_in":    pair.ExpiresIn,
		"token_type":    "Bearer",
	})
}

// userinfo resolves the bearer token to its subject properties.
func (i *Issuer) userinfo(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	raw, found := strings.CutPrefix(auth, "Bearer ")
	if !found || raw == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="userinfo"`)
		http.Error(w, "bearer token required", http.StatusUnauthorized)
		return
	}

	sub, err := i.cfg.Tokens.Verify(r.Context(), raw, "")
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":       sub.Type,
		"sub":        sub.ID,
		"properties": sub.Properties,
	})
}

// metadata serves the discovery document.
func (i *Issuer) metadata(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"issuer":                                i.baseURL,
		"authorization_endpoint":                i.baseURL + "/authorize",
		"token_endpoint":                        i.baseURL + "/token",
		"jwks_uri":                              i.baseURL + "/.well-known/jwks.json",
		"userinfo_endpoint":                     i.baseURL + "/userinfo",
		"response_types_supported":              []string{"code", "token"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token", "client_credentials"},
		"code_challenge_methods_supported":      []string{pkce.MethodS256, pkce.MethodPlain},
		"token_endpoint_auth_methods_supported": []string{"none", "client_secret_post", "client_secret_basic"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{keys.SigningAlgorithm.String()},
	})
}

// jwks publishes the signing keys' public halves.
func (i *Issuer) jwks(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	set := i.cfg.Keys.JWKS()
	if set == nil {
		fmt.Fprint(w, `{"keys":[]}`)
		return
	}
	_ = json.NewEncoder(w).Encode(set)
}
