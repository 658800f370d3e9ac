// Package provider defines the contract identity providers implement and
// the built-in providers that ship with the issuer. A provider mounts
// HTTP routes under its name, drives a multi-step conversation through
// cookie-bound scratch storage, and hands the issuer a normalized result
// when the user is authenticated.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/attanik/gatehouse/internal/storage"
)

// StateCookie binds the browser to its conversation ID. Set by the
// issuer when a flow starts.
const StateCookie = "openauth_state"

// ErrUnknownState is returned when the conversation cookie is missing or
// its stored state has expired.
var ErrUnknownState = errors.New("provider: unknown authorization state")

// Result is the provider-owned payload delivered to the issuer's success
// callback. The issuer injects the "provider" key so the callback can
// discriminate; everything else is up to the provider.
type Result map[string]any

// Provider is a pluggable authentication method.
type Provider interface {
	// Type names the provider kind, e.g. "password" or "oidc".
	Type() string

	// Init mounts the provider's routes. The router is already scoped to
	// the provider's mount point.
	Init(r chi.Router, ctx *Context) error
}

// ClientInput carries the credentials of a client_credentials grant.
type ClientInput struct {
	ClientID     string
	ClientSecret string
	Params       map[string]string
}

// ClientCredentialsProvider is implemented by providers that can
// authenticate a service rather than a browser.
type ClientCredentialsProvider interface {
	Provider

	// Client authenticates the calling service and returns its result, or
	// an error to deny the grant.
	Client(ctx context.Context, input ClientInput) (Result, error)
}

// SuccessFunc finishes a conversation: the issuer maps the result to a
// subject and redirects back to the relying party.
type SuccessFunc func(w http.ResponseWriter, r *http.Request, result Result)

// FormRenderer replaces a provider's built-in HTML pages. form names the
// page being rendered, e.g. "login" or "verify"; data carries the page's
// inputs such as a previous error. The renderer owns the full response,
// headers included. Providers fall back to their inline templates when
// the hook is nil.
type FormRenderer func(w http.ResponseWriter, form string, data any)

// Context is what the issuer hands each provider at Init. All methods
// are safe for concurrent use across requests.
type Context struct {
	name       string
	baseURL    string
	store      storage.Adapter
	onSuccess  SuccessFunc
	invalidate func(ctx context.Context, subjectID string) error
}

// NewContext wires a provider context. baseURL is the issuer's external
// URL including any reverse-proxy prefix. Called by the issuer; tests
// may construct one directly.
func NewContext(name, baseURL string, store storage.Adapter, onSuccess SuccessFunc, invalidate func(context.Context, string) error) *Context {
	return &Context{
		name:       name,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		store:      store,
		onSuccess:  onSuccess,
		invalidate: invalidate,
	}
}

// Name returns the provider's mount name.
func (c *Context) Name() string {
	return c.name
}

// URL returns the absolute URL of a path under the provider's mount
// point, e.g. URL("/callback") for an upstream redirect_uri.
func (c *Context) URL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + "/" + c.name + path
}

// Storage exposes the raw adapter for provider-owned durable data, such
// as password hashes. Conversation scratch state should use Get/Set
// instead.
func (c *Context) Storage() storage.Adapter {
	return c.store
}

// requestID resolves the conversation ID from the state cookie.
func (c *Context) requestID(r *http.Request) (string, error) {
	cookie, err := r.Cookie(StateCookie)
	if err != nil || cookie.Value == "" {
		return "", ErrUnknownState
	}
	return cookie.Value, nil
}

func (c *Context) slotKey(requestID, slot string) []string {
	return []string{"oauth:provider", requestID, c.name + "/" + slot}
}

// Get reads a conversation slot into out. ok=false when the slot is
// empty or expired.
func (c *Context) Get(r *http.Request, slot string, out any) (bool, error) {
	requestID, err := c.requestID(r)
	if err != nil {
		return false, err
	}
	return storage.GetJSON(r.Context(), c.store, c.slotKey(requestID, slot), out)
}

// Set writes a conversation slot with the given TTL.
func (c *Context) Set(r *http.Request, slot string, ttl time.Duration, value any) error {
	requestID, err := c.requestID(r)
	if err != nil {
		return err
	}
	return storage.SetJSON(r.Context(), c.store, c.slotKey(requestID, slot), value, ttl)
}

// Unset clears a conversation slot.
func (c *Context) Unset(r *http.Request, slot string) error {
	requestID, err := c.requestID(r)
	if err != nil {
		return err
	}
	return c.store.Remove(r.Context(), c.slotKey(requestID, slot))
}

// Forward writes a response body without ending the conversation,
// typically an HTML form for the next step.
func (c *Context) Forward(w http.ResponseWriter, contentType string, status int, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// ForwardHTML is Forward for the common case.
func (c *Context) ForwardHTML(w http.ResponseWriter, status int, body []byte) {
	c.Forward(w, "text/html; charset=utf-8", status, body)
}

// Success ends the conversation: the issuer takes over, maps the result
// to a subject, and completes the OAuth flow.
func (c *Context) Success(w http.ResponseWriter, r *http.Request, result Result) {
	if result == nil {
		result = Result{}
	}
	result["provider"] = c.name
	c.onSuccess(w, r, result)
}

// Invalidate drops every refresh token for a subject. Providers call
// this on credential changes.
func (c *Context) Invalidate(ctx context.Context, subjectID string) error {
	return c.invalidate(ctx, subjectID)
}

// Registry holds the configured providers by mount name.
type Registry struct {
	providers map[string]Provider
	order     []string
}

// NewRegistry builds a registry. Mount names must be unique.
func NewRegistry(providers map[string]Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for name, p := range providers {
		r.providers[name] = p
		r.order = append(r.order, name)
	}
	sort.Strings(r.order)
	return r
}

// Get returns the provider mounted at name.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the configured mount names.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Len returns the number of configured providers.
func (r *Registry) Len() int {
	return len(r.providers)
}

// Mount initializes every provider under its own route subtree.
func (r *Registry) Mount(router chi.Router, newContext func(name string) *Context) error {
	for name, p := range r.providers {
		sub := chi.NewRouter()
		if err := p.Init(sub, newContext(name)); err != nil {
			return fmt.Errorf("failed to init provider %q: %w", name, err)
		}
		router.Mount("/"+name, sub)
	}
	return nil
}
