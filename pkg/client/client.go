// Package client is the relying-party side of the issuer: it builds
// authorize URLs, exchanges codes, refreshes sessions and verifies
// access tokens against the issuer's published keys.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/attanik/gatehouse/internal/pkce"
)

// Sentinel errors callers branch on.
var (
	ErrInvalidAuthorizationCode = errors.New("invalid authorization code")
	ErrInvalidRefreshToken      = errors.New("invalid refresh token")
	ErrInvalidAccessToken       = errors.New("invalid access token")
	ErrInvalidSubject           = errors.New("invalid subject")
)

// refreshSkew is how much access-token lifetime must remain for Refresh
// to skip the round trip.
const refreshSkew = 30 * time.Second

// Validator checks and normalizes subject properties decoded from a
// token.
type Validator func(properties any) (any, error)

// Schemas maps subject type names to their validators.
type Schemas map[string]Validator

// Subject is the verified identity carried by an access token.
type Subject struct {
	ID         string
	Type       string
	Properties any
}

// WellKnown is the slice of the discovery document the client needs.
type WellKnown struct {
	JWKSURI               string `json:"jwks_uri"`
	TokenEndpoint         string `json:"token_endpoint"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
}

// Tokens is a token-endpoint response.
type Tokens struct {
	Access    string `json:"access_token"`
	Refresh   string `json:"refresh_token"`
	ExpiresIn int    `json:"expires_in"`
}

// Challenge is the client-held half of a started flow: the state the
// redirect must echo and, for PKCE, the verifier for the exchange.
type Challenge struct {
	State    string
	Verifier string
}

// AuthorizeOptions tunes Authorize.
type AuthorizeOptions struct {
	// PKCE generates a proof-key pair. Only meaningful for the code flow.
	PKCE bool
	// Provider pre-selects a provider, skipping the selection page.
	Provider string
	// Scopes narrows what the issued tokens may be used for.
	Scopes []string
}

// AuthorizeResult is a started flow.
type AuthorizeResult struct {
	URL       string
	Challenge Challenge
}

// ExchangeOptions tunes Exchange.
type ExchangeOptions struct {
	// Verifier is the PKCE verifier from Authorize.
	Verifier string
}

// RefreshOptions tunes Refresh.
type RefreshOptions struct {
	// Access, when set, skips the refresh while it is still valid.
	Access string
}

// RefreshResult carries the new tokens, or nil when the refresh was
// skipped because the supplied access token is still valid.
type RefreshResult struct {
	Tokens *Tokens
}

// VerifyOptions tunes Verify.
type VerifyOptions struct {
	// Refresh, when set, lets Verify transparently refresh an expired
	// access token.
	Refresh string
	// Audience, when set, requires the token to be bound to this client.
	Audience string
}

// VerifyResult is a verified token: the subject, plus fresh tokens when
// a refresh happened along the way.
type VerifyResult struct {
	Subject *Subject
	Tokens  *Tokens
}

// Config configures a Client.
type Config struct {
	// ClientID identifies this app to the issuer.
	ClientID string
	// Issuer is the issuer's external URL, including any base path.
	Issuer string
	// Subjects validates the subject types this app understands.
	Subjects Schemas
	// HTTPClient overrides the transport. Optional.
	HTTPClient *http.Client
}

// Client talks to one issuer. Safe for concurrent use; the discovery
// document and JWKS are fetched once and cached.
type Client struct {
	clientID   string
	issuer     string
	subjects   Schemas
	httpClient *http.Client

	mu        sync.Mutex
	wellKnown *WellKnown
	jwks      jwk.Set
}

// New creates a client for the given issuer.
func New(cfg Config) (*Client, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("client: issuer is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		clientID:   cfg.ClientID,
		issuer:     strings.TrimSuffix(cfg.Issuer, "/"),
		subjects:   cfg.Subjects,
		httpClient: httpClient,
	}, nil
}

// getWellKnown fetches and caches the discovery document.
func (c *Client) getWellKnown(ctx context.Context) (*WellKnown, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wellKnown != nil {
		return c.wellKnown, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.issuer+"/.well-known/oauth-authorization-server", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery document returned %d", resp.StatusCode)
	}

	var wk WellKnown
	if err := json.NewDecoder(resp.Body).Decode(&wk); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}
	c.wellKnown = &wk
	return &wk, nil
}

// getJWKS fetches and caches the issuer's public keys.
func (c *Client) getJWKS(ctx context.Context) (jwk.Set, error) {
	wk, err := c.getWellKnown(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.jwks != nil {
		return c.jwks, nil
	}

	set, err := jwk.Fetch(ctx, wk.JWKSURI, jwk.WithHTTPClient(c.httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	c.jwks = set
	return set, nil
}

// Authorize builds the URL that starts a flow. responseType is "code"
// or "token"; the code flow is the one to use unless the relying party
// cannot keep a secret backend channel.
func (c *Client) Authorize(redirectURI, responseType string, opts *AuthorizeOptions) (*AuthorizeResult, error) {
	result := &AuthorizeResult{
		Challenge: Challenge{State: uuid.NewString()},
	}

	query := url.Values{
		"client_id":     {c.clientID},
		"redirect_uri":  {redirectURI},
		"response_type": {responseType},
		"state":         {result.Challenge.State},
	}
	if opts != nil {
		if opts.Provider != "" {
			query.Set("provider", opts.Provider)
		}
		if len(opts.Scopes) > 0 {
			query.Set("scope", strings.Join(opts.Scopes, " "))
		}
		if opts.PKCE && responseType == "code" {
			verifier, challenge, method, err := pkce.Generate(0)
			if err != nil {
				return nil, fmt.Errorf("failed to generate proof key: %w", err)
			}
			query.Set("code_challenge", challenge)
			query.Set("code_challenge_method", method)
			result.Challenge.Verifier = verifier
		}
	}

	result.URL = c.issuer + "/authorize?" + query.Encode()
	return result, nil
}

// Exchange trades an authorization code for tokens.
func (c *Client) Exchange(ctx context.Context, code, redirectURI string, opts *ExchangeOptions) (*Tokens, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
		"client_id":    {c.clientID},
	}
	if opts != nil && opts.Verifier != "" {
		form.Set("code_verifier", opts.Verifier)
	}

	tokens, err := c.postToken(ctx, form)
	if err != nil {
		if errors.Is(err, errTokenDenied) {
			return nil, ErrInvalidAuthorizationCode
		}
		return nil, err
	}
	return tokens, nil
}

// Refresh trades a refresh token for a new pair. When opts.Access is
// supplied and still has more than refreshSkew of lifetime left, the
// round trip is skipped and the result carries no tokens.
func (c *Client) Refresh(ctx context.Context, refreshToken string, opts *RefreshOptions) (*RefreshResult, error) {
	if opts != nil && opts.Access != "" {
		parsed, err := jwt.ParseInsecure([]byte(opts.Access))
		if err != nil {
			return nil, ErrInvalidAccessToken
		}
		if exp := parsed.Expiration(); exp.After(time.Now().Add(refreshSkew)) {
			return &RefreshResult{}, nil
		}
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	tokens, err := c.postToken(ctx, form)
	if err != nil {
		if errors.Is(err, errTokenDenied) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}
	return &RefreshResult{Tokens: tokens}, nil
}

// errTokenDenied distinguishes an issuer rejection from transport
// failures inside postToken.
var errTokenDenied = errors.New("token endpoint rejected the grant")

func (c *Client) postToken(ctx context.Context, form url.Values) (*Tokens, error) {
	wk, err := c.getWellKnown(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wk.TokenEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errTokenDenied
	}

	var tokens Tokens
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	return &tokens, nil
}

// Verify checks an access token against the issuer's keys and returns
// its subject. With opts.Refresh set, an expired token is refreshed
// transparently and the result carries the new pair.
func (c *Client) Verify(ctx context.Context, token string, opts *VerifyOptions) (*VerifyResult, error) {
	if opts == nil {
		opts = &VerifyOptions{}
	}

	jwks, err := c.getJWKS(ctx)
	if err != nil {
		return nil, err
	}

	parseOpts := []jwt.ParseOption{
		jwt.WithKeySet(jwks),
		jwt.WithValidate(true),
		jwt.WithIssuer(c.issuer),
	}
	if opts.Audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(opts.Audience))
	}

	parsed, err := jwt.ParseString(token, parseOpts...)
	if err != nil {
		if opts.Refresh != "" && errors.Is(err, jwt.ErrTokenExpired()) {
			refreshed, err := c.Refresh(ctx, opts.Refresh, nil)
			if err != nil {
				return nil, err
			}

			result, err := c.Verify(ctx, refreshed.Tokens.Access, &VerifyOptions{
				Audience: opts.Audience,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to verify refreshed token: %w", err)
			}
			result.Tokens = refreshed.Tokens
			return result, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccessToken, err)
	}

	sub, err := c.decodeSubject(parsed, true)
	if err != nil {
		return nil, err
	}
	return &VerifyResult{Subject: sub}, nil
}

// Decode extracts the subject from a token without checking its
// signature. Use only where the token already crossed a trusted
// boundary.
func (c *Client) Decode(token string) (*Subject, error) {
	parsed, err := jwt.ParseInsecure([]byte(token))
	if err != nil {
		return nil, ErrInvalidAccessToken
	}
	return c.decodeSubject(parsed, false)
}

// decodeSubject reads the subject claims off a parsed token and runs
// the registered validator. checkMode additionally requires the token
// to be an access token.
func (c *Client) decodeSubject(parsed jwt.Token, checkMode bool) (*Subject, error) {
	if parsed.Subject() == "" {
		return nil, ErrInvalidAccessToken
	}

	if checkMode {
		mode, _ := parsed.Get("mode")
		if mode != "access" {
			return nil, fmt.Errorf("%w: not an access token", ErrInvalidAccessToken)
		}
	}

	rawType, _ := parsed.Get("type")
	typeName, ok := rawType.(string)
	if !ok || typeName == "" {
		return nil, fmt.Errorf("%w: missing subject type", ErrInvalidAccessToken)
	}
	properties, _ := parsed.Get("properties")

	validator, ok := c.subjects[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: no schema for type %q", ErrInvalidSubject, typeName)
	}
	validated, err := validator(properties)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubject, err)
	}

	return &Subject{
		ID:         parsed.Subject(),
		Type:       typeName,
		Properties: validated,
	}, nil
}
