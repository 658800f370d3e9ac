package config

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/attanik/gatehouse/internal/fs"
	"github.com/attanik/gatehouse/internal/keys"
	"github.com/attanik/gatehouse/internal/oauth"
	"github.com/attanik/gatehouse/internal/provider"
	"github.com/attanik/gatehouse/internal/server"
	"github.com/attanik/gatehouse/internal/storage"
	"github.com/attanik/gatehouse/internal/subject"
	"github.com/attanik/gatehouse/internal/token"
)

const defaultSubjectType = "account"

// Provider constructs the application components from configuration.
// Components are built lazily and cached, so shared dependencies are
// only constructed once.
type Provider struct {
	config *Config

	store      storage.Adapter
	keyManager *keys.Manager
	tokens     *token.Service
	subjects   *subject.Registry
	providers  *provider.Registry
	issuer     *oauth.Issuer
}

// NewProvider creates a provider from configuration.
func NewProvider(config *Config) *Provider {
	return &Provider{config: config}
}

// ConfigureLogging applies the log section to the global logger.
func (p *Provider) ConfigureLogging() error {
	level := p.config.Log.Level
	if level == "" {
		level = "info"
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logrus.SetLevel(parsed)

	switch p.config.Log.Format {
	case "", "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{})
	default:
		return fmt.Errorf("invalid log format %q", p.config.Log.Format)
	}
	return nil
}

// Storage returns the configured storage adapter.
func (p *Provider) Storage(ctx context.Context) (storage.Adapter, error) {
	if p.store != nil {
		return p.store, nil
	}

	cfg := p.config.Storage
	var (
		store storage.Adapter
		err   error
	)
	switch cfg.Type {
	case "", "memory":
		store = storage.NewMemory()
	case "sqlite":
		if cfg.Path == "" {
			return nil, errors.New("storage.path is required for sqlite")
		}
		store, err = storage.NewSQLite(cfg.Path)
	case "file":
		store, err = storage.NewDriverStore(fs.NewOSFileSystem(), cfg.Dir)
	case "redis":
		store, err = storage.NewRedis(ctx, storage.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
	case "dynamo":
		store, err = storage.NewDynamo(ctx, storage.DynamoConfig{
			Table:  cfg.Dynamo.Table,
			Region: cfg.Dynamo.Region,
		})
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s storage: %w", cfg.Type, err)
	}

	p.store = store
	return store, nil
}

// Keys returns the started key manager.
func (p *Provider) Keys(ctx context.Context) (*keys.Manager, error) {
	if p.keyManager != nil {
		return p.keyManager, nil
	}

	store, err := p.Storage(ctx)
	if err != nil {
		return nil, err
	}

	km := keys.NewManager(store)
	if err := km.Start(ctx); err != nil {
		return nil, err
	}
	p.keyManager = km
	return km, nil
}

// Subjects returns the subject registry. The configured subject type
// accepts any claim map; its ID derives from the claims.
func (p *Provider) Subjects() *subject.Registry {
	if p.subjects != nil {
		return p.subjects
	}

	subjectType := p.config.SubjectType
	if subjectType == "" {
		subjectType = defaultSubjectType
	}
	p.subjects = subject.NewRegistry(subject.Schemas{
		subjectType: func(properties any) (any, error) {
			m, ok := properties.(map[string]any)
			if !ok || len(m) == 0 {
				return nil, errors.New("expected a non-empty claims object")
			}
			return m, nil
		},
	})
	return p.subjects
}

// Tokens returns the token service.
func (p *Provider) Tokens(ctx context.Context) (*token.Service, error) {
	if p.tokens != nil {
		return p.tokens, nil
	}

	store, err := p.Storage(ctx)
	if err != nil {
		return nil, err
	}
	km, err := p.Keys(ctx)
	if err != nil {
		return nil, err
	}

	access, err := parseDuration(p.config.TTL.Access, 0)
	if err != nil {
		return nil, fmt.Errorf("invalid ttl.access: %w", err)
	}
	refresh, err := parseDuration(p.config.TTL.Refresh, 0)
	if err != nil {
		return nil, fmt.Errorf("invalid ttl.refresh: %w", err)
	}
	reuse, err := parseDuration(p.config.TTL.Reuse, token.DefaultReuseInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid ttl.reuse: %w", err)
	}
	retention, err := parseDuration(p.config.TTL.Retention, 0)
	if err != nil {
		return nil, fmt.Errorf("invalid ttl.retention: %w", err)
	}

	p.tokens = token.NewService(token.ServiceConfig{
		Issuer:        p.issuerURL(),
		Keys:          km,
		Store:         store,
		Subjects:      p.Subjects(),
		AccessTTL:     access,
		RefreshTTL:    refresh,
		ReuseInterval: reuse,
		Retention:     retention,
	})
	return p.tokens, nil
}

// Providers returns the configured provider registry.
func (p *Provider) Providers() (*provider.Registry, error) {
	if p.providers != nil {
		return p.providers, nil
	}

	providers := make(map[string]provider.Provider, len(p.config.Providers))
	for _, cfg := range p.config.Providers {
		built, err := buildProvider(cfg)
		if err != nil {
			return nil, err
		}
		name := cfg.Name
		if name == "" {
			name = cfg.Type
		}
		if _, exists := providers[name]; exists {
			return nil, fmt.Errorf("duplicate provider name %q", name)
		}
		providers[name] = built
	}

	p.providers = provider.NewRegistry(providers)
	return p.providers, nil
}

func buildProvider(cfg ProviderConfig) (provider.Provider, error) {
	switch cfg.Type {
	case "dummy":
		return &provider.Dummy{Claims: cfg.Claims}, nil

	case "password":
		return provider.NewPassword(provider.PasswordConfig{
			Length: cfg.Length,
			Send:   logCode,
		}), nil

	case "code":
		return provider.NewCode(provider.CodeConfig{
			Length: cfg.Length,
			Send: func(ctx context.Context, claims map[string]string, code string) error {
				return logCode(ctx, claims["email"], code)
			},
		}), nil

	case "link":
		return provider.NewLink(provider.LinkConfig{
			Send: func(ctx context.Context, claims map[string]string, link string) error {
				return logCode(ctx, claims["email"], link)
			},
		}), nil

	case "oauth2":
		if cfg.AuthURL == "" || cfg.TokenURL == "" {
			return nil, errors.New("oauth2 provider requires auth_url and token_url")
		}
		return provider.NewOAuth2(provider.OAuth2Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
			Scopes: cfg.Scopes,
			Query:  cfg.Query,
			PKCE:   cfg.PKCE,
		}), nil

	case "oidc":
		if cfg.Issuer == "" {
			return nil, errors.New("oidc provider requires issuer")
		}
		return provider.NewOIDC(provider.OIDCConfig{
			Issuer:       cfg.Issuer,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			Query:        cfg.Query,
			ResponseType: cfg.ResponseType,
		}), nil

	case "siwe":
		if cfg.Domain == "" {
			return nil, errors.New("siwe provider requires domain")
		}
		return provider.NewSIWE(provider.SIWEConfig{
			Domain: cfg.Domain,
			URI:    cfg.URI,
		}), nil

	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// logCode stands in for a mail integration: delivery targets are wired
// in code by deployments that embed the issuer as a library.
func logCode(_ context.Context, recipient, code string) error {
	logrus.WithFields(logrus.Fields{"to": recipient, "code": code}).Info("verification code issued")
	return nil
}

// Issuer returns the configured issuer.
func (p *Provider) Issuer(ctx context.Context) (*oauth.Issuer, error) {
	if p.issuer != nil {
		return p.issuer, nil
	}

	store, err := p.Storage(ctx)
	if err != nil {
		return nil, err
	}
	km, err := p.Keys(ctx)
	if err != nil {
		return nil, err
	}
	tokens, err := p.Tokens(ctx)
	if err != nil {
		return nil, err
	}
	providers, err := p.Providers()
	if err != nil {
		return nil, err
	}

	codeTTL, err := parseDuration(p.config.Issuer.CodeTTL, 0)
	if err != nil {
		return nil, fmt.Errorf("invalid issuer.code_ttl: %w", err)
	}

	subjectType := p.config.SubjectType
	if subjectType == "" {
		subjectType = defaultSubjectType
	}

	issuer, err := oauth.New(oauth.Config{
		Issuer:    p.config.Issuer.URL,
		BasePath:  p.config.Issuer.BasePath,
		Store:     store,
		Tokens:    tokens,
		Keys:      km,
		Subjects:  p.Subjects(),
		Providers: providers,
		Success:   claimsSuccess(subjectType),
		Allow:     p.allowFunc(),
		CodeTTL:   codeTTL,
	})
	if err != nil {
		return nil, err
	}
	p.issuer = issuer
	return issuer, nil
}

// claimsSuccess maps any provider result onto the configured subject
// type, using the result's claims as the subject properties.
func claimsSuccess(subjectType string) oauth.SuccessFunc {
	return func(_ context.Context, result provider.Result) (*oauth.SuccessResult, error) {
		properties := make(map[string]any, len(result))
		for name, value := range result {
			switch name {
			case "provider", "tokenset":
			case "claims":
				switch claims := value.(type) {
				case map[string]string:
					for k, v := range claims {
						properties[k] = v
					}
				case map[string]any:
					for k, v := range claims {
						properties[k] = v
					}
				}
			default:
				properties[name] = value
			}
		}
		if len(properties) == 0 {
			return nil, errors.New("provider result carried no claims")
		}
		return &oauth.SuccessResult{Type: subjectType, Properties: properties}, nil
	}
}

// allowFunc builds the redirect guard from the clients section. An
// empty section falls back to the loopback-only default.
func (p *Provider) allowFunc() oauth.AllowFunc {
	if len(p.config.Clients) == 0 {
		return nil
	}

	clients := p.config.Clients
	return func(_ context.Context, clientID, redirectURI string) bool {
		for _, client := range clients {
			if client.ClientID != "*" && client.ClientID != clientID {
				continue
			}
			for _, prefix := range client.RedirectPrefixes {
				if strings.HasPrefix(redirectURI, prefix) {
					return true
				}
			}
		}
		return false
	}
}

// Handler builds the complete HTTP handler.
func (p *Provider) Handler(ctx context.Context) (http.Handler, error) {
	issuer, err := p.Issuer(ctx)
	if err != nil {
		return nil, err
	}
	return issuer.Handler()
}

// ServerConfig returns the network settings for the HTTP server.
func (p *Provider) ServerConfig() (server.Config, error) {
	readTimeout, err := parseDuration(p.config.Server.ReadTimeout, 30*time.Second)
	if err != nil {
		return server.Config{}, fmt.Errorf("invalid server.read_timeout: %w", err)
	}
	writeTimeout, err := parseDuration(p.config.Server.WriteTimeout, 30*time.Second)
	if err != nil {
		return server.Config{}, fmt.Errorf("invalid server.write_timeout: %w", err)
	}

	addr := p.config.Server.Addr
	if addr == "" {
		addr = ":8080"
	}
	return server.Config{
		Addr:         addr,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}, nil
}

// issuerURL is the external URL including the base path, used as the
// iss claim.
func (p *Provider) issuerURL() string {
	base := strings.TrimSuffix(p.config.Issuer.URL, "/")
	if p.config.Issuer.BasePath != "" {
		base += "/" + strings.Trim(p.config.Issuer.BasePath, "/")
	}
	return base
}

// parseDuration parses a duration string, returning fallback for the
// empty string.
func parseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	return time.ParseDuration(value)
}
