// Package config holds the file/env/flag configuration surface and
// builds the runtime components from it.
package config

// Config is the root configuration structure for gatehouse.
type Config struct {
	// Server contains network-level settings.
	Server ServerConfig `koanf:"server"`

	// Issuer contains the external identity of this deployment.
	Issuer IssuerConfig `koanf:"issuer"`

	// TTL tunes token lifetimes.
	TTL TTLConfig `koanf:"ttl"`

	// SubjectType names the subject type minted for provider results.
	SubjectType string `koanf:"subject_type" usage:"subject type minted for authenticated users"`

	// Storage selects and configures the storage adapter.
	Storage StorageConfig `koanf:"storage"`

	// Providers are the authentication methods to mount.
	Providers []ProviderConfig `koanf:"providers"`

	// Clients are the relying parties allowed to start flows. Empty
	// means only loopback redirect URIs are accepted.
	Clients []ClientConfig `koanf:"clients"`

	// Log configures logging output.
	Log LogConfig `koanf:"log"`
}

// ServerConfig contains network-level server settings.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `koanf:"addr" usage:"listen address"`

	// ReadTimeout and WriteTimeout are duration strings like "30s".
	ReadTimeout  string `koanf:"read_timeout" usage:"HTTP read timeout"`
	WriteTimeout string `koanf:"write_timeout" usage:"HTTP write timeout"`
}

// IssuerConfig identifies this deployment to clients.
type IssuerConfig struct {
	// URL is the external issuer URL, e.g. "https://auth.example.com".
	URL string `koanf:"url" usage:"external issuer URL"`

	// BasePath is the reverse-proxy prefix the issuer is mounted under.
	BasePath string `koanf:"base_path" usage:"external base path prefix"`

	// CodeTTL is the authorization-code lifetime, e.g. "60s".
	CodeTTL string `koanf:"code_ttl" usage:"authorization code lifetime"`
}

// TTLConfig tunes token lifetimes. All fields are duration strings.
type TTLConfig struct {
	Access  string `koanf:"access" usage:"access token lifetime"`
	Refresh string `koanf:"refresh" usage:"refresh token lifetime"`

	// Reuse is the replay window after a refresh token rotates.
	Reuse string `koanf:"reuse" usage:"refresh token replay window"`

	// Retention is how much longer consumed refresh records linger for
	// reuse detection.
	Retention string `koanf:"retention" usage:"consumed refresh record retention"`
}

// StorageConfig selects the storage adapter.
type StorageConfig struct {
	// Type selects the implementation.
	// Options: "memory", "sqlite", "file", "redis", "dynamo"
	Type string `koanf:"type" usage:"storage backend (memory, sqlite, file, redis, dynamo)"`

	// Path is the database file for the sqlite adapter.
	Path string `koanf:"path" usage:"sqlite database path"`

	// Dir is the data directory for the file adapter.
	Dir string `koanf:"dir" usage:"file storage directory"`

	Redis  RedisConfig  `koanf:"redis"`
	Dynamo DynamoConfig `koanf:"dynamo"`
}

// RedisConfig configures the redis adapter.
type RedisConfig struct {
	Addr     string `koanf:"addr" usage:"redis address"`
	Username string `koanf:"username" usage:"redis username"`
	Password string `koanf:"password" usage:"redis password"`
	DB       int    `koanf:"db" usage:"redis database number"`

	// KeyPrefix namespaces all keys written by this deployment.
	KeyPrefix string `koanf:"key_prefix" usage:"redis key prefix"`
}

// DynamoConfig configures the dynamo adapter.
type DynamoConfig struct {
	Table  string `koanf:"table" usage:"dynamodb table name"`
	Region string `koanf:"region" usage:"aws region"`
}

// ProviderConfig configures one authentication provider.
type ProviderConfig struct {
	// Name is the mount name; defaults to the type.
	Name string `koanf:"name"`

	// Type selects the implementation.
	// Options: "dummy", "password", "code", "link", "oauth2", "oidc", "siwe"
	Type string `koanf:"type"`

	// Claims are returned verbatim by the dummy provider.
	Claims map[string]string `koanf:"claims"`

	// Upstream OAuth2/OIDC fields.
	Issuer       string            `koanf:"issuer"`
	ClientID     string            `koanf:"client_id"`
	ClientSecret string            `koanf:"client_secret"`
	AuthURL      string            `koanf:"auth_url"`
	TokenURL     string            `koanf:"token_url"`
	Scopes       []string          `koanf:"scopes"`
	Query        map[string]string `koanf:"query"`
	PKCE         bool              `koanf:"pkce"`
	ResponseType string            `koanf:"response_type"`

	// Length of generated codes for the password and code providers.
	Length int `koanf:"length"`

	// SIWE fields.
	Domain string `koanf:"domain"`
	URI    string `koanf:"uri"`
}

// ClientConfig allows a relying party's redirect URIs.
type ClientConfig struct {
	// ClientID matches the client_id of incoming flows. "*" matches any.
	ClientID string `koanf:"client_id"`

	// RedirectPrefixes are the URL prefixes this client may redirect to.
	RedirectPrefixes []string `koanf:"redirect_prefixes"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error". Default "info".
	Level string `koanf:"level" usage:"log level"`

	// Format is "json" or "text". Default "json".
	Format string `koanf:"format" usage:"log format (json, text)"`
}
