package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// envPrefix namespaces environment variables, e.g.
// GATEHOUSE_ISSUER__URL maps to issuer.url.
const envPrefix = "GATEHOUSE_"

// Loader merges configuration from a YAML file, environment variables
// and command-line flags. Precedence, lowest to highest: file, env,
// flags.
type Loader struct {
	k *koanf.Koanf
}

// NewLoader loads configuration. path may be empty or point at a
// missing file; both mean file config is skipped. flags may be nil.
func NewLoader(path string, flags *pflag.FlagSet) (*Loader, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
		}
	}

	// a double underscore separates nesting levels so single underscores
	// survive inside key names (base_path, key_prefix)
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment config: %w", err)
	}

	if flags != nil {
		mapping := flagMapping()
		provider := posflag.ProviderWithValue(flags, ".", k, func(key, value string) (string, any) {
			if path, ok := mapping[key]; ok {
				return path, value
			}
			return "", nil
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, fmt.Errorf("failed to load flag config: %w", err)
		}
	}

	return &Loader{k: k}, nil
}

// Get parses the merged configuration into a Config.
func (l *Loader) Get() (*Config, error) {
	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
