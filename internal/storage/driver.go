package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/attanik/gatehouse/internal/clock"
	"github.com/attanik/gatehouse/internal/fs"
)

// DriverStore adapts any fs.FileSystem into an Adapter, whether a local
// directory or a cloud blob store behind the same interface. Each entry
// is one JSON envelope file named by the hash of its joined key; the
// plain key lives inside the envelope so scans can filter by prefix
// after listing.
//
// Listing the whole directory on every Scan is O(entries); this adapter
// is for small deployments where operational simplicity beats scan cost.
type DriverStore struct {
	fs    fs.FileSystem
	dir   string
	clock clock.Clock
}

type driverEnvelope struct {
	Key    []string        `json:"key"`
	Value  json.RawMessage `json:"value"`
	Expiry int64           `json:"expiry,omitempty"` // unix seconds, 0 = none
}

// DriverOption configures a DriverStore.
type DriverOption func(*DriverStore)

// WithDriverClock injects a clock, letting tests control expiry.
func WithDriverClock(c clock.Clock) DriverOption {
	return func(d *DriverStore) {
		d.clock = c
	}
}

// NewDriverStore creates the adapter rooted at dir on the given filesystem.
func NewDriverStore(filesystem fs.FileSystem, dir string, opts ...DriverOption) (*DriverStore, error) {
	if dir == "" {
		return nil, errors.New("storage directory is required")
	}
	if err := filesystem.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	d := &DriverStore{fs: filesystem, dir: dir, clock: clock.NewSystemClock()}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *DriverStore) path(key []string) string {
	sum := sha256.Sum256([]byte(JoinKey(key)))
	return filepath.Join(d.dir, hex.EncodeToString(sum[:])+".json")
}

func (d *DriverStore) expired(env *driverEnvelope) bool {
	return env.Expiry != 0 && d.clock.Now().Unix() >= env.Expiry
}

// Get implements Adapter.
func (d *DriverStore) Get(_ context.Context, key []string) (json.RawMessage, bool, error) {
	data, err := d.fs.ReadFile(d.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read key: %w", err)
	}

	var env driverEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if d.expired(&env) {
		_ = d.fs.Remove(d.path(key))
		return nil, false, nil
	}
	return env.Value, true, nil
}

// Set implements Adapter.
func (d *DriverStore) Set(_ context.Context, key []string, value json.RawMessage, ttl time.Duration) error {
	env := driverEnvelope{Key: SplitKey(JoinKey(key)), Value: value}
	if ttl > 0 {
		env.Expiry = d.clock.Now().Add(ttl).Unix()
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := d.fs.WriteFile(d.path(key), data, 0o600); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	return nil
}

// Remove implements Adapter.
func (d *DriverStore) Remove(_ context.Context, key []string) error {
	if err := d.fs.Remove(d.path(key)); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// Scan implements Adapter.
func (d *DriverStore) Scan(_ context.Context, prefix []string) ([]Entry, error) {
	names, err := d.fs.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list storage directory: %w", err)
	}

	joined := JoinKey(prefix)
	var out []Entry
	for _, name := range names {
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := d.fs.ReadFile(name)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue // deleted between list and read
			}
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}

		var env driverEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue // not one of ours
		}
		if d.expired(&env) {
			_ = d.fs.Remove(name)
			continue
		}

		k := JoinKey(env.Key)
		if k != joined && !strings.HasPrefix(k, joined+Separator) {
			continue
		}
		out = append(out, Entry{Key: env.Key, Value: env.Value})
	}
	return out, nil
}

var _ Adapter = (*DriverStore)(nil)
