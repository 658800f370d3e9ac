// Package keys manages the signing keys behind issued tokens. Keys are
// generated lazily, persisted through the storage adapter so every node
// of a deployment signs and verifies with the same material, and cached
// in memory with a periodic refresh so the hot path never touches
// storage.
package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/sirupsen/logrus"

	"github.com/attanik/gatehouse/internal/clock"
	"github.com/attanik/gatehouse/internal/storage"
)

const (
	// SigningAlgorithm is the algorithm for all newly generated keys.
	SigningAlgorithm = jwa.ES256

	defaultRefreshInterval = 1 * time.Hour
)

// ErrUnknownKeyID is returned when a token names a kid no stored key has.
var ErrUnknownKeyID = errors.New("keys: unknown key id")

// keyScanPrefix is two segments so every adapter can enumerate it,
// including Dynamo, whose scans are partition-keyed on the first two
// segments.
var keyScanPrefix = []string{"oauth:key", "record"}

func keyRecordKey(id string) []string {
	return []string{"oauth:key", "record", id}
}

// record is the persisted form of a signing key.
type record struct {
	ID      string          `json:"id"`
	Alg     string          `json:"alg"`
	Private json.RawMessage `json:"private"`
	Public  json.RawMessage `json:"public"`
	Created int64           `json:"created"`
}

// signingKey is the in-memory form, with parsed JWKs.
type signingKey struct {
	id      string
	alg     jwa.SignatureAlgorithm
	private jwk.Key
	public  jwk.Key
	created time.Time
}

// Manager loads, creates and caches signing keys. The newest key signs;
// all stored keys verify and are published in the JWKS document.
type Manager struct {
	store  storage.Adapter
	clock  clock.Clock
	log    *logrus.Entry
	ticker clock.Ticker

	refreshInterval time.Duration

	mu     sync.RWMutex
	active *signingKey
	byID   map[string]*signingKey
	keySet jwk.Set
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerClock injects a clock for tests.
func WithManagerClock(c clock.Clock) ManagerOption {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithRefreshInterval overrides how often the cache is reloaded from
// storage.
func WithRefreshInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.refreshInterval = d
	}
}

// NewManager creates a key manager backed by the given storage adapter.
// Call Start before use.
func NewManager(store storage.Adapter, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:           store,
		clock:           clock.NewSystemClock(),
		log:             logrus.WithField("component", "keys"),
		refreshInterval: defaultRefreshInterval,
		byID:            make(map[string]*signingKey),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start loads existing keys, generating the first one if storage holds
// none, and begins the periodic cache refresh.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.refresh(ctx); err != nil {
		return fmt.Errorf("failed to load signing keys: %w", err)
	}

	if sc, ok := m.clock.(*clock.SystemClock); ok {
		m.ticker = sc.Ticker(m.refreshInterval)
		m.ticker.Start(func() {
			if err := m.refresh(context.Background()); err != nil {
				m.log.WithError(err).Warn("signing key cache refresh failed")
			}
		})
	}
	return nil
}

// Stop halts the background refresh.
func (m *Manager) Stop() {
	if m.ticker != nil {
		m.ticker.Stop()
	}
}

// refresh reloads all keys from storage, creating one if none exist,
// and swaps the cache.
func (m *Manager) refresh(ctx context.Context) error {
	entries, err := m.store.Scan(ctx, keyScanPrefix)
	if err != nil {
		return fmt.Errorf("failed to scan keys: %w", err)
	}

	if len(entries) == 0 {
		if _, err := m.generate(ctx); err != nil {
			return err
		}
		entries, err = m.store.Scan(ctx, keyScanPrefix)
		if err != nil {
			return fmt.Errorf("failed to scan keys: %w", err)
		}
	}

	byID := make(map[string]*signingKey, len(entries))
	keySet := jwk.NewSet()
	var active *signingKey

	for _, entry := range entries {
		var rec record
		if err := json.Unmarshal(entry.Value, &rec); err != nil {
			return fmt.Errorf("failed to decode key record: %w", err)
		}

		key, err := parseRecord(&rec)
		if err != nil {
			return fmt.Errorf("failed to parse key %s: %w", rec.ID, err)
		}

		byID[key.id] = key
		if err := keySet.AddKey(key.public); err != nil {
			return fmt.Errorf("failed to add key %s to set: %w", key.id, err)
		}
		if active == nil || key.created.After(active.created) {
			active = key
		}
	}

	m.mu.Lock()
	m.active = active
	m.byID = byID
	m.keySet = keySet
	m.mu.Unlock()

	return nil
}

// generate creates a fresh key pair and persists it.
func (m *Manager) generate(ctx context.Context) (*record, error) {
	raw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	id := uuid.NewString()

	private, err := jwk.FromRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to build private jwk: %w", err)
	}
	public, err := jwk.FromRaw(raw.Public())
	if err != nil {
		return nil, fmt.Errorf("failed to build public jwk: %w", err)
	}
	for _, k := range []jwk.Key{private, public} {
		if err := k.Set(jwk.KeyIDKey, id); err != nil {
			return nil, err
		}
		if err := k.Set(jwk.AlgorithmKey, SigningAlgorithm); err != nil {
			return nil, err
		}
		if err := k.Set(jwk.KeyUsageKey, "sig"); err != nil {
			return nil, err
		}
	}

	privateJSON, err := json.Marshal(private)
	if err != nil {
		return nil, err
	}
	publicJSON, err := json.Marshal(public)
	if err != nil {
		return nil, err
	}

	rec := &record{
		ID:      id,
		Alg:     SigningAlgorithm.String(),
		Private: privateJSON,
		Public:  publicJSON,
		Created: m.clock.Now().Unix(),
	}
	if err := storage.SetJSON(ctx, m.store, keyRecordKey(id), rec, 0); err != nil {
		return nil, fmt.Errorf("failed to persist key: %w", err)
	}

	m.log.WithField("kid", id).Info("generated new signing key")
	return rec, nil
}

func parseRecord(rec *record) (*signingKey, error) {
	private, err := jwk.ParseKey(rec.Private)
	if err != nil {
		return nil, err
	}
	public, err := jwk.ParseKey(rec.Public)
	if err != nil {
		return nil, err
	}
	return &signingKey{
		id:      rec.ID,
		alg:     jwa.SignatureAlgorithm(rec.Alg),
		private: private,
		public:  public,
		created: time.Unix(rec.Created, 0),
	}, nil
}

// Sign serializes and signs token with the newest key, setting the kid
// header so verifiers can resolve it.
func (m *Manager) Sign(_ context.Context, token jwt.Token) ([]byte, error) {
	m.mu.RLock()
	key := m.active
	m.mu.RUnlock()

	if key == nil {
		return nil, errors.New("keys: no signing key available")
	}

	headers := jws.NewHeaders()
	if err := headers.Set(jws.KeyIDKey, key.id); err != nil {
		return nil, fmt.Errorf("failed to set key id header: %w", err)
	}

	signed, err := jwt.Sign(token,
		jwt.WithKey(key.alg, key.private, jws.WithProtectedHeaders(headers)))
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a signed token against the stored public
// keys. An unknown kid triggers one cache refresh before failing, so a
// key generated by another node is picked up without waiting for the
// periodic reload.
func (m *Manager) Verify(ctx context.Context, raw []byte) (jwt.Token, error) {
	token, err := m.verifyCached(raw)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, ErrUnknownKeyID) {
		return nil, err
	}

	if err := m.refresh(ctx); err != nil {
		return nil, fmt.Errorf("failed to refresh keys: %w", err)
	}
	return m.verifyCached(raw)
}

func (m *Manager) verifyCached(raw []byte) (jwt.Token, error) {
	msg, err := jws.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	var kid string
	for _, sig := range msg.Signatures() {
		kid = sig.ProtectedHeaders().KeyID()
	}

	m.mu.RLock()
	key, ok := m.byID[kid]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKeyID, kid)
	}

	token, err := jwt.Parse(raw,
		jwt.WithKey(key.alg, key.public),
		jwt.WithClock(jwt.ClockFunc(m.clock.Now)),
		jwt.WithValidate(true))
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	return token, nil
}

// JWKS returns the public key set for the discovery endpoint.
func (m *Manager) JWKS() jwk.Set {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keySet
}
