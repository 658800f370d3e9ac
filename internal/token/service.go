// Package token mints and verifies the issuer's tokens. Access tokens
// are short-lived signed JWTs; refresh tokens are opaque strings backed
// by storage records that form a rotation chain with reuse detection.
package token

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/sirupsen/logrus"

	"github.com/attanik/gatehouse/internal/clock"
	"github.com/attanik/gatehouse/internal/keys"
	"github.com/attanik/gatehouse/internal/storage"
	"github.com/attanik/gatehouse/internal/subject"
)

const (
	// DefaultAccessTTL keeps access tokens short so revocation latency
	// stays bounded by this window.
	DefaultAccessTTL = 30 * time.Second

	// DefaultRefreshTTL bounds how long a session can stay idle.
	DefaultRefreshTTL = 30 * 24 * time.Hour

	// DefaultReuseInterval is how long a consumed refresh token replays
	// its successor instead of tripping reuse detection.
	DefaultReuseInterval = 60 * time.Second

	modeAccess = "access"
)

// Sentinel errors callers branch on. The HTTP layer maps these to OAuth
// error codes.
var (
	ErrInvalidAccessToken  = errors.New("invalid access token")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrInvalidSubject      = errors.New("invalid subject")
)

// Pair is the result of any grant: an access token plus the refresh
// token that succeeds it.
type Pair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// refreshRecord is the stored state behind one opaque refresh token.
// NextRefresh and NextAccess are set when the token is consumed, turning
// the record into a chain link that supports idempotent replay and
// reuse detection.
type refreshRecord struct {
	Type       string   `json:"type"`
	Properties any      `json:"properties"`
	ClientID   string   `json:"clientID"`
	Secret     string   `json:"secret"`
	Scopes     []string `json:"scopes,omitempty"`

	NextRefresh string `json:"nextToken,omitempty"`
	NextAccess  string `json:"nextAccess,omitempty"`
	TimeUsed    int64  `json:"timeUsed,omitempty"`
}

// ServiceConfig configures a token Service.
type ServiceConfig struct {
	// Issuer is the issuer URL, emitted as the iss claim.
	Issuer string

	Keys     *keys.Manager
	Store    storage.Adapter
	Subjects *subject.Registry

	// Clock overrides the time source; used in tests. Optional.
	Clock clock.Clock

	// AccessTTL and RefreshTTL default when zero.
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// ReuseInterval is the replay window after a refresh token is
	// consumed. Retention is how much longer the consumed record lingers
	// for reuse detection. Both zero disables rotation bookkeeping:
	// consumed tokens are deleted outright.
	ReuseInterval time.Duration
	Retention     time.Duration
}

// Service mints and verifies tokens.
type Service struct {
	issuer   string
	keys     *keys.Manager
	store    storage.Adapter
	subjects *subject.Registry
	clock    clock.Clock
	log      *logrus.Entry

	accessTTL     time.Duration
	refreshTTL    time.Duration
	reuseInterval time.Duration
	retention     time.Duration
}

// NewService creates a token service.
func NewService(cfg ServiceConfig) *Service {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}

	accessTTL := cfg.AccessTTL
	if accessTTL == 0 {
		accessTTL = DefaultAccessTTL
	}
	refreshTTL := cfg.RefreshTTL
	if refreshTTL == 0 {
		refreshTTL = DefaultRefreshTTL
	}

	return &Service{
		issuer:        cfg.Issuer,
		keys:          cfg.Keys,
		store:         cfg.Store,
		subjects:      cfg.Subjects,
		clock:         clk,
		log:           logrus.WithField("component", "token"),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		reuseInterval: cfg.ReuseInterval,
		retention:     cfg.Retention,
	}
}

// AccessTTL exposes the configured access-token lifetime.
func (s *Service) AccessTTL() time.Duration {
	return s.accessTTL
}

// MintAccess signs an access token for sub, audience-bound to clientID.
// Scopes are embedded only when the flow carried a scope restriction.
func (s *Service) MintAccess(ctx context.Context, clientID string, sub *subject.Subject, scopes []string) (string, error) {
	now := s.clock.Now()

	t := jwt.New()
	claims := map[string]any{
		jwt.IssuerKey:     s.issuer,
		jwt.SubjectKey:    sub.ID,
		jwt.AudienceKey:   []string{clientID},
		jwt.IssuedAtKey:   now.Unix(),
		jwt.ExpirationKey: now.Add(s.accessTTL).Unix(),
		"mode":            modeAccess,
		"type":            sub.Type,
		"properties":      sub.Properties,
	}
	if scopes != nil {
		claims["scopes"] = scopes
	}
	for name, value := range claims {
		if err := t.Set(name, value); err != nil {
			return "", fmt.Errorf("failed to set %s claim: %w", name, err)
		}
	}

	signed, err := s.keys.Sign(ctx, t)
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

// Mint produces a fresh access+refresh pair for sub.
func (s *Service) Mint(ctx context.Context, clientID string, sub *subject.Subject, scopes []string) (*Pair, error) {
	access, err := s.MintAccess(ctx, clientID, sub, scopes)
	if err != nil {
		return nil, err
	}

	refresh, err := s.mintRefresh(ctx, clientID, sub, scopes)
	if err != nil {
		return nil, err
	}

	return &Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(s.accessTTL.Seconds()),
	}, nil
}

// mintRefresh creates the opaque token and its storage record.
func (s *Service) mintRefresh(ctx context.Context, clientID string, sub *subject.Subject, scopes []string) (string, error) {
	refreshID := uuid.NewString()
	secret, err := randomSecret()
	if err != nil {
		return "", err
	}

	rec := refreshRecord{
		Type:       sub.Type,
		Properties: sub.Properties,
		ClientID:   clientID,
		Secret:     secret,
		Scopes:     scopes,
	}
	key := []string{"oauth:refresh", sub.ID, refreshID}
	if err := storage.SetJSON(ctx, s.store, key, rec, s.refreshTTL); err != nil {
		return "", fmt.Errorf("failed to persist refresh token: %w", err)
	}

	return sub.ID + ":" + refreshID + ":" + secret, nil
}

// randomSecret returns a 256-bit URL-safe secret.
func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// parseRefresh splits the opaque token. The subject ID may itself
// contain colons; refreshID and secret never do, so split from the
// right.
func parseRefresh(token string) (subjectID, refreshID, secret string, err error) {
	parts := strings.Split(token, ":")
	if len(parts) < 3 {
		return "", "", "", ErrInvalidRefreshToken
	}
	secret = parts[len(parts)-1]
	refreshID = parts[len(parts)-2]
	subjectID = strings.Join(parts[:len(parts)-2], ":")
	if subjectID == "" || refreshID == "" || secret == "" {
		return "", "", "", ErrInvalidRefreshToken
	}
	return subjectID, refreshID, secret, nil
}

// Consume exchanges a refresh token for a new pair, enforcing rotation.
//
// A consumed token replays its successor within the reuse interval, so a
// client retrying a lost response gets the same pair back. Presented
// after the interval, the whole descendant chain is deleted and the
// session is over.
func (s *Service) Consume(ctx context.Context, token string) (*Pair, error) {
	subjectID, refreshID, secret, err := parseRefresh(token)
	if err != nil {
		return nil, err
	}

	key := []string{"oauth:refresh", subjectID, refreshID}
	var rec refreshRecord
	ok, err := storage.GetJSON(ctx, s.store, key, &rec)
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh token: %w", err)
	}
	if !ok {
		return nil, ErrInvalidRefreshToken
	}

	if subtle.ConstantTimeCompare([]byte(secret), []byte(rec.Secret)) != 1 {
		return nil, ErrInvalidRefreshToken
	}

	now := s.clock.Now()

	if rec.NextRefresh != "" && rec.TimeUsed != 0 {
		if now.Sub(time.Unix(rec.TimeUsed, 0)) <= s.reuseInterval {
			return &Pair{
				AccessToken:  rec.NextAccess,
				RefreshToken: rec.NextRefresh,
				ExpiresIn:    int(s.accessTTL.Seconds()),
			}, nil
		}

		s.log.WithField("subject", subjectID).Warn("refresh token reuse detected, revoking session")
		if err := s.deleteChain(ctx, key, rec.NextRefresh); err != nil {
			return nil, err
		}
		return nil, ErrInvalidRefreshToken
	}

	sub, err := s.subjects.Validate(rec.Type, subjectID, rec.Properties)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubject, err)
	}

	pair, err := s.Mint(ctx, rec.ClientID, sub, rec.Scopes)
	if err != nil {
		return nil, err
	}

	linger := s.reuseInterval + s.retention
	if linger == 0 {
		if err := s.store.Remove(ctx, key); err != nil {
			return nil, fmt.Errorf("failed to delete refresh token: %w", err)
		}
		return pair, nil
	}

	rec.NextRefresh = pair.RefreshToken
	rec.NextAccess = pair.AccessToken
	rec.TimeUsed = now.Unix()
	if err := storage.SetJSON(ctx, s.store, key, rec, linger); err != nil {
		return nil, fmt.Errorf("failed to mark refresh token consumed: %w", err)
	}
	return pair, nil
}

// deleteChain removes the reused record and every descendant reachable
// through the nextToken links.
func (s *Service) deleteChain(ctx context.Context, key []string, next string) error {
	if err := s.store.Remove(ctx, key); err != nil {
		return fmt.Errorf("failed to delete refresh chain: %w", err)
	}

	for next != "" {
		subjectID, refreshID, _, err := parseRefresh(next)
		if err != nil {
			return nil
		}
		nextKey := []string{"oauth:refresh", subjectID, refreshID}

		var rec refreshRecord
		ok, err := storage.GetJSON(ctx, s.store, nextKey, &rec)
		if err != nil {
			return fmt.Errorf("failed to walk refresh chain: %w", err)
		}
		if err := s.store.Remove(ctx, nextKey); err != nil {
			return fmt.Errorf("failed to delete refresh chain: %w", err)
		}
		if !ok {
			return nil
		}
		next = rec.NextRefresh
	}
	return nil
}

// Invalidate drops every refresh token for a subject, ending all of its
// sessions. In-flight access tokens remain valid until they expire.
func (s *Service) Invalidate(ctx context.Context, subjectID string) error {
	entries, err := s.store.Scan(ctx, []string{"oauth:refresh", subjectID})
	if err != nil {
		return fmt.Errorf("failed to scan refresh tokens: %w", err)
	}
	for _, entry := range entries {
		if err := s.store.Remove(ctx, entry.Key); err != nil {
			return fmt.Errorf("failed to remove refresh token: %w", err)
		}
	}
	return nil
}

// Verify checks a presented access token: signature, issuer, audience
// (when expectedAud is non-empty), expiry, mode, and finally the subject
// schema. It returns the validated subject.
func (s *Service) Verify(ctx context.Context, raw string, expectedAud string) (*subject.Subject, error) {
	t, err := s.keys.Verify(ctx, []byte(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccessToken, err)
	}

	if t.Issuer() != s.issuer {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrInvalidAccessToken)
	}
	if expectedAud != "" {
		if !containsAudience(t.Audience(), expectedAud) {
			return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidAccessToken)
		}
	}

	mode, _ := t.Get("mode")
	if mode != modeAccess {
		return nil, fmt.Errorf("%w: not an access token", ErrInvalidAccessToken)
	}

	subjectType, _ := t.Get("type")
	typeName, ok := subjectType.(string)
	if !ok || typeName == "" {
		return nil, fmt.Errorf("%w: missing subject type", ErrInvalidAccessToken)
	}
	properties, _ := t.Get("properties")

	sub, err := s.subjects.Validate(typeName, t.Subject(), properties)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubject, err)
	}
	return sub, nil
}

func containsAudience(aud []string, expected string) bool {
	for _, a := range aud {
		if a == expected {
			return true
		}
	}
	return false
}
