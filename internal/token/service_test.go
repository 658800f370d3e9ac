package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attanik/gatehouse/internal/clock"
	"github.com/attanik/gatehouse/internal/keys"
	"github.com/attanik/gatehouse/internal/storage"
	"github.com/attanik/gatehouse/internal/subject"
)

const testIssuer = "https://auth.example.com"

type userProps struct {
	UserID string `json:"userID"`
}

func userSchema(properties any) (any, error) {
	if p, ok := properties.(userProps); ok {
		return p, nil
	}
	m, ok := properties.(map[string]any)
	if !ok {
		return nil, errors.New("expected object")
	}
	id, _ := m["userID"].(string)
	if id == "" {
		return nil, errors.New("userID is required")
	}
	return userProps{UserID: id}, nil
}

type fixture struct {
	service *Service
	store   *storage.Memory
	clock   *clock.FixtureClock
}

func newFixture(t *testing.T, cfg ServiceConfig) *fixture {
	t.Helper()

	clk := clock.NewFixtureClock(time.Now())
	store := storage.NewMemory(storage.WithClock(clk))

	km := keys.NewManager(store, keys.WithManagerClock(clk))
	require.NoError(t, km.Start(context.Background()))
	t.Cleanup(km.Stop)

	cfg.Issuer = testIssuer
	cfg.Keys = km
	cfg.Store = store
	cfg.Subjects = subject.NewRegistry(subject.Schemas{"user": userSchema})
	cfg.Clock = clk

	return &fixture{service: NewService(cfg), store: store, clock: clk}
}

func testSubject(t *testing.T, f *fixture) *subject.Subject {
	t.Helper()
	sub, err := f.service.subjects.Validate("user", "", map[string]any{"userID": "123"})
	require.NoError(t, err)
	return sub
}

func TestService_MintAndVerify(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ServiceConfig{})
	sub := testSubject(t, f)

	pair, err := f.service.Mint(ctx, "client-1", sub, nil)
	require.NoError(t, err)
	assert.Equal(t, 30, pair.ExpiresIn)
	assert.NotEmpty(t, pair.RefreshToken)

	verified, err := f.service.Verify(ctx, pair.AccessToken, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "user", verified.Type)
	assert.Equal(t, sub.ID, verified.ID)
	assert.Equal(t, userProps{UserID: "123"}, verified.Properties)
}

func TestService_VerifyAudience(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ServiceConfig{})
	sub := testSubject(t, f)

	access, err := f.service.MintAccess(ctx, "client-1", sub, nil)
	require.NoError(t, err)

	_, err = f.service.Verify(ctx, access, "other-client")
	assert.ErrorIs(t, err, ErrInvalidAccessToken)

	// empty expected audience accepts any
	_, err = f.service.Verify(ctx, access, "")
	assert.NoError(t, err)
}

func TestService_VerifyExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ServiceConfig{})
	sub := testSubject(t, f)

	access, err := f.service.MintAccess(ctx, "client-1", sub, nil)
	require.NoError(t, err)

	f.clock.Advance(31 * time.Second)

	_, err = f.service.Verify(ctx, access, "client-1")
	assert.ErrorIs(t, err, ErrInvalidAccessToken)
}

func TestService_ConsumeRotates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ServiceConfig{ReuseInterval: time.Minute, Retention: time.Minute})
	sub := testSubject(t, f)

	first, err := f.service.Mint(ctx, "client-1", sub, nil)
	require.NoError(t, err)

	second, err := f.service.Consume(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	_, err = f.service.Verify(ctx, second.AccessToken, "client-1")
	assert.NoError(t, err)
}

func TestService_ConsumeReplayWithinReuseInterval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ServiceConfig{ReuseInterval: time.Minute, Retention: time.Minute})
	sub := testSubject(t, f)

	first, err := f.service.Mint(ctx, "client-1", sub, nil)
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	second, err := f.service.Consume(ctx, first.RefreshToken)
	require.NoError(t, err)

	// a network retry inside the window gets the identical pair back
	f.clock.Advance(30 * time.Second)
	replay, err := f.service.Consume(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, second.RefreshToken, replay.RefreshToken)
	assert.Equal(t, second.AccessToken, replay.AccessToken)
}

func TestService_ConsumeReuseDetection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ServiceConfig{ReuseInterval: time.Minute, Retention: 10 * time.Minute})
	sub := testSubject(t, f)

	first, err := f.service.Mint(ctx, "client-1", sub, nil)
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	second, err := f.service.Consume(ctx, first.RefreshToken)
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	third, err := f.service.Consume(ctx, second.RefreshToken)
	require.NoError(t, err)

	// presenting the first token after the window kills the whole chain
	f.clock.Advance(2 * time.Minute)
	_, err = f.service.Consume(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, err = f.service.Consume(ctx, second.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	_, err = f.service.Consume(ctx, third.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestService_ConsumeWithoutRotationBookkeeping(t *testing.T) {
	// reuse and retention both zero: consumed tokens are simply deleted
	ctx := context.Background()
	f := newFixture(t, ServiceConfig{})
	sub := testSubject(t, f)

	first, err := f.service.Mint(ctx, "client-1", sub, nil)
	require.NoError(t, err)

	_, err = f.service.Consume(ctx, first.RefreshToken)
	require.NoError(t, err)

	_, err = f.service.Consume(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestService_ConsumeRejectsMalformed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ServiceConfig{})

	for _, token := range []string{"", "a", "a:b", "::"} {
		_, err := f.service.Consume(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidRefreshToken, "token %q", token)
	}
}

func TestService_ConsumeRejectsWrongSecret(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ServiceConfig{})
	sub := testSubject(t, f)

	pair, err := f.service.Mint(ctx, "client-1", sub, nil)
	require.NoError(t, err)

	subjectID, refreshID, _, err := parseRefresh(pair.RefreshToken)
	require.NoError(t, err)

	_, err = f.service.Consume(ctx, subjectID+":"+refreshID+":forged-secret")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestService_ConsumePreservesScopes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ServiceConfig{ReuseInterval: time.Minute})
	sub := testSubject(t, f)

	first, err := f.service.Mint(ctx, "client-1", sub, []string{"read"})
	require.NoError(t, err)

	second, err := f.service.Consume(ctx, first.RefreshToken)
	require.NoError(t, err)

	verified, err := f.service.Verify(ctx, second.AccessToken, "client-1")
	require.NoError(t, err)
	assert.Equal(t, sub.ID, verified.ID)
}

func TestService_Invalidate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ServiceConfig{})
	sub := testSubject(t, f)

	first, err := f.service.Mint(ctx, "client-1", sub, nil)
	require.NoError(t, err)
	second, err := f.service.Mint(ctx, "client-2", sub, nil)
	require.NoError(t, err)

	require.NoError(t, f.service.Invalidate(ctx, sub.ID))

	_, err = f.service.Consume(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	_, err = f.service.Consume(ctx, second.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	entries, err := f.store.Scan(ctx, []string{"oauth:refresh", sub.ID})
	require.NoError(t, err)
	assert.Empty(t, entries)
}
