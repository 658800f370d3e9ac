package keys

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attanik/gatehouse/internal/clock"
	"github.com/attanik/gatehouse/internal/storage"
)

func newTestManager(t *testing.T, store storage.Adapter, clk clock.Clock) *Manager {
	t.Helper()
	m := NewManager(store, WithManagerClock(clk))
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m
}

func buildToken(t *testing.T, clk clock.Clock, ttl time.Duration) jwt.Token {
	t.Helper()
	now := clk.Now()
	token, err := jwt.NewBuilder().
		Issuer("https://auth.example.com").
		Subject("user-1").
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		Build()
	require.NoError(t, err)
	return token
}

func TestManager_GeneratesKeyOnFirstStart(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	newTestManager(t, store, clock.NewFixtureClock(time.Now()))

	entries, err := store.Scan(ctx, keyScanPrefix)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestManager_SignVerifyRoundTrip(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFixtureClock(time.Now())
	m := newTestManager(t, storage.NewMemory(), clk)

	signed, err := m.Sign(ctx, buildToken(t, clk, time.Hour))
	require.NoError(t, err)

	verified, err := m.Verify(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, "user-1", verified.Subject())
}

func TestManager_VerifyRejectsExpiredToken(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFixtureClock(time.Now())
	m := newTestManager(t, storage.NewMemory(), clk)

	signed, err := m.Sign(ctx, buildToken(t, clk, time.Minute))
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)

	_, err = m.Verify(ctx, signed)
	assert.Error(t, err)
}

func TestManager_VerifyRejectsTamperedToken(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFixtureClock(time.Now())
	m := newTestManager(t, storage.NewMemory(), clk)

	signed, err := m.Sign(ctx, buildToken(t, clk, time.Hour))
	require.NoError(t, err)

	tampered := append([]byte(nil), signed...)
	tampered[len(tampered)-1] ^= 0x01

	_, err = m.Verify(ctx, tampered)
	assert.Error(t, err)
}

func TestManager_UnknownKidTriggersRefresh(t *testing.T) {
	// Two managers sharing a store model two nodes of one deployment.
	// A token signed after the first node cached its keys must still
	// verify there once the signer's key lands in shared storage.
	ctx := context.Background()
	store := storage.NewMemory()
	clk := clock.NewFixtureClock(time.Now())

	verifier := newTestManager(t, store, clk)

	// Remove the verifier's key so the signer generates a different one.
	entries, err := store.Scan(ctx, keyScanPrefix)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, store.Remove(ctx, entries[0].Key))

	signer := newTestManager(t, store, clk)
	signed, err := signer.Sign(ctx, buildToken(t, clk, time.Hour))
	require.NoError(t, err)

	verified, err := verifier.Verify(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, "user-1", verified.Subject())
}

func TestManager_NewestKeySigns(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	clk := clock.NewFixtureClock(time.Now())

	m := newTestManager(t, store, clk)

	clk.Advance(time.Hour)
	rec, err := m.generate(ctx)
	require.NoError(t, err)
	require.NoError(t, m.refresh(ctx))

	signed, err := m.Sign(ctx, buildToken(t, clk, time.Hour))
	require.NoError(t, err)

	// the signature header must carry the newer kid
	token, err := m.Verify(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, "user-1", token.Subject())

	m.mu.RLock()
	activeID := m.active.id
	m.mu.RUnlock()
	assert.Equal(t, rec.ID, activeID)
}

// fakeDynamoClient implements storage.DynamoClient over a map so the
// manager can be exercised against the partition-keyed adapter without
// a real table.
type fakeDynamoClient struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newFakeDynamoClient() *fakeDynamoClient {
	return &fakeDynamoClient{items: make(map[string]map[string]types.AttributeValue)}
}

func attrS(av types.AttributeValue) string {
	s, ok := av.(*types.AttributeValueMemberS)
	if !ok {
		return ""
	}
	return s.Value
}

func itemID(attrs map[string]types.AttributeValue) string {
	return attrS(attrs["pk"]) + "\x00" + attrS(attrs["sk"])
}

func (c *fakeDynamoClient) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: c.items[itemID(in.Key)]}, nil
}

func (c *fakeDynamoClient) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[itemID(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (c *fakeDynamoClient) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, itemID(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (c *fakeDynamoClient) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pk := attrS(in.ExpressionAttributeValues[":pk"])
	skPrefix := ""
	if sk, ok := in.ExpressionAttributeValues[":sk"]; ok {
		skPrefix = attrS(sk)
	}

	out := &dynamodb.QueryOutput{}
	for _, item := range c.items {
		if attrS(item["pk"]) != pk {
			continue
		}
		if skPrefix != "" && !strings.HasPrefix(attrS(item["sk"]), skPrefix) {
			continue
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

func TestManager_StartOnDynamoBackend(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewDynamo(ctx, storage.DynamoConfig{
		Table:  "gatehouse",
		Client: newFakeDynamoClient(),
	})
	require.NoError(t, err)

	clk := clock.NewFixtureClock(time.Now())
	m := newTestManager(t, store, clk)

	signed, err := m.Sign(ctx, buildToken(t, clk, time.Hour))
	require.NoError(t, err)
	verified, err := m.Verify(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, "user-1", verified.Subject())

	// the generated key landed under the partition-scannable prefix
	entries, err := store.Scan(ctx, keyScanPrefix)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestManager_JWKSContainsAllKeys(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	clk := clock.NewFixtureClock(time.Now())

	m := newTestManager(t, store, clk)
	_, err := m.generate(ctx)
	require.NoError(t, err)
	require.NoError(t, m.refresh(ctx))

	set := m.JWKS()
	assert.Equal(t, 2, set.Len())

	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		require.True(t, ok)
		assert.NotEmpty(t, key.KeyID())
		// private material must never appear in the published set
		_, hasD := key.Get("d")
		assert.False(t, hasD)
	}
}
