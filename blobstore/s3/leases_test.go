package s3

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hupe1980/ummapio/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDDBClient is an in-memory DynamoDB mock for testing.
type mockDDBClient struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
	puts  int
	// failNext makes the next n writes lose the conditional check.
	failNext int
}

func newMockDDBClient() *mockDDBClient {
	return &mockDDBClient{
		items: make(map[string]map[string]types.AttributeValue),
	}
}

func (m *mockDDBClient) check(key string, cond *string, values map[string]types.AttributeValue) error {
	if m.failNext > 0 {
		m.failNext--
		return &types.ConditionalCheckFailedException{Message: aws.String("injected")}
	}
	if cond == nil {
		return nil
	}
	item, exists := m.items[key]
	switch *cond {
	case "attribute_not_exists(lease_key)":
		if exists {
			return &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
		}
	case "version = :v":
		want := values[":v"].(*types.AttributeValueMemberN).Value
		if !exists || item["version"].(*types.AttributeValueMemberN).Value != want {
			return &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
		}
	}
	return nil
}

func (m *mockDDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := params.Item["lease_key"].(*types.AttributeValueMemberS).Value
	if err := m.check(key, params.ConditionExpression, params.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	m.items[key] = params.Item
	m.puts++
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDDBClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := params.Key["lease_key"].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: m.items[key]}, nil
}

func (m *mockDDBClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := params.Key["lease_key"].(*types.AttributeValueMemberS).Value
	if err := m.check(key, params.ConditionExpression, params.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	delete(m.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (m *mockDDBClient) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func TestLeaseStore_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	store := NewLeaseStore(ddb, "ummapio-leases")

	w, err := store.Acquire(ctx, "vol", blobstore.Lease{Off: 0, Size: 4096, Write: true})
	require.NoError(t, err)
	assert.NotEmpty(t, w.ID)

	_, err = store.Acquire(ctx, "vol", blobstore.Lease{Off: 100, Size: 10})
	require.ErrorIs(t, err, blobstore.ErrLeaseConflict)

	r, err := store.Acquire(ctx, "vol", blobstore.Lease{Off: 4096, Size: 4096})
	require.NoError(t, err)

	held, err := store.Held(ctx, "vol")
	require.NoError(t, err)
	require.Len(t, held, 2)
	assert.Equal(t, w, held[0])

	require.NoError(t, store.Release(ctx, "vol", w.ID))
	_, err = store.Acquire(ctx, "vol", blobstore.Lease{Off: 100, Size: 10})
	require.NoError(t, err)

	require.NoError(t, store.Release(ctx, "vol", r.ID))
	require.NoError(t, store.Release(ctx, "vol", "unknown"))
	assert.Equal(t, 1, ddb.len())
}

func TestLeaseStore_LastReleaseDeletesItem(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	store := NewLeaseStore(ddb, "ummapio-leases")

	l, err := store.Acquire(ctx, "vol", blobstore.Lease{Off: 0, Size: 10, Write: true})
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, "vol", l.ID))
	assert.Equal(t, 0, ddb.len())

	// Releasing on a missing item is a no-op.
	require.NoError(t, store.Release(ctx, "vol", l.ID))
}

func TestLeaseStore_ExpiredLeasesAreIgnored(t *testing.T) {
	ctx := context.Background()
	store := NewLeaseStore(newMockDDBClient(), "ummapio-leases")
	now := time.Unix(5000, 0)
	store.now = func() time.Time { return now }

	_, err := store.Acquire(ctx, "vol", blobstore.Lease{Off: 0, Size: 10, Write: true, Expires: now.Add(time.Minute)})
	require.NoError(t, err)
	_, err = store.Acquire(ctx, "vol", blobstore.Lease{Off: 0, Size: 10, Write: true})
	require.ErrorIs(t, err, blobstore.ErrLeaseConflict)

	now = now.Add(time.Hour)
	_, err = store.Acquire(ctx, "vol", blobstore.Lease{Off: 0, Size: 10, Write: true})
	require.NoError(t, err)

	held, err := store.Held(ctx, "vol")
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.True(t, held[0].Expires.IsZero())
}

func TestLeaseStore_RetriesLostConditionalWrites(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	store := NewLeaseStore(ddb, "ummapio-leases")

	ddb.failNext = 3
	_, err := store.Acquire(ctx, "vol", blobstore.Lease{Off: 0, Size: 10})
	require.NoError(t, err)

	ddb.failNext = defaultRetries
	_, err = store.Acquire(ctx, "vol", blobstore.Lease{Off: 20, Size: 10})
	require.ErrorIs(t, err, ErrConcurrentModification)
}

func TestLeaseStore_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	store := NewLeaseStore(ddb, "ummapio-leases")

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = store.Acquire(ctx, "vol", blobstore.Lease{Off: int64(i) * 100, Size: 100, Write: true})
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	held, err := store.Held(ctx, "vol")
	require.NoError(t, err)
	assert.Len(t, held, 5)
}
