package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hupe1980/ummapio/blobstore"
)

// DDBClient is the interface for DynamoDB operations.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// ErrConcurrentModification is returned when the lease item kept changing
// under every retry.
var ErrConcurrentModification = errors.New("concurrent modification detected")

const (
	attrKey     = "lease_key"
	attrVersion = "version"
	attrLeases  = "leases"

	defaultRetries = 8
)

// LeaseStore implements blobstore.Leaser on a DynamoDB table. Every key is
// one item holding a version counter and the list of live leases; updates
// are read-check-write cycles guarded by a conditional put on the version.
//
// Table schema:
//   - Partition key: lease_key (string)
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name ummapio-leases \
//	  --attribute-definitions AttributeName=lease_key,AttributeType=S \
//	  --key-schema AttributeName=lease_key,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
type LeaseStore struct {
	client  DDBClient
	table   string
	retries int
	now     func() time.Time
}

// NewLeaseStore creates a lease store on the given table.
func NewLeaseStore(client DDBClient, table string) *LeaseStore {
	return &LeaseStore{
		client:  client,
		table:   table,
		retries: defaultRetries,
		now:     time.Now,
	}
}

type leaseItem struct {
	version int64
	leases  []blobstore.Lease
}

func (s *LeaseStore) load(ctx context.Context, key string) (leaseItem, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            map[string]types.AttributeValue{attrKey: &types.AttributeValueMemberS{Value: key}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return leaseItem{}, fmt.Errorf("failed to read leases from DynamoDB: %w", err)
	}
	if len(out.Item) == 0 {
		return leaseItem{}, nil
	}
	return decodeItem(out.Item)
}

// condition guards a write against any change since cur was read.
func condition(cur leaseItem) (*string, map[string]types.AttributeValue) {
	if cur.version == 0 {
		return aws.String("attribute_not_exists(" + attrKey + ")"), nil
	}
	return aws.String(attrVersion + " = :v"), map[string]types.AttributeValue{
		":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(cur.version, 10)},
	}
}

func (s *LeaseStore) store(ctx context.Context, key string, cur leaseItem, leases []blobstore.Lease) error {
	cond, values := condition(cur)
	var err error
	if len(leases) == 0 {
		if cur.version == 0 {
			return nil
		}
		_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:                 aws.String(s.table),
			Key:                       map[string]types.AttributeValue{attrKey: &types.AttributeValueMemberS{Value: key}},
			ConditionExpression:       cond,
			ExpressionAttributeValues: values,
		})
	} else {
		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                 aws.String(s.table),
			Item:                      encodeItem(key, cur.version+1, leases),
			ConditionExpression:       cond,
			ExpressionAttributeValues: values,
		})
	}
	return err
}

// update runs fn on the live leases of key and writes the result back,
// retrying while other writers win the conditional write.
func (s *LeaseStore) update(ctx context.Context, key string, fn func(live []blobstore.Lease) ([]blobstore.Lease, error)) error {
	for range s.retries {
		cur, err := s.load(ctx, key)
		if err != nil {
			return err
		}
		next, err := fn(blobstore.LiveLeases(cur.leases, s.now()))
		if err != nil {
			return err
		}

		err = s.store(ctx, key, cur, next)
		if err == nil {
			return nil
		}
		var condErr *types.ConditionalCheckFailedException
		if !errors.As(err, &condErr) {
			return fmt.Errorf("failed to write leases to DynamoDB: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return ErrConcurrentModification
}

func (s *LeaseStore) Acquire(ctx context.Context, key string, l blobstore.Lease) (blobstore.Lease, error) {
	if l.ID == "" {
		l.ID = blobstore.NewLeaseID()
	}
	err := s.update(ctx, key, func(live []blobstore.Lease) ([]blobstore.Lease, error) {
		for _, h := range live {
			if h.ID != l.ID && h.Conflicts(l) {
				return nil, blobstore.ErrLeaseConflict
			}
		}
		return append(live, l), nil
	})
	if err != nil {
		return blobstore.Lease{}, err
	}
	return l, nil
}

func (s *LeaseStore) Release(ctx context.Context, key, id string) error {
	return s.update(ctx, key, func(live []blobstore.Lease) ([]blobstore.Lease, error) {
		out := live[:0]
		for _, h := range live {
			if h.ID != id {
				out = append(out, h)
			}
		}
		return out, nil
	})
}

// Held returns the live leases on key.
func (s *LeaseStore) Held(ctx context.Context, key string) ([]blobstore.Lease, error) {
	cur, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	return blobstore.LiveLeases(cur.leases, s.now()), nil
}

func encodeItem(key string, version int64, leases []blobstore.Lease) map[string]types.AttributeValue {
	list := make([]types.AttributeValue, 0, len(leases))
	for _, l := range leases {
		var expires int64
		if !l.Expires.IsZero() {
			expires = l.Expires.UnixNano()
		}
		list = append(list, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"id":      &types.AttributeValueMemberS{Value: l.ID},
			"off":     &types.AttributeValueMemberN{Value: strconv.FormatInt(l.Off, 10)},
			"size":    &types.AttributeValueMemberN{Value: strconv.FormatInt(l.Size, 10)},
			"write":   &types.AttributeValueMemberBOOL{Value: l.Write},
			"expires": &types.AttributeValueMemberN{Value: strconv.FormatInt(expires, 10)},
		}})
	}
	return map[string]types.AttributeValue{
		attrKey:     &types.AttributeValueMemberS{Value: key},
		attrVersion: &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
		attrLeases:  &types.AttributeValueMemberL{Value: list},
	}
}

func decodeItem(item map[string]types.AttributeValue) (leaseItem, error) {
	var it leaseItem
	versionAttr, ok := item[attrVersion].(*types.AttributeValueMemberN)
	if !ok {
		return it, errors.New("invalid lease item: missing version")
	}
	v, err := strconv.ParseInt(versionAttr.Value, 10, 64)
	if err != nil {
		return it, fmt.Errorf("invalid lease item version: %w", err)
	}
	it.version = v

	listAttr, ok := item[attrLeases].(*types.AttributeValueMemberL)
	if !ok {
		return it, nil
	}
	for _, av := range listAttr.Value {
		m, ok := av.(*types.AttributeValueMemberM)
		if !ok {
			return it, errors.New("invalid lease item: lease is not a map")
		}
		l, err := decodeLease(m.Value)
		if err != nil {
			return it, err
		}
		it.leases = append(it.leases, l)
	}
	return it, nil
}

func decodeLease(m map[string]types.AttributeValue) (blobstore.Lease, error) {
	var l blobstore.Lease
	id, ok := m["id"].(*types.AttributeValueMemberS)
	if !ok {
		return l, errors.New("invalid lease: missing id")
	}
	l.ID = id.Value

	nums := map[string]*int64{"off": &l.Off, "size": &l.Size}
	var expires int64
	nums["expires"] = &expires
	for name, dst := range nums {
		attr, ok := m[name].(*types.AttributeValueMemberN)
		if !ok {
			return l, fmt.Errorf("invalid lease: missing %s", name)
		}
		n, err := strconv.ParseInt(attr.Value, 10, 64)
		if err != nil {
			return l, fmt.Errorf("invalid lease %s: %w", name, err)
		}
		*dst = n
	}
	if expires != 0 {
		l.Expires = time.Unix(0, expires)
	}
	if w, ok := m["write"].(*types.AttributeValueMemberBOOL); ok {
		l.Write = w.Value
	}
	return l, nil
}
