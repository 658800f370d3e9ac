package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/attanik/gatehouse/internal/clock"
)

// Dynamo is an adapter backed by a DynamoDB table with a composite
// primary key. The first two key segments form the partition key and the
// remainder forms the sort key, so prefix scans become
// pk = :pk AND begins_with(sk, :sk).
//
// Scan semantics by prefix length:
//   - 2 segments: the whole partition (pk only, no sort condition)
//   - 3+ segments: pk plus begins_with on the sort key
//   - 0 or 1 segments: not expressible as a Query; rejected with ErrNoScan
//
// Expiry uses a native TTL attribute. DynamoDB reaps expired items lazily
// (possibly days later), so reads filter on the expiry themselves.
type Dynamo struct {
	client DynamoClient
	table  string
	clock  clock.Clock
}

// DynamoClient is the subset of the DynamoDB API the adapter uses.
type DynamoClient interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoConfig configures a Dynamo adapter.
type DynamoConfig struct {
	// Table is the DynamoDB table name. The table must have a string
	// partition key "pk" and a string sort key "sk", and should enable
	// TTL on the "expiry" attribute.
	Table string

	// Region overrides the AWS region from the environment. Optional.
	Region string

	// Client overrides the SDK client; used in tests. Optional.
	Client DynamoClient

	// Clock overrides the time source; used in tests. Optional.
	Clock clock.Clock
}

type dynamoItem struct {
	PK     string `dynamodbav:"pk"`
	SK     string `dynamodbav:"sk"`
	Value  string `dynamodbav:"value"`
	Expiry int64  `dynamodbav:"expiry,omitempty"`
}

// NewDynamo builds the adapter, loading AWS credentials from the default
// chain unless a client is supplied.
func NewDynamo(ctx context.Context, cfg DynamoConfig) (*Dynamo, error) {
	if cfg.Table == "" {
		return nil, errors.New("dynamo table name is required")
	}

	client := cfg.Client
	if client == nil {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		client = dynamodb.NewFromConfig(awsCfg)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}

	return &Dynamo{client: client, table: cfg.Table, clock: clk}, nil
}

// splitKey derives the pk/sk pair from key segments. Keys shorter than
// two segments get an empty-marker sort key so they remain addressable.
func (d *Dynamo) splitKey(key []string) (pk, sk string) {
	if len(key) <= 2 {
		return JoinKey(key), Separator
	}
	return JoinKey(key[:2]), JoinKey(key[2:])
}

func (d *Dynamo) expired(item *dynamoItem) bool {
	return item.Expiry != 0 && d.clock.Now().Unix() >= item.Expiry
}

// Get implements Adapter.
func (d *Dynamo) Get(ctx context.Context, key []string) (json.RawMessage, bool, error) {
	pk, sk := d.splitKey(key)
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: pk},
			"sk": &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to read key: %w", err)
	}
	if out.Item == nil {
		return nil, false, nil
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	if d.expired(&item) {
		return nil, false, nil
	}
	return json.RawMessage(item.Value), true, nil
}

// Set implements Adapter.
func (d *Dynamo) Set(ctx context.Context, key []string, value json.RawMessage, ttl time.Duration) error {
	pk, sk := d.splitKey(key)
	item := dynamoItem{PK: pk, SK: sk, Value: string(value)}
	if ttl > 0 {
		item.Expiry = d.clock.Now().Add(ttl).Unix()
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}
	if _, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	return nil
}

// Remove implements Adapter.
func (d *Dynamo) Remove(ctx context.Context, key []string) error {
	pk, sk := d.splitKey(key)
	if _, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: pk},
			"sk": &types.AttributeValueMemberS{Value: sk},
		},
	}); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// Scan implements Adapter.
func (d *Dynamo) Scan(ctx context.Context, prefix []string) ([]Entry, error) {
	if len(prefix) < 2 {
		return nil, fmt.Errorf("%w: dynamo requires at least two prefix segments", ErrNoScan)
	}

	in := &dynamodb.QueryInput{
		TableName:              aws.String(d.table),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: JoinKey(prefix[:2])},
		},
	}
	if len(prefix) > 2 {
		in.KeyConditionExpression = aws.String("pk = :pk AND begins_with(sk, :sk)")
		in.ExpressionAttributeValues[":sk"] = &types.AttributeValueMemberS{Value: JoinKey(prefix[2:])}
	}

	var out []Entry
	for {
		page, err := d.client.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("failed to query prefix: %w", err)
		}

		for _, raw := range page.Items {
			var item dynamoItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, fmt.Errorf("failed to unmarshal item: %w", err)
			}
			if d.expired(&item) {
				continue
			}
			// begins_with matches raw strings; keep only segment-wise matches
			if len(prefix) > 2 {
				skPrefix := JoinKey(prefix[2:])
				rest := strings.TrimPrefix(item.SK, skPrefix)
				if rest != "" && !strings.HasPrefix(rest, Separator) {
					continue
				}
			}
			key := SplitKey(item.PK)
			if item.SK != Separator {
				key = append(key, SplitKey(item.SK)...)
			}
			out = append(out, Entry{Key: key, Value: json.RawMessage(item.Value)})
		}

		if page.LastEvaluatedKey == nil {
			break
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}
	return out, nil
}

var _ Adapter = (*Dynamo)(nil)
