package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"ctclusterd/election"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// DynamoStore implements ConsistentStore and election.Backend on top
// of DynamoDB. DynamoDB has no native watch, so watches are realized
// by polling and diffing; deliveries are still in order per stream.
type DynamoStore struct {
	client       *dynamodb.Client
	clusterName  string
	pollInterval time.Duration
}

const tableName = "ctclusterd-clusters"

const configRangeKey = "config"
const servingSTHRangeKey = "serving-sth"
const nodesRangeKey = "nodes"
const electionRangeKey = "election"

func nodeRangeKey(nodeID string) string {
	return nodesRangeKey + "/" + nodeID
}

func NewDynamoStore(client *dynamodb.Client, clusterName string) *DynamoStore {
	return &DynamoStore{
		client:       client,
		clusterName:  clusterName,
		pollInterval: 1 * time.Second,
	}
}

// TODO: Table should probably be created out-of-band, not on startup?
func (d *DynamoStore) InitTable(ctx context.Context) error {
	_, err := d.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(tableName),
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("cluster_name"),
				KeyType:       types.KeyTypeHash,
			},
			{
				AttributeName: aws.String("key"),
				KeyType:       types.KeyTypeRange,
			},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("cluster_name"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("key"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var resourceInUse *types.ResourceInUseException
		if errors.As(err, &resourceInUse) {
			log.Printf("Table %s already exists, skipping creation", tableName)
			return nil
		}
		return fmt.Errorf("failed to create DynamoDB table: %w", err)
	}

	return nil
}

func (d *DynamoStore) putItem(ctx context.Context, rangeKey string, entity any) error {
	value, err := attributevalue.MarshalMap(entity)
	if err != nil {
		return fmt.Errorf("failed to marshal item %s: %w", rangeKey, err)
	}
	value["cluster_name"] = &types.AttributeValueMemberS{Value: d.clusterName}
	value["key"] = &types.AttributeValueMemberS{Value: rangeKey}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(tableName),
		Item:      value,
	})
	if err != nil {
		return fmt.Errorf("failed to write item %s to DynamoDB: %w", rangeKey, err)
	}

	return nil
}

func (d *DynamoStore) getItem(ctx context.Context, rangeKey string, out any) (bool, error) {
	resp, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(tableName),
		ConsistentRead: aws.Bool(true),
		Key: map[string]types.AttributeValue{
			"cluster_name": &types.AttributeValueMemberS{Value: d.clusterName},
			"key":          &types.AttributeValueMemberS{Value: rangeKey},
		},
	})
	if err != nil {
		return false, fmt.Errorf("failed to get item %s from DynamoDB: %w", rangeKey, err)
	}
	if len(resp.Item) == 0 {
		return false, nil
	}

	if err := attributevalue.UnmarshalMap(resp.Item, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal item %s: %w", rangeKey, err)
	}
	return true, nil
}

func (d *DynamoStore) SetClusterNodeState(ctx context.Context, state ClusterNodeState) error {
	return d.putItem(ctx, nodeRangeKey(state.NodeID), state)
}

func (d *DynamoStore) SetServingSTH(ctx context.Context, sth SignedTreeHead) error {
	return d.putItem(ctx, servingSTHRangeKey, sth)
}

// SetClusterConfig is used by the init command to seed the cluster's
// serving requirements.
func (d *DynamoStore) SetClusterConfig(ctx context.Context, conf ClusterConfig) error {
	return d.putItem(ctx, configRangeKey, conf)
}

func (d *DynamoStore) fetchNodeStates(ctx context.Context) (map[string]ClusterNodeState, error) {
	resp, err := d.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(tableName),
		ConsistentRead:         aws.Bool(true),
		KeyConditionExpression: aws.String("cluster_name = :cluster_name AND begins_with(#k, :prefix)"),
		ExpressionAttributeNames: map[string]string{
			"#k": "key",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cluster_name": &types.AttributeValueMemberS{Value: d.clusterName},
			":prefix":       &types.AttributeValueMemberS{Value: nodesRangeKey + "/"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query node states from DynamoDB: %w", err)
	}

	states := make(map[string]ClusterNodeState, len(resp.Items))
	for _, item := range resp.Items {
		var keyStr string
		if err := attributevalue.Unmarshal(item["key"], &keyStr); err != nil {
			return nil, fmt.Errorf("failed to unmarshal item key: %w", err)
		}
		nodeID := strings.TrimPrefix(keyStr, nodesRangeKey+"/")

		var state ClusterNodeState
		if err := attributevalue.UnmarshalMap(item, &state); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node state for %s: %w", nodeID, err)
		}
		if nodeID != state.NodeID {
			return nil, fmt.Errorf("node state id mismatch: expected %s, got %s", nodeID, state.NodeID)
		}
		states[nodeID] = state
	}

	return states, nil
}

func (d *DynamoStore) WatchClusterNodeStates(ctx context.Context, cb func([]Update[ClusterNodeState])) error {
	lastSeen := make(map[string]string)

	poll := func() {
		states, err := d.fetchNodeStates(ctx)
		if err != nil {
			log.Printf("WARNING: Failed to poll node states: %v", err)
			return
		}

		var updates []Update[ClusterNodeState]
		for nodeID, state := range states {
			enc, err := json.Marshal(state)
			if err != nil {
				log.Printf("WARNING: Failed to encode node state for %s: %v", nodeID, err)
				continue
			}
			if lastSeen[nodeID] != string(enc) {
				lastSeen[nodeID] = string(enc)
				updates = append(updates, Update[ClusterNodeState]{Key: nodeID, Exists: true, Value: state})
			}
		}
		for nodeID := range lastSeen {
			if _, ok := states[nodeID]; !ok {
				delete(lastSeen, nodeID)
				updates = append(updates, Update[ClusterNodeState]{Key: nodeID, Exists: false})
			}
		}

		if len(updates) > 0 {
			slices.SortFunc(updates, func(a, b Update[ClusterNodeState]) int {
				return strings.Compare(a.Key, b.Key)
			})
			cb(updates)
		}
	}

	poll()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			poll()
		}
	}
}

func (d *DynamoStore) WatchClusterConfig(ctx context.Context, cb func(Update[ClusterConfig])) error {
	return pollKey(ctx, d, configRangeKey, cb)
}

func (d *DynamoStore) WatchServingSTH(ctx context.Context, cb func(Update[SignedTreeHead])) error {
	return pollKey(ctx, d, servingSTHRangeKey, cb)
}

// pollKey watches a single item by polling it and delivering an update
// whenever its value changes or it disappears.
func pollKey[T any](ctx context.Context, d *DynamoStore, rangeKey string, cb func(Update[T])) error {
	var lastSeen string
	var everSeen bool

	poll := func() {
		var value T
		found, err := d.getItem(ctx, rangeKey, &value)
		if err != nil {
			log.Printf("WARNING: Failed to poll %s: %v", rangeKey, err)
			return
		}

		if !found {
			if everSeen {
				everSeen = false
				lastSeen = ""
				cb(Update[T]{Key: rangeKey, Exists: false})
			}
			return
		}

		enc, err := json.Marshal(value)
		if err != nil {
			log.Printf("WARNING: Failed to encode %s: %v", rangeKey, err)
			return
		}
		if !everSeen || lastSeen != string(enc) {
			everSeen = true
			lastSeen = string(enc)
			cb(Update[T]{Key: rangeKey, Exists: true, Value: value})
		}
	}

	poll()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			poll()
		}
	}
}

// dynamoLease is the stored form of an election lease.
type dynamoLease struct {
	Leader          string `dynamodbav:"leader"`
	RVN             string `dynamodbav:"rvn"`
	LeaseDurationMs int64  `dynamodbav:"lease_duration_ms"`
}

func (d *DynamoStore) FetchCurrentLease(ctx context.Context) (*election.Lease, error) {
	var stored dynamoLease
	found, err := d.getItem(ctx, electionRangeKey, &stored)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch lease: %w", err)
	}
	if !found {
		return nil, nil
	}

	rvn, err := uuid.Parse(stored.RVN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse RVN: %w", err)
	}
	if stored.Leader == "" || stored.LeaseDurationMs <= 0 {
		return nil, fmt.Errorf("incomplete lease data: %+v", stored)
	}

	return &election.Lease{
		Leader:                stored.Leader,
		RevisionVersionNumber: rvn,
		Duration:              time.Duration(stored.LeaseDurationMs) * time.Millisecond,
	}, nil
}

func (d *DynamoStore) AtomicCompareAndSwapLease(ctx context.Context, prevRVN *uuid.UUID, newLease election.Lease) (bool, error) {
	stored := dynamoLease{
		Leader:          newLease.Leader,
		RVN:             newLease.RevisionVersionNumber.String(),
		LeaseDurationMs: newLease.Duration.Milliseconds(),
	}
	value, err := attributevalue.MarshalMap(stored)
	if err != nil {
		return false, fmt.Errorf("failed to marshal lease: %w", err)
	}
	value["cluster_name"] = &types.AttributeValueMemberS{Value: d.clusterName}
	value["key"] = &types.AttributeValueMemberS{Value: electionRangeKey}

	putItemInput := dynamodb.PutItemInput{
		TableName: aws.String(tableName),
		Item:      value,
	}
	if prevRVN != nil {
		putItemInput.ConditionExpression = aws.String("rvn = :prev_rvn")
		putItemInput.ExpressionAttributeValues = map[string]types.AttributeValue{
			":prev_rvn": &types.AttributeValueMemberS{Value: prevRVN.String()},
		}
	} else {
		putItemInput.ConditionExpression = aws.String("attribute_not_exists(rvn)")
	}

	if _, err := d.client.PutItem(ctx, &putItemInput); err != nil {
		var conditionErr *types.ConditionalCheckFailedException
		if errors.As(err, &conditionErr) {
			return false, nil
		}
		return false, fmt.Errorf("failed to write lease: %w", err)
	}

	return true, nil
}
