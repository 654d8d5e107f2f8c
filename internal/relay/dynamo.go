// Copyright 2025 The flbridge authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package relay

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	coreerrors "github.com/flbridge/flbridge/core/errors"
	"github.com/flbridge/flbridge/core/rpcmethod"
	"github.com/flbridge/flbridge/internal/wire"
)

var logger = loggo.GetLogger("flbridge.relay")

const (
	attrClient = "client"
	attrMethod = "method"
	attrRecord = "record"
)

// DynamoStore implements Store over a DynamoDB table keyed by device id
// (hash) and method (range), with the serialized record in a string
// attribute. Devices insert items through the fabric's routing rules; the
// bridge only ever reads and deletes.
type DynamoStore struct {
	client *dynamodb.Client
	table  string
}

// NewDynamoStore returns a Store backed by the named DynamoDB table.
func NewDynamoStore(cfg aws.Config, table string) *DynamoStore {
	return &DynamoStore{
		client: dynamodb.NewFromConfig(cfg),
		table:  table,
	}
}

func channelKey(deviceID string, method rpcmethod.Method) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrClient: &types.AttributeValueMemberS{Value: deviceID},
		attrMethod: &types.AttributeValueMemberS{Value: method.String()},
	}
}

// Get implements Store.
func (s *DynamoStore) Get(ctx context.Context, deviceID string, method rpcmethod.Method) (*wire.Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       channelKey(deviceID, method),
	})
	if err != nil {
		return nil, errors.Annotatef(err, "reading relay channel %s/%s", deviceID, method)
	}
	if out.Item == nil {
		return nil, nil
	}
	body, ok := out.Item[attrRecord].(*types.AttributeValueMemberS)
	if !ok {
		return nil, errors.WithType(
			errors.Errorf("relay channel %s/%s item without %q attribute", deviceID, method, attrRecord),
			coreerrors.MalformedResponse,
		)
	}
	rec, err := wire.DecodeRecord([]byte(body.Value))
	if err != nil {
		return nil, errors.WithType(
			errors.Annotatef(err, "relay channel %s/%s", deviceID, method),
			coreerrors.MalformedResponse,
		)
	}
	return &rec, nil
}

// Delete implements Store.
func (s *DynamoStore) Delete(ctx context.Context, deviceID string, method rpcmethod.Method) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       channelKey(deviceID, method),
	})
	if err != nil {
		return errors.Annotatef(err, "deleting relay channel %s/%s", deviceID, method)
	}
	logger.Tracef("deleted relay channel %s/%s", deviceID, method)
	return nil
}
