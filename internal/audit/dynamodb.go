// Package audit persists an audit trail of label grants to DynamoDB.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/labelops/label-grant-service/internal/grant"
)

// Key prefixes for single-table design
const (
	PKPrefixUser  = "USER#"
	SKPrefixGrant = "GRANT#"
)

var (
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
)

// DynamoDBAPI defines the interface for DynamoDB operations
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Store writes grant audit records to DynamoDB.
type Store struct {
	ddb       DynamoDBAPI
	tableName string
}

// NewStore creates a new audit store with OTel instrumentation.
func NewStore(ctx context.Context, tableName string) (*Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Add OTel instrumentation for X-Ray tracing
	otelaws.AppendMiddlewares(&cfg.APIOptions)

	return &Store{
		ddb:       dynamodb.NewFromConfig(cfg),
		tableName: tableName,
	}, nil
}

// grantItem is the DynamoDB representation of an audit record.
type grantItem struct {
	PK           string   `dynamodbav:"pk"`
	SK           string   `dynamodbav:"sk"`
	UserID       string   `dynamodbav:"userId"`
	RequestID    string   `dynamodbav:"requestId,omitempty"`
	LabelsBefore []string `dynamodbav:"labelsBefore"`
	LabelsAfter  []string `dynamodbav:"labelsAfter"`
	GrantedAt    string   `dynamodbav:"grantedAt"`
}

// RecordGrant writes one audit item per grant. The conditional put makes
// replayed writes for the same grant ID a no-op.
func (s *Store) RecordGrant(ctx context.Context, rec grant.Record) error {
	item := grantItem{
		PK:           PKPrefixUser + rec.UserID,
		SK:           SKPrefixGrant + rec.GrantID,
		UserID:       rec.UserID,
		RequestID:    rec.RequestID,
		LabelsBefore: rec.LabelsBefore,
		LabelsAfter:  rec.LabelsAfter,
		GrantedAt:    rec.GrantedAt.UTC().Format(time.RFC3339),
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal audit item: %w", err)
	}

	cond := expression.AttributeNotExists(expression.Name("sk"))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("failed to build condition expression: %w", err)
	}

	_, err = s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.tableName),
		Item:                     av,
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
	})
	if err != nil {
		var ccf *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			// Record already exists, this is OK (idempotent)
			logger.InfoContext(ctx, "Grant audit record already exists",
				slog.String("user_id", rec.UserID),
				slog.String("grant_id", rec.GrantID),
			)
			return nil
		}
		return err
	}

	return nil
}
