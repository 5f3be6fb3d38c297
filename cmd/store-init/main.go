// Command store-init provisions the DynamoDB ticket table: the pk/sk
// primary key plus the date index the allocator queries. Safe to run
// repeatedly; an existing table is left untouched.
package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

const createTimeout = 5 * time.Minute

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	table := os.Getenv("MAILROOM_STORE_TABLE")
	if table == "" {
		logger.Error("MAILROOM_STORE_TABLE is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), createTimeout)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("aws configuration failed", zap.Error(err))
		os.Exit(1)
	}
	client := dynamodb.NewFromConfig(awsCfg)

	_, err = client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("pk"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("sk"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("gsi1pk"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("sk"), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String("gsi1"),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("gsi1pk"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("pk"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{
					ProjectionType:   types.ProjectionTypeInclude,
					NonKeyAttributes: []string{"ticketId"},
				},
			},
		},
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			logger.Info("table already exists", zap.String("table", table))
			return
		}
		logger.Error("create table failed", zap.String("table", table), zap.Error(err))
		os.Exit(1)
	}

	waiter := dynamodb.NewTableExistsWaiter(client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)}, createTimeout); err != nil {
		logger.Error("table never became active", zap.String("table", table), zap.Error(err))
		os.Exit(1)
	}
	logger.Info("table created", zap.String("table", table))
}
