package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/arganhr/mailroom/internal/thread"
)

// Error types for store operations.
var (
	// ErrNotFound means no record exists for the ticket identifier.
	ErrNotFound = errors.New("ticket record not found")
	// ErrConflict means a conditional write lost: the record already exists.
	ErrConflict = errors.New("ticket record already exists")
	// ErrStale means the record changed since the caller read it; re-read
	// and re-apply.
	ErrStale = errors.New("ticket record changed since read")
)

// Retry policy for transient failures.
const (
	maxRetries     = 3
	retryBaseDelay = 500 * time.Millisecond
	retryFactor    = 2.0
)

// writeWaitLimit caps how long a caller blocks on the write token bucket.
const writeWaitLimit = 5 * time.Second

// dateIndex is the GSI keyed on gsi1pk (DATE#YYYYMMDD).
const dateIndex = "gsi1"

// DynamoDBClient defines the interface for DynamoDB operations.
type DynamoDBClient interface {
	GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Config holds store adapter settings.
type Config struct {
	Table    string
	Deadline time.Duration
	WriteQPS int
}

// Store is the ticket record adapter. Writes go through a shared token
// bucket; each ticket additionally has an advisory in-process lock that
// callers hold across read-modify-write sequences.
type Store struct {
	client   DynamoDBClient
	table    string
	deadline time.Duration
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Store.
func New(client DynamoDBClient, cfg Config, logger *zap.Logger) *Store {
	return &Store{
		client:   client,
		table:    cfg.Table,
		deadline: cfg.Deadline,
		limiter:  rate.NewLimiter(rate.Limit(cfg.WriteQPS), cfg.WriteQPS),
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Lock acquires the advisory per-ticket lock. Updates to one ticket
// serialize; distinct tickets proceed in parallel.
func (s *Store) Lock(ticketID string) {
	s.mu.Lock()
	l, ok := s.locks[ticketID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[ticketID] = l
	}
	s.mu.Unlock()
	l.Lock()
}

// Unlock releases the advisory per-ticket lock.
func (s *Store) Unlock(ticketID string) {
	s.mu.Lock()
	l, ok := s.locks[ticketID]
	s.mu.Unlock()
	if ok {
		l.Unlock()
	}
}

// FindByTicket fetches the record for a ticket identifier.
func (s *Store) FindByTicket(ctx context.Context, ticketID string) (*Record, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	var out *dynamodb.GetItemOutput
	err := s.retry(ctx, func() error {
		var err error
		out, err = s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.table),
			Key:       recordKey(ticketID),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get ticket %s: %w", ticketID, err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	return unmarshalRecord(out.Item), nil
}

// TicketExists reports whether a record exists for the identifier.
func (s *Store) TicketExists(ctx context.Context, ticketID string) (bool, error) {
	_, err := s.FindByTicket(ctx, ticketID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListTicketIDs returns every stored identifier beginning with prefix
// (PREFIX-YYYYMMDD-). The query runs against the date index; a pagination
// failure after the first page returns the identifiers gathered so far, so
// the allocator can still advance past them.
func (s *Store) ListTicketIDs(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	parts := strings.Split(prefix, "-")
	if len(parts) < 2 || len(parts[1]) != 8 {
		return nil, fmt.Errorf("list tickets: malformed prefix %q", prefix)
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(dateIndex),
		KeyConditionExpression: aws.String("gsi1pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: "DATE#" + parts[1]},
		},
		ProjectionExpression: aws.String("ticketId"),
	}

	var ids []string
	for {
		var out *dynamodb.QueryOutput
		err := s.retry(ctx, func() error {
			var err error
			out, err = s.client.Query(ctx, input)
			return err
		})
		if err != nil {
			if len(ids) > 0 {
				s.logger.Warn("ticket listing truncated by query failure",
					zap.String("prefix", prefix), zap.Error(err))
				return ids, nil
			}
			return nil, fmt.Errorf("list tickets %s: %w", prefix, err)
		}
		for _, item := range out.Items {
			if v, ok := item["ticketId"].(*types.AttributeValueMemberS); ok && strings.HasPrefix(v.Value, prefix) {
				ids = append(ids, v.Value)
			}
		}
		if out.LastEvaluatedKey == nil {
			return ids, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// Create stores a new record, failing with ErrConflict when one already
// exists for the ticket identifier.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	if err := s.waitWrite(ctx); err != nil {
		return err
	}

	err := s.retry(ctx, func() error {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.table),
			Item:                marshalRecord(rec),
			ConditionExpression: aws.String("attribute_not_exists(pk)"),
		})
		return err
	})
	if isConditionalFailure(err) {
		return fmt.Errorf("create ticket %s: %w", rec.TicketID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create ticket %s: %w", rec.TicketID, err)
	}
	return nil
}

// Patch is a partial update of an existing record. Nil fields are left
// untouched; updatedAt is always advanced.
type Patch struct {
	Status          *Status
	History         []thread.Entry
	RawHeaders      *string
	SPF             *string
	DKIM            *string
	HasAttachments  *bool
	AttachmentCount *int

	// PrevUpdatedAt, when set, makes the update conditional on the stored
	// updatedAt still matching: the in-process ticket lock does not cover
	// other processes, so multi-process deployments detect lost reads here
	// and get ErrStale back.
	PrevUpdatedAt *time.Time
}

// UpdateTicket applies a partial update. Missing records fail with
// ErrNotFound rather than upserting.
func (s *Store) UpdateTicket(ctx context.Context, ticketID string, patch Patch) error {
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	if err := s.waitWrite(ctx); err != nil {
		return err
	}

	set := []string{"updatedAt = :updatedAt"}
	values := map[string]types.AttributeValue{
		":updatedAt": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
	}
	names := map[string]string{}

	if patch.Status != nil {
		set = append(set, "#status = :status")
		names["#status"] = "status"
		values[":status"] = &types.AttributeValueMemberS{Value: string(*patch.Status)}
	}
	if patch.History != nil {
		b, err := json.Marshal(patch.History)
		if err != nil {
			return fmt.Errorf("encode history for %s: %w", ticketID, err)
		}
		set = append(set, "history = :history")
		values[":history"] = &types.AttributeValueMemberS{Value: string(b)}
	}
	if patch.RawHeaders != nil {
		set = append(set, "rawHeaders = :rawHeaders")
		values[":rawHeaders"] = &types.AttributeValueMemberS{Value: *patch.RawHeaders}
	}
	if patch.SPF != nil {
		set = append(set, "spf = :spf")
		values[":spf"] = &types.AttributeValueMemberS{Value: *patch.SPF}
	}
	if patch.DKIM != nil {
		set = append(set, "dkim = :dkim")
		values[":dkim"] = &types.AttributeValueMemberS{Value: *patch.DKIM}
	}
	if patch.HasAttachments != nil {
		set = append(set, "hasAttachments = :hasAttachments")
		values[":hasAttachments"] = &types.AttributeValueMemberBOOL{Value: *patch.HasAttachments}
	}
	if patch.AttachmentCount != nil {
		set = append(set, "attachmentCount = :attachmentCount")
		values[":attachmentCount"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", *patch.AttachmentCount)}
	}

	condition := "attribute_exists(pk)"
	if patch.PrevUpdatedAt != nil {
		condition += " AND updatedAt = :prevUpdatedAt"
		values[":prevUpdatedAt"] = &types.AttributeValueMemberS{
			Value: patch.PrevUpdatedAt.UTC().Format(time.RFC3339),
		}
	}

	input := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       recordKey(ticketID),
		UpdateExpression:          aws.String("SET " + strings.Join(set, ", ")),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeValues: values,
	}
	if len(names) > 0 {
		input.ExpressionAttributeNames = names
	}

	err := s.retry(ctx, func() error {
		_, err := s.client.UpdateItem(ctx, input)
		return err
	})
	if isConditionalFailure(err) {
		if patch.PrevUpdatedAt != nil {
			// The caller read the record, so it exists; the condition can
			// only have failed on updatedAt.
			return fmt.Errorf("update ticket %s: %w", ticketID, ErrStale)
		}
		return fmt.Errorf("update ticket %s: %w", ticketID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update ticket %s: %w", ticketID, err)
	}
	return nil
}

// SetAckSent flips the acknowledgment flag on an existing record.
func (s *Store) SetAckSent(ctx context.Context, ticketID string, sent bool) error {
	ctx, cancel := s.callContext(ctx)
	defer cancel()
	if err := s.waitWrite(ctx); err != nil {
		return err
	}

	err := s.retry(ctx, func() error {
		_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(s.table),
			Key:                 recordKey(ticketID),
			UpdateExpression:    aws.String("SET ackSent = :v, updatedAt = :updatedAt"),
			ConditionExpression: aws.String("attribute_exists(pk)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":v":         &types.AttributeValueMemberBOOL{Value: sent},
				":updatedAt": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
			},
		})
		return err
	})
	if isConditionalFailure(err) {
		return fmt.Errorf("set ack flag %s: %w", ticketID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("set ack flag %s: %w", ticketID, err)
	}
	return nil
}

// callContext applies the per-call deadline.
func (s *Store) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.deadline <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.deadline)
}

// waitWrite blocks on the shared write token bucket, at most writeWaitLimit.
func (s *Store) waitWrite(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, writeWaitLimit)
	defer cancel()
	if err := s.limiter.Wait(waitCtx); err != nil {
		return fmt.Errorf("store write rate limit: %w", err)
	}
	return nil
}

// retry runs op with exponential backoff on transient failures. Conditional
// check failures are terminal; retrying them can never succeed.
func (s *Store) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryBaseDelay
	policy.Multiplier = retryFactor
	policy.RandomizationFactor = 0

	attempt := 0
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isConditionalFailure(err) {
			return backoff.Permanent(err)
		}
		attempt++
		s.logger.Warn("store operation retrying",
			zap.Int("attempt", attempt), zap.Error(err))
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx))
}

func isConditionalFailure(err error) bool {
	var cond *types.ConditionalCheckFailedException
	return errors.As(err, &cond)
}

func recordKey(ticketID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk(ticketID)},
		"sk": &types.AttributeValueMemberS{Value: skRecord},
	}
}
