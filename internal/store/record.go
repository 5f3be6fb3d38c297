// Package store persists ticket records in DynamoDB behind a small adapter
// surface: find, list, conditional create, partial update. It owns the rate
// limiting, retry, and per-ticket locking policy for the table.
package store

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/arganhr/mailroom/internal/thread"
)

// Status is the ticket lifecycle state.
type Status string

const (
	StatusNew            Status = "new"
	StatusAwaitingClient Status = "awaiting_client"
	StatusAwaitingAgent  Status = "awaiting_agent"
	StatusResolved       Status = "resolved"
	StatusClosed         Status = "closed"
)

// Record is one persisted ticket. TicketID is the business key; at most one
// record exists per identifier.
type Record struct {
	TicketID        string
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Subject         string
	Body            string
	FromAddr        string
	SenderFirst     string
	SenderLast      string
	OrgName         string
	InitialEntry    thread.Entry
	History         []thread.Entry
	RawHeaders      string
	AckSent         bool
	SPF             string
	DKIM            string
	HasAttachments  bool
	AttachmentCount int
}

// PK returns the partition key for a ticket identifier.
func pk(ticketID string) string { return "TICKET#" + ticketID }

// skRecord is the sort key of the single record item per ticket.
const skRecord = "REC"

// gsi1pk derives the date-partition key from a ticket identifier
// (PREFIX-YYYYMMDD-NNNN -> DATE#YYYYMMDD). Malformed identifiers yield an
// empty key and the item simply never appears in the date index.
func gsi1pk(ticketID string) string {
	parts := strings.Split(ticketID, "-")
	if len(parts) != 3 || len(parts[1]) != 8 {
		return ""
	}
	return "DATE#" + parts[1]
}

// marshalRecord converts a Record to DynamoDB attribute values.
func marshalRecord(rec *Record) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"pk":              &types.AttributeValueMemberS{Value: pk(rec.TicketID)},
		"sk":              &types.AttributeValueMemberS{Value: skRecord},
		"ticketId":        &types.AttributeValueMemberS{Value: rec.TicketID},
		"status":          &types.AttributeValueMemberS{Value: string(rec.Status)},
		"createdAt":       &types.AttributeValueMemberS{Value: rec.CreatedAt.UTC().Format(time.RFC3339)},
		"updatedAt":       &types.AttributeValueMemberS{Value: rec.UpdatedAt.UTC().Format(time.RFC3339)},
		"subject":         &types.AttributeValueMemberS{Value: rec.Subject},
		"body":            &types.AttributeValueMemberS{Value: rec.Body},
		"fromAddr":        &types.AttributeValueMemberS{Value: rec.FromAddr},
		"senderFirst":     &types.AttributeValueMemberS{Value: rec.SenderFirst},
		"senderLast":      &types.AttributeValueMemberS{Value: rec.SenderLast},
		"orgName":         &types.AttributeValueMemberS{Value: rec.OrgName},
		"rawHeaders":      &types.AttributeValueMemberS{Value: rec.RawHeaders},
		"ackSent":         &types.AttributeValueMemberBOOL{Value: rec.AckSent},
		"spf":             &types.AttributeValueMemberS{Value: rec.SPF},
		"dkim":            &types.AttributeValueMemberS{Value: rec.DKIM},
		"hasAttachments":  &types.AttributeValueMemberBOOL{Value: rec.HasAttachments},
		"attachmentCount": &types.AttributeValueMemberN{Value: strconv.Itoa(rec.AttachmentCount)},
	}

	if gk := gsi1pk(rec.TicketID); gk != "" {
		item["gsi1pk"] = &types.AttributeValueMemberS{Value: gk}
	}

	// Conversation entries are stored as JSON documents; DynamoDB never
	// needs to index inside them.
	if b, err := json.Marshal(rec.InitialEntry); err == nil {
		item["initialEntry"] = &types.AttributeValueMemberS{Value: string(b)}
	}
	if b, err := json.Marshal(rec.History); err == nil {
		item["history"] = &types.AttributeValueMemberS{Value: string(b)}
	}

	return item
}

// unmarshalRecord converts DynamoDB attribute values to a Record.
func unmarshalRecord(item map[string]types.AttributeValue) *Record {
	rec := &Record{}

	if v, ok := item["ticketId"].(*types.AttributeValueMemberS); ok {
		rec.TicketID = v.Value
	}
	if v, ok := item["status"].(*types.AttributeValueMemberS); ok {
		rec.Status = Status(v.Value)
	}
	if v, ok := item["createdAt"].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
			rec.CreatedAt = t
		}
	}
	if v, ok := item["updatedAt"].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
			rec.UpdatedAt = t
		}
	}
	if v, ok := item["subject"].(*types.AttributeValueMemberS); ok {
		rec.Subject = v.Value
	}
	if v, ok := item["body"].(*types.AttributeValueMemberS); ok {
		rec.Body = v.Value
	}
	if v, ok := item["fromAddr"].(*types.AttributeValueMemberS); ok {
		rec.FromAddr = v.Value
	}
	if v, ok := item["senderFirst"].(*types.AttributeValueMemberS); ok {
		rec.SenderFirst = v.Value
	}
	if v, ok := item["senderLast"].(*types.AttributeValueMemberS); ok {
		rec.SenderLast = v.Value
	}
	if v, ok := item["orgName"].(*types.AttributeValueMemberS); ok {
		rec.OrgName = v.Value
	}
	if v, ok := item["rawHeaders"].(*types.AttributeValueMemberS); ok {
		rec.RawHeaders = v.Value
	}
	if v, ok := item["ackSent"].(*types.AttributeValueMemberBOOL); ok {
		rec.AckSent = v.Value
	}
	if v, ok := item["spf"].(*types.AttributeValueMemberS); ok {
		rec.SPF = v.Value
	}
	if v, ok := item["dkim"].(*types.AttributeValueMemberS); ok {
		rec.DKIM = v.Value
	}
	if v, ok := item["hasAttachments"].(*types.AttributeValueMemberBOOL); ok {
		rec.HasAttachments = v.Value
	}
	if v, ok := item["attachmentCount"].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.Atoi(v.Value); err == nil {
			rec.AttachmentCount = n
		}
	}
	if v, ok := item["initialEntry"].(*types.AttributeValueMemberS); ok {
		_ = json.Unmarshal([]byte(v.Value), &rec.InitialEntry)
	}
	if v, ok := item["history"].(*types.AttributeValueMemberS); ok {
		_ = json.Unmarshal([]byte(v.Value), &rec.History)
	}

	return rec
}
