// Package pipeline orchestrates the processing of one inbound webhook
// delivery: decode, context build, dedup, loop guard, classification, then
// the NEW or EXISTING branch. It is the only place HTTP status codes are
// chosen.
package pipeline

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arganhr/mailroom/internal/ack"
	"github.com/arganhr/mailroom/internal/classify"
	"github.com/arganhr/mailroom/internal/dedup"
	"github.com/arganhr/mailroom/internal/extract"
	"github.com/arganhr/mailroom/internal/loopguard"
	"github.com/arganhr/mailroom/internal/mailctx"
	"github.com/arganhr/mailroom/internal/store"
	"github.com/arganhr/mailroom/internal/thread"
	"github.com/arganhr/mailroom/internal/wire"
)

// maxCreateAttempts bounds allocator-collision retries on the NEW path.
const maxCreateAttempts = 3

// Outcome is what the HTTP layer reports back to the webhook caller.
type Outcome struct {
	Status   int
	Reason   string
	TicketID string
}

// Classifier routes a subject to the NEW or EXISTING branch.
type Classifier interface {
	Classify(ctx context.Context, subject string) classify.Decision
}

// Allocator issues fresh ticket identifiers.
type Allocator interface {
	Allocate(ctx context.Context) (string, error)
}

// Extractor pulls sender identity from the body.
type Extractor interface {
	SenderName(ctx context.Context, body, fromAddr string) extract.NameResult
	Organization(ctx context.Context, body string) string
}

// Parser decomposes a body into conversation entries.
type Parser interface {
	Parse(ctx context.Context, mc *mailctx.Context) []thread.Entry
	Initial(mc *mailctx.Context) thread.Entry
}

// Merger folds parsed entries into stored history.
type Merger interface {
	Merge(ctx context.Context, existing, incoming []thread.Entry) []thread.Entry
}

// TicketStore is the slice of the store adapter the pipeline needs.
type TicketStore interface {
	Lock(ticketID string)
	Unlock(ticketID string)
	FindByTicket(ctx context.Context, ticketID string) (*store.Record, error)
	Create(ctx context.Context, rec *store.Record) error
	UpdateTicket(ctx context.Context, ticketID string, patch store.Patch) error
	SetAckSent(ctx context.Context, ticketID string, sent bool) error
}

// Composer renders acknowledgment messages.
type Composer interface {
	Compose(in ack.ComposeInput) ack.Message
}

// Sender delivers acknowledgments.
type Sender interface {
	Send(ctx context.Context, to string, msg ack.Message) error
}

// Gate is the duplicate-delivery gate.
type Gate interface {
	Claim(messageID string) dedup.Verdict
}

// Guard recognises our own outbound mail.
type Guard interface {
	Check(mc *mailctx.Context) loopguard.Verdict
}

// Deps wires the pipeline's collaborators.
type Deps struct {
	Gate       Gate
	Guard      Guard
	Classifier Classifier
	Allocator  Allocator
	Extractor  Extractor
	Parser     Parser
	Merger     Merger
	Store      TicketStore
	Composer   Composer
	Sender     Sender
}

// Pipeline processes webhook deliveries. Safe for concurrent use; each call
// carries its own context record.
type Pipeline struct {
	deps     Deps
	deadline time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a Pipeline. deadline bounds one whole delivery.
func New(deps Deps, deadline time.Duration, logger *zap.Logger) *Pipeline {
	return &Pipeline{deps: deps, deadline: deadline, logger: logger, now: time.Now}
}

// Process handles one raw webhook payload and decides the HTTP response.
// Only the NEW path's store-write failure yields a 5xx; every other failure
// is absorbed as 200 so the gateway does not redeliver.
func (p *Pipeline) Process(ctx context.Context, raw []byte, contentType string) Outcome {
	if p.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.deadline)
		defer cancel()
	}

	decoded, err := wire.Decode(raw, contentType)
	if err != nil {
		p.logger.Warn("payload decode failed", zap.Error(err))
		return Outcome{Status: http.StatusBadRequest, Reason: "unparseable payload"}
	}

	mc, err := mailctx.Build(decoded.Fields, p.now())
	if err != nil {
		p.logger.Warn("context build failed", zap.Error(err))
		return Outcome{Status: http.StatusBadRequest, Reason: "missing required fields"}
	}

	logger := p.logger.With(zap.String("correlation_id", correlationID(mc)))
	if decoded.Recovered {
		logger.Info("payload recovered with autodetected boundary",
			zap.String("diagnostic", decoded.Diagnostic))
	}

	if p.deps.Gate.Claim(mc.MessageID) == dedup.Duplicate {
		logger.Info("duplicate delivery suppressed", zap.String("message_id", mc.MessageID))
		return Outcome{Status: http.StatusOK, Reason: "duplicate"}
	}

	if p.deps.Guard.Check(mc) == loopguard.Ignore {
		logger.Info("own acknowledgment ignored", zap.String("from", mc.FromAddr))
		return Outcome{Status: http.StatusOK, Reason: "loop ignored"}
	}

	decision := p.deps.Classifier.Classify(ctx, mc.Subject)
	mc.Path = decision.Path
	mc.TicketID = decision.TicketID
	logger.Info("message classified",
		zap.String("path", string(decision.Path)),
		zap.String("ticket_id", decision.TicketID),
		zap.Float64("confidence", decision.Confidence),
		zap.Bool("fallback", decision.Fallback))

	if decision.Path == mailctx.PathExisting {
		return p.existingTicket(ctx, logger, mc)
	}
	return p.newTicket(ctx, logger, mc)
}

// newTicket runs allocate, extract, create, acknowledge, flag.
func (p *Pipeline) newTicket(ctx context.Context, logger *zap.Logger, mc *mailctx.Context) Outcome {
	name := p.deps.Extractor.SenderName(ctx, mc.TextBody, mc.FromAddr)
	org := p.deps.Extractor.Organization(ctx, mc.TextBody)

	var ticketID string
	var created bool
	for attempt := 0; attempt < maxCreateAttempts && !created; attempt++ {
		var err error
		ticketID, err = p.deps.Allocator.Allocate(ctx)
		if err != nil {
			logger.Error("ticket allocation failed", zap.Error(err))
			return Outcome{Status: http.StatusInternalServerError, Reason: "store unavailable"}
		}

		rec := p.buildRecord(mc, ticketID, name, org)
		err = p.deps.Store.Create(ctx, rec)
		switch {
		case err == nil:
			created = true
		case errors.Is(err, store.ErrConflict):
			logger.Warn("ticket create collided, reallocating",
				zap.String("ticket_id", ticketID), zap.Int("attempt", attempt+1))
		default:
			logger.Error("ticket create failed", zap.String("ticket_id", ticketID), zap.Error(err))
			return Outcome{Status: http.StatusInternalServerError, Reason: "store unavailable"}
		}
	}
	if !created {
		logger.Error("ticket create exhausted collision retries")
		return Outcome{Status: http.StatusInternalServerError, Reason: "store unavailable"}
	}

	mc.TicketID = ticketID
	mc.ProcessingStatus = "stored"
	logger.Info("ticket created", zap.String("ticket_id", ticketID))

	msg := p.deps.Composer.Compose(ack.ComposeInput{
		TicketID:        ticketID,
		FirstName:       name.First,
		NameConfidence:  name.Confidence,
		OriginalSubject: mc.Subject,
		OriginalBody:    mc.TextBody,
		Priority:        ack.PriorityNormal,
	})
	if err := p.deps.Sender.Send(ctx, mc.FromAddr, msg); err != nil {
		// The ticket exists and is discoverable; the customer just never
		// hears about it until an operator follows up.
		logger.Warn("acknowledgment send failed",
			zap.String("ticket_id", ticketID), zap.Error(err))
		return Outcome{Status: http.StatusOK, Reason: "created, acknowledgment failed", TicketID: ticketID}
	}

	if err := p.deps.Store.SetAckSent(ctx, ticketID, true); err != nil {
		logger.Warn("ack flag update failed", zap.String("ticket_id", ticketID), zap.Error(err))
	}
	return Outcome{Status: http.StatusOK, Reason: "created", TicketID: ticketID}
}

// maxUpdateAttempts bounds the optimistic-concurrency loop on the EXISTING
// path. The in-process lock makes staleness rare; another process racing on
// the same ticket is the only way to lose.
const maxUpdateAttempts = 3

// existingTicket runs fetch, parse, merge, update under the per-ticket lock.
// The update is conditional on the record's updated_at still matching the
// read; on a stale write the record is re-read and re-merged.
func (p *Pipeline) existingTicket(ctx context.Context, logger *zap.Logger, mc *mailctx.Context) Outcome {
	p.deps.Store.Lock(mc.TicketID)
	defer p.deps.Store.Unlock(mc.TicketID)

	incoming := p.deps.Parser.Parse(ctx, mc)

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		rec, err := p.deps.Store.FindByTicket(ctx, mc.TicketID)
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("no record for referenced ticket", zap.String("ticket_id", mc.TicketID))
			return Outcome{Status: http.StatusOK, Reason: "no record for ticket", TicketID: mc.TicketID}
		}
		if err != nil {
			logger.Error("record fetch failed", zap.String("ticket_id", mc.TicketID), zap.Error(err))
			return Outcome{Status: http.StatusOK, Reason: "store unavailable", TicketID: mc.TicketID}
		}

		existing := rec.History
		if len(existing) == 0 && rec.InitialEntry.Content != "" {
			existing = []thread.Entry{rec.InitialEntry}
		}
		merged := p.deps.Merger.Merge(ctx, existing, incoming)

		status := store.StatusAwaitingAgent
		prev := rec.UpdatedAt
		patch := store.Patch{
			Status:          &status,
			History:         merged,
			RawHeaders:      &mc.HeadersBlob,
			SPF:             &mc.SPF,
			DKIM:            &mc.DKIM,
			HasAttachments:  &mc.HasAttachments,
			AttachmentCount: &mc.AttachmentCount,
			PrevUpdatedAt:   &prev,
		}
		err = p.deps.Store.UpdateTicket(ctx, mc.TicketID, patch)
		if errors.Is(err, store.ErrStale) {
			logger.Warn("record changed since read, re-merging",
				zap.String("ticket_id", mc.TicketID), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			logger.Error("record update failed", zap.String("ticket_id", mc.TicketID), zap.Error(err))
			return Outcome{Status: http.StatusOK, Reason: "update failed", TicketID: mc.TicketID}
		}

		logger.Info("ticket updated",
			zap.String("ticket_id", mc.TicketID), zap.Int("history_len", len(merged)))
		return Outcome{Status: http.StatusOK, Reason: "updated", TicketID: mc.TicketID}
	}

	logger.Error("record update lost every optimistic retry", zap.String("ticket_id", mc.TicketID))
	return Outcome{Status: http.StatusOK, Reason: "update failed", TicketID: mc.TicketID}
}

func (p *Pipeline) buildRecord(mc *mailctx.Context, ticketID string, name extract.NameResult, org string) *store.Record {
	now := p.now().UTC()
	initial := p.deps.Parser.Initial(mc)
	return &store.Record{
		TicketID:        ticketID,
		Status:          store.StatusNew,
		CreatedAt:       now,
		UpdatedAt:       now,
		Subject:         mc.Subject,
		Body:            mc.TextBody,
		FromAddr:        mc.FromAddr,
		SenderFirst:     name.First,
		SenderLast:      name.Last,
		OrgName:         org,
		InitialEntry:    initial,
		History:         []thread.Entry{},
		RawHeaders:      mc.HeadersBlob,
		SPF:             mc.SPF,
		DKIM:            mc.DKIM,
		HasAttachments:  mc.HasAttachments,
		AttachmentCount: mc.AttachmentCount,
	}
}

// correlationID is the message identifier when known, otherwise a fresh
// UUID, so every log line of one delivery can be tied together.
func correlationID(mc *mailctx.Context) string {
	if mc.MessageID != "" && mc.MessageID != mailctx.UnknownMessageID {
		return mc.MessageID
	}
	return uuid.NewString()
}
