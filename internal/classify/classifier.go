// Package classify decides whether an inbound message starts a new support
// thread or continues an existing one, based on the subject line.
package classify

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/arganhr/mailroom/internal/llm"
	"github.com/arganhr/mailroom/internal/mailctx"
	"github.com/arganhr/mailroom/internal/ticket"
)

// Fallback confidence levels. The regex handles every compliant subject, so
// its positive matches are trusted slightly more than its negatives.
const (
	fallbackConfidencePresent = 0.8
	fallbackConfidenceAbsent  = 0.7
)

// Decision is the classifier's final output. The decision is final: the
// primary path runs once and the fallback is synthesized locally.
type Decision struct {
	Path       mailctx.Path
	TicketID   string
	Confidence float64
	Notes      string
	// Fallback is true when the regex path produced the decision.
	Fallback bool
}

// response is the schema-constrained LLM output shape.
type response struct {
	Present    bool    `json:"present"`
	Path       string  `json:"path"`
	TicketID   string  `json:"ticket_id"`
	Confidence float64 `json:"confidence"`
	Notes      string  `json:"notes"`
}

// Classifier decides NEW vs EXISTING. A nil completer disables the model
// path entirely and every decision comes from the regex.
type Classifier struct {
	completer llm.Completer
	pattern   *regexp.Regexp
	prefix    string
	logger    *zap.Logger
}

// New creates a Classifier for the given installation prefix.
func New(completer llm.Completer, prefix string, logger *zap.Logger) *Classifier {
	return &Classifier{
		completer: completer,
		pattern:   ticket.Pattern(prefix),
		prefix:    prefix,
		logger:    logger,
	}
}

const systemPromptTemplate = `You classify inbound support emails by detecting ticket identifiers in subject lines.

Ticket identifier format: %s-YYYYMMDD-NNNN (8 digits, dash, 4 digits).
Examples: %s-20250531-0001, %s-20241215-0123.
Identifiers may appear inside brackets or after reply/forward prefixes such as "Re:", "Fwd:", "[", "Ticket:". Matching is case-insensitive. Minor formatting noise around the identifier is acceptable, but the core digit pattern must be intact.

Decide:
- path "NEW" when the subject contains no ticket identifier.
- path "EXISTING" when it contains one.

Reply with JSON: {"present": bool, "path": "NEW"|"EXISTING", "ticket_id": string or "", "confidence": number 0..1, "notes": string}.
Extract ticket_id exactly as it appears. Use high confidence only when certain.`

// Classify inspects the subject and returns the routing decision. Model
// errors, deadline expiry, and schema violations all divert to the regex.
func (c *Classifier) Classify(ctx context.Context, subject string) Decision {
	if c.completer == nil {
		return c.fallback(subject, "llm disabled")
	}

	system := fmt.Sprintf(systemPromptTemplate, c.prefix, c.prefix, c.prefix)
	user := fmt.Sprintf("EMAIL SUBJECT TO ANALYZE:\n%q", subject)

	var resp response
	if err := c.completer.Complete(ctx, system, user, &resp); err != nil {
		c.logger.Warn("classifier model call failed, using regex fallback", zap.Error(err))
		return c.fallback(subject, err.Error())
	}

	dec, err := c.validate(resp)
	if err != nil {
		c.logger.Warn("classifier response failed validation, using regex fallback", zap.Error(err))
		return c.fallback(subject, err.Error())
	}
	return dec
}

// validate checks the model output against the schema and the ticket
// pattern before trusting it.
func (c *Classifier) validate(resp response) (Decision, error) {
	if resp.Confidence < 0 || resp.Confidence > 1 {
		return Decision{}, fmt.Errorf("confidence %v out of range", resp.Confidence)
	}

	path := mailctx.Path(strings.ToUpper(strings.TrimSpace(resp.Path)))
	if path != mailctx.PathNew && path != mailctx.PathExisting {
		return Decision{}, fmt.Errorf("unknown path %q", resp.Path)
	}

	if resp.Present != (path == mailctx.PathExisting) {
		return Decision{}, fmt.Errorf("present=%v disagrees with path=%s", resp.Present, path)
	}

	dec := Decision{Path: path, Confidence: resp.Confidence, Notes: resp.Notes}
	if resp.Present {
		id := c.pattern.FindString(resp.TicketID)
		if id == "" {
			return Decision{}, fmt.Errorf("ticket_id %q does not match pattern", resp.TicketID)
		}
		dec.TicketID = ticket.Normalize(id)
	}
	return dec, nil
}

// fallback synthesizes the decision from the regex alone.
func (c *Classifier) fallback(subject, reason string) Decision {
	match := c.pattern.FindString(subject)
	if match == "" {
		return Decision{
			Path:       mailctx.PathNew,
			Confidence: fallbackConfidenceAbsent,
			Notes:      "regex fallback: " + reason,
			Fallback:   true,
		}
	}
	return Decision{
		Path:       mailctx.PathExisting,
		TicketID:   ticket.Normalize(match),
		Confidence: fallbackConfidencePresent,
		Notes:      "regex fallback: " + reason,
		Fallback:   true,
	}
}
