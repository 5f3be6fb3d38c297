// Package loopguard detects the system's own acknowledgment mail re-entering
// the pipeline via a recipient's auto-forwarder. Without it, an ack that
// gets forwarded back would be filed as a customer reply, acknowledged
// again, and so on.
package loopguard

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/arganhr/mailroom/internal/mailctx"
)

// Verdict is the guard's decision.
type Verdict int

const (
	// Proceed means the message is not one of ours.
	Proceed Verdict = iota
	// Ignore means the message is our own outbound ack; drop it with 200.
	Ignore
)

// Guard holds the signals that identify our outbound acknowledgments.
type Guard struct {
	outboundAddr   string
	markerPhrase   string
	subjectPattern *regexp.Regexp
}

// New builds a Guard for the given outbound address. prefix and shortName
// shape the ack subject pattern `[P-YYYYMMDD-NNNN] <shortName> - Call Logged`.
func New(outboundAddr, markerPhrase, prefix, shortName string) *Guard {
	pattern := fmt.Sprintf(`(?i)\[%s-\d{8}-\d{4}\]\s+%s\s+-\s+Call Logged`,
		regexp.QuoteMeta(prefix), regexp.QuoteMeta(shortName))
	return &Guard{
		outboundAddr:   strings.ToLower(outboundAddr),
		markerPhrase:   markerPhrase,
		subjectPattern: regexp.MustCompile(pattern),
	}
}

// Check inspects a context record and returns Ignore when any signal marks
// the message as our own outbound acknowledgment:
//   - the from addr-spec equals the configured outbound address,
//   - the subject matches the ack template and the body carries the marker
//     phrase,
//   - the decoded envelope sender equals the outbound address.
func (g *Guard) Check(ctx *mailctx.Context) Verdict {
	if ctx.FromAddr == g.outboundAddr {
		return Ignore
	}
	if ctx.EnvelopeFrom != "" && ctx.EnvelopeFrom == g.outboundAddr {
		return Ignore
	}
	if g.subjectPattern.MatchString(ctx.Subject) &&
		g.markerPhrase != "" && strings.Contains(ctx.TextBody, g.markerPhrase) {
		return Ignore
	}
	return Proceed
}
