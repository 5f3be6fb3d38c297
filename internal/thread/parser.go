package thread

import (
	"context"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arganhr/mailroom/internal/llm"
	"github.com/arganhr/mailroom/internal/mailctx"
)

// quoteMarker matches the start of a quoted or forwarded block: attribution
// lines ("On <date>, <sender> wrote:", possibly ">"-prefixed) and the common
// forward separators.
var quoteMarker = regexp.MustCompile(`(?mi)^\s*>*\s*(On .{5,120} wrote:|-{2,}\s*Original Message\s*-{2,}|Begin forwarded message:|-{2,}\s*Forwarded message\s*-{2,})`)

// maxParserInput bounds the quoted text sent to the model.
const maxParserInput = 12000

// Parser decomposes a raw email body into ordered conversation entries.
type Parser struct {
	completer llm.Completer
	tz        *time.Location
	logger    *zap.Logger
}

// NewParser creates a Parser. A nil completer limits parsing to the
// deterministic paths.
func NewParser(completer llm.Completer, tz *time.Location, logger *zap.Logger) *Parser {
	return &Parser{completer: completer, tz: tz, logger: logger}
}

const parserSystemPrompt = `You parse quoted email conversation threads. Extract one entry per distinct quoted or forwarded block.

Rules:
- Input is only the quoted history of a thread; the live message has already been removed. Do not invent an entry for it.
- Each "On <date>, <sender> wrote:" attribution (or forward separator) starts a new entry; the entry's content runs until the next attribution.
- Strip leading ">" quote markers from content; preserve the text and line breaks otherwise.
- sender_email: the bare address. If only a display name is present and no address can be recovered, synthesize "<name>@unknown" (lower-case, spaces removed).
- sender_name: the first name when the display name clearly contains one ("Rebecca Thompson" -> "Rebecca"); otherwise the full display name; otherwise the address.
- sender_datetime: preserve the date string as written in the attribution. Leave it empty when the block has no date.
- Order entries chronologically, oldest first.

Reply with JSON: {"entries": [{"sender_email": string, "sender_name": string, "sender_datetime": string, "content": string}]}.`

// parserResponse is the model output shape.
type parserResponse struct {
	Entries []parsedEntry `json:"entries"`
}

type parsedEntry struct {
	SenderEmail    string `json:"sender_email"`
	SenderName     string `json:"sender_name"`
	SenderDatetime string `json:"sender_datetime"`
	Content        string `json:"content"`
}

// Parse decomposes the context's body into entries in chronological
// ascending order with a contiguous 1..N numbering.
//
// The live (top-posted) message always becomes the final entry, built
// deterministically from the context record. Quoted blocks below it go
// through the model; when that fails, the whole body collapses into a
// single synthetic entry so no data is lost.
func (p *Parser) Parse(ctx context.Context, mc *mailctx.Context) []Entry {
	body := mc.TextBody
	if strings.TrimSpace(body) == "" {
		return nil
	}

	live, quoted := splitAtFirstQuote(body)

	if strings.TrimSpace(quoted) == "" {
		// No recognizable quote boundaries: the body is one live message.
		return renumber([]Entry{p.liveEntry(mc, body)})
	}

	quotedEntries, err := p.parseQuoted(ctx, quoted)
	if err != nil {
		p.logger.Warn("thread model parse failed, collapsing to single entry",
			zap.Error(err))
		return renumber([]Entry{p.liveEntry(mc, body)})
	}

	// A body that starts at a quote marker (a bare forward) has no live
	// part; storing an empty-content entry for it would poison the
	// fingerprint dedup.
	entries := quotedEntries
	if strings.TrimSpace(live) != "" {
		entries = append(entries, p.liveEntry(mc, live))
	}
	return renumber(entries)
}

// parseQuoted runs the model over the quoted section and validates the
// result.
func (p *Parser) parseQuoted(ctx context.Context, quoted string) ([]Entry, error) {
	if p.completer == nil {
		return nil, fmt.Errorf("model disabled")
	}
	if len(quoted) > maxParserInput {
		quoted = quoted[:maxParserInput]
	}

	var resp parserResponse
	user := "QUOTED THREAD CONTENT:\n" + quoted
	if err := p.completer.Complete(ctx, parserSystemPrompt, user, &resp); err != nil {
		return nil, err
	}
	if len(resp.Entries) == 0 {
		return nil, fmt.Errorf("model returned no entries")
	}

	entries := make([]Entry, 0, len(resp.Entries))
	for i, pe := range resp.Entries {
		if strings.TrimSpace(pe.Content) == "" {
			continue
		}
		e := Entry{
			SenderEmail:    normalizeSender(pe.SenderEmail, pe.SenderName),
			SenderName:     strings.TrimSpace(pe.SenderName),
			SenderDatetime: p.canonicalDatetime(pe.SenderDatetime),
			Content:        pe.Content,
		}
		if e.SenderEmail == "" {
			return nil, fmt.Errorf("entry %d has no recoverable sender", i)
		}
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("model returned only empty entries")
	}
	return entries, nil
}

// Initial builds the first conversation entry of a brand-new ticket from
// the whole body, numbered 1.
func (p *Parser) Initial(mc *mailctx.Context) Entry {
	e := p.liveEntry(mc, mc.TextBody)
	e.Order = 1
	return e
}

// liveEntry builds the entry for the message that triggered this webhook.
func (p *Parser) liveEntry(mc *mailctx.Context, content string) Entry {
	when := mc.ReceivedAt
	if mc.DateHeader != "" {
		if t, err := mail.ParseDate(mc.DateHeader); err == nil {
			when = t
		}
	}

	name := displayName(mc.FromRaw)
	if name == "" {
		name = mc.FromAddr
	}

	return Entry{
		SenderEmail:    mc.FromAddr,
		SenderName:     name,
		SenderDatetime: FormatDatetime(when, p.tz),
		Content:        strings.TrimSpace(content),
	}
}

// canonicalDatetime re-renders a parseable timestamp in the canonical
// layout; unparseable strings are preserved as written.
func (p *Parser) canonicalDatetime(s string) string {
	if t, ok := ParseDatetime(s); ok {
		return FormatDatetime(t, p.tz)
	}
	return strings.TrimSpace(s)
}

// splitAtFirstQuote divides a body into the live message and the quoted
// remainder. The marker line belongs to the quoted part.
func splitAtFirstQuote(body string) (live, quoted string) {
	loc := quoteMarker.FindStringIndex(body)
	if loc == nil {
		return body, ""
	}
	return body[:loc[0]], body[loc[0]:]
}

// normalizeSender lower-cases an addr-spec, synthesizing name@unknown when
// the model could not recover a real address.
func normalizeSender(email, name string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if strings.Contains(email, "@") {
		return email
	}
	name = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", ""))
	if name == "" {
		return ""
	}
	return name + "@unknown"
}

// displayName extracts the display-name portion of a raw From value.
func displayName(fromRaw string) string {
	if addr, err := mail.ParseAddress(fromRaw); err == nil {
		return strings.TrimSpace(addr.Name)
	}
	if open := strings.LastIndex(fromRaw, "<"); open > 0 {
		return strings.Trim(strings.TrimSpace(fromRaw[:open]), `"`)
	}
	return ""
}

// renumber assigns contiguous 1-based order values in slice order.
func renumber(entries []Entry) []Entry {
	for i := range entries {
		entries[i].Order = i + 1
	}
	return entries
}
