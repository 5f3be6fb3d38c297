// Package mailctx builds the canonical per-message context record from a
// decoded webhook field map. One context exists per webhook call; the
// pipeline mutates it in place and discards it when processing ends.
package mailctx

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/arganhr/mailroom/internal/htmlstrip"
)

// Path is the processing branch chosen by the classifier.
type Path string

const (
	PathUnset    Path = ""
	PathNew      Path = "NEW"
	PathExisting Path = "EXISTING"
)

// UnknownMessageID is the sentinel used when no Message-Id header is found.
// The dedup gate always admits it.
const UnknownMessageID = "unknown"

// ErrMissingField is returned when a required webhook field is absent.
var ErrMissingField = errors.New("required webhook field missing")

// Context is the canonical record for one inbound message.
type Context struct {
	Subject     string
	TextBody    string
	FromRaw     string
	FromAddr    string
	ToAddr      string
	HeadersBlob string
	MessageID   string

	// EnvelopeFrom is the envelope sender from the gateway's envelope
	// field, used by the loop guard. Empty when the field is absent.
	EnvelopeFrom string

	// DateHeader is the raw Date header value, used as the timestamp of the
	// live message's conversation entry. Empty when no Date header exists.
	DateHeader string

	SPF  string
	DKIM string

	HasAttachments  bool
	AttachmentCount int

	ReceivedAt time.Time

	// Set during processing.
	TicketID         string
	Path             Path
	ProcessingStatus string
}

// envelope is the gateway's envelope field shape.
type envelope struct {
	To   []string `json:"to"`
	From string   `json:"from"`
}

// unfoldPattern collapses folded header continuations into single spaces.
var unfoldPattern = regexp.MustCompile(`\r?\n[ \t]+`)

// Build assembles a Context from decoded webhook fields. The to and from
// fields are required; everything else degrades to a zero value.
func Build(fields map[string]string, receivedAt time.Time) (*Context, error) {
	to, ok := fields["to"]
	if !ok || strings.TrimSpace(to) == "" {
		return nil, fmt.Errorf("%w: to", ErrMissingField)
	}
	from, ok := fields["from"]
	if !ok || strings.TrimSpace(from) == "" {
		return nil, fmt.Errorf("%w: from", ErrMissingField)
	}

	ctx := &Context{
		Subject:          NormalizeHeaderText(fields["subject"]),
		TextBody:         fields["text"],
		FromRaw:          strings.TrimSpace(from),
		ToAddr:           AddrSpec(to),
		HeadersBlob:      fields["headers"],
		SPF:              fields["SPF"],
		DKIM:             fields["dkim"],
		ReceivedAt:       receivedAt.UTC(),
		ProcessingStatus: "received",
	}
	ctx.FromAddr = AddrSpec(from)
	ctx.MessageID = messageID(ctx.HeadersBlob)
	ctx.DateHeader = headerValue(ctx.HeadersBlob, "Date")

	// Messages that arrive HTML-only still need a usable body.
	if strings.TrimSpace(ctx.TextBody) == "" {
		if html := fields["html"]; strings.TrimSpace(html) != "" {
			ctx.TextBody = htmlstrip.Strip(html)
		}
	}

	if n, err := strconv.Atoi(strings.TrimSpace(fields["attachments"])); err == nil && n > 0 {
		ctx.HasAttachments = true
		ctx.AttachmentCount = n
	}

	if raw := fields["envelope"]; raw != "" {
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err == nil {
			ctx.EnvelopeFrom = strings.ToLower(strings.TrimSpace(env.From))
		}
	}

	return ctx, nil
}

// AddrSpec extracts the bare local@domain from a raw address, which may be
// "Display Name <addr>" or a quoted or bare address. The last angle-bracket
// pair wins; the result is lower-cased.
func AddrSpec(raw string) string {
	s := strings.TrimSpace(raw)

	if open := strings.LastIndex(s, "<"); open >= 0 {
		if close := strings.Index(s[open:], ">"); close > 0 {
			s = s[open+1 : open+close]
		}
	}

	s = strings.Trim(s, `"' `)
	return strings.ToLower(s)
}

// NormalizeHeaderText decodes RFC 2047 encoded words, unfolds continuation
// lines, collapses whitespace, and normalizes to NFC.
func NormalizeHeaderText(value string) string {
	if value == "" {
		return ""
	}

	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(value)
	if err != nil {
		decoded = value
	}

	decoded = unfoldPattern.ReplaceAllString(decoded, " ")
	decoded = strings.Join(strings.Fields(decoded), " ")
	return norm.NFC.String(decoded)
}

// messageID scans the headers blob for a Message-Id header, case
// insensitively, returning UnknownMessageID when none is present.
func messageID(headers string) string {
	v := headerValue(headers, "Message-Id")
	if v == "" {
		return UnknownMessageID
	}
	return v
}

// headerValue returns the trimmed value of the first matching header line.
// Matching is case-insensitive on the header name.
func headerValue(headers, name string) string {
	prefix := strings.ToLower(name) + ":"
	for _, line := range strings.Split(headers, "\n") {
		trimmed := strings.TrimRight(line, "\r")
		if len(trimmed) <= len(prefix) {
			continue
		}
		if strings.ToLower(trimmed[:len(prefix)]) == prefix {
			return strings.TrimSpace(trimmed[len(prefix):])
		}
	}
	return ""
}
