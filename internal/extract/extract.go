// Package extract pulls sender identity out of free-form email bodies: the
// sender's name from the signature and the organization they write for.
// Both extractors are model-backed with deterministic fallbacks and never
// fail the pipeline.
package extract

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/arganhr/mailroom/internal/llm"
)

// maxBodyInput bounds the body text sent to the model.
const maxBodyInput = 4000

// NameResult is the sender-name extraction output.
type NameResult struct {
	FullName   string
	First      string
	Last       string
	Confidence float64
}

// Extractor runs the two extractions. A nil completer makes both return
// their fallbacks immediately.
type Extractor struct {
	completer llm.Completer
	logger    *zap.Logger
	titler    cases.Caser
}

// New creates an Extractor.
func New(completer llm.Completer, logger *zap.Logger) *Extractor {
	return &Extractor{
		completer: completer,
		logger:    logger,
		titler:    cases.Title(language.English),
	}
}

const nameSystemPrompt = `You extract the sender's name from an email body, usually from the sign-off or signature.

Rules:
- Look for sign-offs ("Kind regards, Jane Doe"), signatures, and self-introductions ("My name is...").
- Ignore names of other people mentioned in the text and company names alone.
- If no clear personal name is present, return empty strings with confidence 0.

Reply with JSON: {"full_name": string, "first": string, "last": string, "confidence": number 0..1}.`

const orgSystemPrompt = `You extract the name of the organization the sender writes on behalf of, from an email body or signature.

Rules:
- Prefer the company line of the signature block.
- Return the organization name only, without legal-form noise kept as written (e.g. "TechFlow Solutions Ltd" stays intact).
- If no organization is identifiable, return an empty string.

Reply with JSON: {"org_name": string}.`

// nameResponse is the model output shape for sender-name extraction.
type nameResponse struct {
	FullName   string  `json:"full_name"`
	First      string  `json:"first"`
	Last       string  `json:"last"`
	Confidence float64 `json:"confidence"`
}

// orgResponse is the model output shape for organization extraction.
type orgResponse struct {
	OrgName string `json:"org_name"`
}

// SenderName extracts the sender's name from body, falling back to a
// reconstruction from the addr-spec local part. All errors are swallowed.
func (e *Extractor) SenderName(ctx context.Context, body, fromAddr string) NameResult {
	if e.completer != nil {
		var resp nameResponse
		err := e.completer.Complete(ctx, nameSystemPrompt, userPrompt(body), &resp)
		if err == nil && resp.Confidence >= 0 && resp.Confidence <= 1 && strings.TrimSpace(resp.FullName) != "" {
			return NameResult{
				FullName:   strings.TrimSpace(resp.FullName),
				First:      strings.TrimSpace(resp.First),
				Last:       strings.TrimSpace(resp.Last),
				Confidence: resp.Confidence,
			}
		}
		if err != nil {
			e.logger.Debug("sender-name extraction fell back", zap.Error(err))
		}
	}
	return e.nameFromAddr(fromAddr)
}

// Organization extracts the sender's organization from body. The fallback
// is the empty string.
func (e *Extractor) Organization(ctx context.Context, body string) string {
	if e.completer == nil {
		return ""
	}
	var resp orgResponse
	if err := e.completer.Complete(ctx, orgSystemPrompt, userPrompt(body), &resp); err != nil {
		e.logger.Debug("organization extraction fell back", zap.Error(err))
		return ""
	}
	return strings.TrimSpace(resp.OrgName)
}

// nameFromAddr reconstructs a display name from the local part of an
// address: "jane.doe@x" becomes first "Jane", last "Doe".
func (e *Extractor) nameFromAddr(fromAddr string) NameResult {
	local := fromAddr
	if at := strings.Index(local, "@"); at >= 0 {
		local = local[:at]
	}
	local = strings.TrimSpace(local)
	if local == "" {
		return NameResult{}
	}

	parts := strings.FieldsFunc(local, func(r rune) bool {
		return r == '.' || r == '_'
	})
	for i, p := range parts {
		parts[i] = e.titler.String(p)
	}

	res := NameResult{FullName: strings.Join(parts, " "), Confidence: 0.3}
	if len(parts) > 0 {
		res.First = parts[0]
	}
	if len(parts) > 1 {
		res.Last = parts[len(parts)-1]
	}
	return res
}

func userPrompt(body string) string {
	if len(body) > maxBodyInput {
		body = body[:maxBodyInput]
	}
	return fmt.Sprintf("EMAIL BODY:\n%s", body)
}
