// Package ack composes and sends the acknowledgment email a customer
// receives when their enquiry is logged as a new ticket.
package ack

import (
	"fmt"
	"html"
	"strings"
)

// Priority is the triage tier quoted back to the customer.
type Priority string

const (
	PriorityNormal Priority = "Normal"
	PriorityHigh   Priority = "High"
	PriorityUrgent Priority = "Urgent"
)

// Timeframe returns the response commitment for a priority tier.
func (p Priority) Timeframe() string {
	switch Priority(strings.ToLower(string(p))) {
	case "urgent":
		return "within 4 hours"
	case "high":
		return "within 24 hours"
	default:
		return "within 2-3 business days"
	}
}

// nameConfidenceFloor is the minimum extraction confidence for a
// personalized greeting.
const nameConfidenceFloor = 0.5

// maxQuotedBody bounds the quoted copy of the original enquiry.
const maxQuotedBody = 2000

// Message is a composed acknowledgment ready to send.
type Message struct {
	Subject  string
	TextBody string
	HTMLBody string
}

// ComposeInput carries everything the composer needs about one enquiry.
type ComposeInput struct {
	TicketID        string
	FirstName       string
	NameConfidence  float64
	OriginalSubject string
	OriginalBody    string
	Priority        Priority
}

// Composer renders acknowledgment messages. Template overrides, when set,
// replace the built-in bodies wholesale.
type Composer struct {
	shortName    string
	markerPhrase string
	textTemplate string
	htmlTemplate string
}

// NewComposer creates a Composer. markerPhrase must appear verbatim in every
// body so the loop guard can recognise our own mail when it bounces back.
func NewComposer(shortName, markerPhrase, textTemplate, htmlTemplate string) *Composer {
	return &Composer{
		shortName:    shortName,
		markerPhrase: markerPhrase,
		textTemplate: textTemplate,
		htmlTemplate: htmlTemplate,
	}
}

// Compose renders the acknowledgment for one enquiry.
func (c *Composer) Compose(in ComposeInput) Message {
	if in.Priority == "" {
		in.Priority = PriorityNormal
	}

	msg := Message{
		Subject: fmt.Sprintf("[%s] %s - Call Logged", in.TicketID, c.shortName),
	}

	if c.textTemplate != "" {
		msg.TextBody = c.substitute(c.textTemplate, in)
	} else {
		msg.TextBody = c.defaultText(in)
	}
	if c.htmlTemplate != "" {
		msg.HTMLBody = c.substitute(c.htmlTemplate, in)
	} else {
		msg.HTMLBody = c.defaultHTML(in)
	}
	return msg
}

// greeting personalizes the salutation only when the extracted name is
// trustworthy.
func (c *Composer) greeting(in ComposeInput) string {
	name := strings.TrimSpace(in.FirstName)
	if at := strings.Index(name, "@"); at >= 0 {
		name = name[:at]
	}
	switch strings.ToLower(name) {
	case "", "unknown", "user", "customer":
		return "Hello"
	}
	if in.NameConfidence < nameConfidenceFloor {
		return "Hello"
	}
	return "Hi " + name
}

func (c *Composer) substitute(tmpl string, in ComposeInput) string {
	return strings.NewReplacer(
		"{first_name}", strings.TrimSpace(in.FirstName),
		"{ticket_id}", in.TicketID,
		"{original_subject}", in.OriginalSubject,
		"{original_body}", in.OriginalBody,
		"{priority}", string(in.Priority),
	).Replace(tmpl)
}

func (c *Composer) defaultText(in ComposeInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s,\n\n", c.greeting(in))
	fmt.Fprintf(&b, "Thank you for contacting %s. %s %s.\n\n", c.shortName, c.markerPhrase, in.TicketID)
	fmt.Fprintf(&b, "Original Subject: %s\n", in.OriginalSubject)
	fmt.Fprintf(&b, "Priority: %s\n", in.Priority)
	fmt.Fprintf(&b, "Ticket Number: %s\n\n", in.TicketID)
	b.WriteString("We will review your request and respond within our standard timeframe:\n\n")
	b.WriteString("- Urgent matters: Within 4 hours\n")
	b.WriteString("- High priority: Within 24 hours\n")
	b.WriteString("- Normal requests: Within 2-3 business days\n\n")
	fmt.Fprintf(&b, "If you need to follow up on this matter, please reference ticket number %s in your subject line.\n\n", in.TicketID)
	b.WriteString("Original Enquiry (for reference):\n\n")
	b.WriteString(quoteBody(in.OriginalBody))
	b.WriteString("\n\nThank you for your patience.\n\n")
	fmt.Fprintf(&b, "Best regards,\n%s\n\n", c.shortName)
	b.WriteString("---\nThis is an automated response. Please do not reply to this email.\n")
	return b.String()
}

func (c *Composer) defaultHTML(in ComposeInput) string {
	esc := html.EscapeString
	var b strings.Builder
	b.WriteString("<html><body>\n")
	fmt.Fprintf(&b, "<p>%s,</p>\n", esc(c.greeting(in)))
	fmt.Fprintf(&b, "<p>Thank you for contacting %s. %s <strong>%s</strong>.</p>\n",
		esc(c.shortName), esc(c.markerPhrase), esc(in.TicketID))
	b.WriteString("<table>\n")
	fmt.Fprintf(&b, "<tr><td>Original Subject:</td><td>%s</td></tr>\n", esc(in.OriginalSubject))
	fmt.Fprintf(&b, "<tr><td>Priority:</td><td>%s</td></tr>\n", esc(string(in.Priority)))
	fmt.Fprintf(&b, "<tr><td>Ticket Number:</td><td>%s</td></tr>\n", esc(in.TicketID))
	b.WriteString("</table>\n")
	b.WriteString("<p>We will review your request and respond within our standard timeframe:</p>\n<ul>\n")
	b.WriteString("<li><strong>Urgent matters:</strong> Within 4 hours</li>\n")
	b.WriteString("<li><strong>High priority:</strong> Within 24 hours</li>\n")
	b.WriteString("<li><strong>Normal requests:</strong> Within 2-3 business days</li>\n")
	b.WriteString("</ul>\n")
	fmt.Fprintf(&b, "<p>If you need to follow up on this matter, please reference ticket number %s in your subject line.</p>\n", esc(in.TicketID))
	fmt.Fprintf(&b, "<p>Original Enquiry (for reference):</p>\n<blockquote>%s</blockquote>\n",
		strings.ReplaceAll(esc(truncate(in.OriginalBody, maxQuotedBody)), "\n", "<br>\n"))
	fmt.Fprintf(&b, "<p>Thank you for your patience.</p>\n<p>Best regards,<br>%s</p>\n", esc(c.shortName))
	b.WriteString("<hr><p><em>This is an automated response. Please do not reply to this email.</em></p>\n")
	b.WriteString("</body></html>\n")
	return b.String()
}

// quoteBody renders the original enquiry with "> " quote markers.
func quoteBody(body string) string {
	body = truncate(strings.TrimSpace(body), maxQuotedBody)
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		lines[i] = "> " + line
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
