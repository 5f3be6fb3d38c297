// Package thread models support-thread conversations: decomposing email
// bodies into attributable entries and merging them with stored history.
package thread

import (
	"crypto/sha256"
	"encoding/hex"
	"net/mail"
	"strings"
	"time"
)

// DatetimeLayout is the human-facing canonical form of entry timestamps:
// DD/MM/YYYY HH:MM TZ, e.g. "03/06/2025 05:55 BST".
const DatetimeLayout = "02/01/2006 15:04 MST"

// Entry is a single attributable message within a thread.
type Entry struct {
	SenderEmail    string `json:"sender_email"`
	SenderName     string `json:"sender_name"`
	SenderDatetime string `json:"sender_datetime"`
	Content        string `json:"content"`
	Order          int    `json:"order"`
}

// NormalizeContent collapses whitespace runs to single spaces and trims.
func NormalizeContent(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Fingerprint hashes the (sender, normalized content) pair. Two entries
// with equal fingerprints are the same message regardless of quoting noise.
func Fingerprint(e Entry) string {
	h := sha256.Sum256([]byte(strings.ToLower(e.SenderEmail) + "|" + NormalizeContent(e.Content)))
	return hex.EncodeToString(h[:])
}

// FormatDatetime renders t in the canonical layout in the given zone.
func FormatDatetime(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DatetimeLayout)
}

// datetimeLayouts are tried in order when parsing entry timestamps. Email
// clients are inconsistent, so RFC 5322 forms are accepted alongside the
// canonical one.
var datetimeLayouts = []string{
	DatetimeLayout,
	"02/01/2006 15:04",
	"2/1/2006 15:04",
	time.RFC1123Z,
	time.RFC1123,
	"2 Jan 2006, at 15:04",
	"2 Jan 2006 15:04",
}

// ParseDatetime parses an entry timestamp. Returns false when no known
// layout matches; callers then fall back to positional ordering.
func ParseDatetime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if t, err := mail.ParseDate(s); err == nil {
		return t, true
	}
	return time.Time{}, false
}
