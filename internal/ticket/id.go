// Package ticket defines the canonical ticket identifier and the allocator
// that issues new ones against the store.
package ticket

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ID format: PREFIX-YYYYMMDD-NNNN, e.g. ARG-20250603-0001. Identifiers
// compare equal iff byte-equal; (date, sequence) is a total order.

// Format renders an identifier from its parts.
func Format(prefix string, day time.Time, seq int) string {
	return fmt.Sprintf("%s-%s-%04d", prefix, day.Format("20060102"), seq)
}

// DatePrefix renders the store query prefix for one calendar day,
// e.g. "ARG-20250603-".
func DatePrefix(prefix string, day time.Time) string {
	return fmt.Sprintf("%s-%s-", prefix, day.Format("20060102"))
}

// Pattern compiles the case-insensitive subject-matching pattern for the
// given installation prefix.
func Pattern(prefix string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`(?i)%s-\d{8}-\d{4}`, regexp.QuoteMeta(prefix)))
}

// Sequence extracts the trailing sequence number of an identifier.
// Returns false when the identifier does not end in a 4-digit run.
func Sequence(id string) (int, bool) {
	i := strings.LastIndex(id, "-")
	if i < 0 || len(id)-i-1 != 4 {
		return 0, false
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Normalize upper-cases an identifier so store lookups are byte-exact
// regardless of how the customer's mail client cased the subject.
func Normalize(id string) string {
	return strings.ToUpper(id)
}
