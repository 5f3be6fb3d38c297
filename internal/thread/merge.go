package thread

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/arganhr/mailroom/internal/llm"
)

// Merger combines freshly parsed entries with stored history. The
// deterministic algorithm is the source of truth; the model path, when
// enabled, only proposes an ordering and its output is still forced through
// the same dedup and renumbering.
type Merger struct {
	completer llm.Completer
	logger    *zap.Logger
}

// NewMerger creates a Merger. A nil completer selects the deterministic
// algorithm unconditionally.
func NewMerger(completer llm.Completer, logger *zap.Logger) *Merger {
	return &Merger{completer: completer, logger: logger}
}

// Merge merges incoming entries into existing history: fingerprint-based
// dedup, chronological sort, contiguous renumbering from 1. The result
// never contains two entries with the same (sender, content) fingerprint.
func Merge(existing, incoming []Entry) []Entry {
	seen := make(map[string]bool, len(existing))
	merged := make([]Entry, 0, len(existing)+len(incoming))

	for _, e := range existing {
		fp := Fingerprint(e)
		if seen[fp] {
			continue
		}
		seen[fp] = true
		merged = append(merged, e)
	}
	for _, e := range incoming {
		fp := Fingerprint(e)
		if seen[fp] {
			continue
		}
		seen[fp] = true
		merged = append(merged, e)
	}

	sortEntries(merged)
	return renumber(merged)
}

// mergeResponse is the model output shape for the delegated merge.
type mergeResponse struct {
	Entries []parsedEntry `json:"entries"`
}

const mergerSystemPrompt = `You merge two lists of support-thread conversation entries into one chronological list.

Rules:
- Combine both lists, dropping entries that repeat another entry's sender and content.
- Order the result chronologically, oldest first.
- Preserve every field of the surviving entries as given; do not rewrite content.

Reply with JSON: {"entries": [{"sender_email": string, "sender_name": string, "sender_datetime": string, "content": string}]}.`

// Merge merges with optional model delegation. The model result is accepted
// only when it parses as a non-empty entry list; it is then re-deduplicated
// and renumbered so the merge invariants hold regardless of what the model
// did. Any failure falls back to the deterministic Merge.
func (m *Merger) Merge(ctx context.Context, existing, incoming []Entry) []Entry {
	if m.completer == nil || len(existing) == 0 {
		return Merge(existing, incoming)
	}

	user := "EXISTING ENTRIES (JSON):\n" + entriesJSON(existing) +
		"\n\nNEW ENTRIES (JSON):\n" + entriesJSON(incoming)

	var resp mergeResponse
	if err := m.completer.Complete(ctx, mergerSystemPrompt, user, &resp); err != nil {
		m.logger.Debug("merge model call failed, using deterministic merge", zap.Error(err))
		return Merge(existing, incoming)
	}

	proposed := make([]Entry, 0, len(resp.Entries))
	for _, pe := range resp.Entries {
		if strings.TrimSpace(pe.Content) == "" || !strings.Contains(pe.SenderEmail, "@") {
			m.logger.Debug("merge model output invalid, using deterministic merge")
			return Merge(existing, incoming)
		}
		proposed = append(proposed, Entry{
			SenderEmail:    strings.ToLower(strings.TrimSpace(pe.SenderEmail)),
			SenderName:     pe.SenderName,
			SenderDatetime: pe.SenderDatetime,
			Content:        pe.Content,
		})
	}
	if len(proposed) == 0 {
		return Merge(existing, incoming)
	}

	// The model may have dropped entries it should not have. Feed its
	// ordering through the deterministic merge against both inputs so
	// nothing is lost and the invariants are enforced.
	return Merge(proposed, append(existing, incoming...))
}

// sortEntries orders entries chronologically. An entry whose datetime does
// not parse inherits the timestamp of the nearest dated entry before it in
// input order, so any two dated entries always compare by time and undated
// entries travel behind their anchor.
func sortEntries(entries []Entry) {
	times := make([]int64, len(entries))
	last := int64(math.MinInt64)
	for i, e := range entries {
		if t, ok := ParseDatetime(e.SenderDatetime); ok {
			last = t.Unix()
		}
		times[i] = last
	}

	idx := make([]int, len(entries))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return times[idx[a]] < times[idx[b]]
	})

	sorted := make([]Entry, len(entries))
	for i, j := range idx {
		sorted[i] = entries[j]
	}
	copy(entries, sorted)
}

func entriesJSON(entries []Entry) string {
	b, err := json.Marshal(entries)
	if err != nil {
		return "[]"
	}
	return string(b)
}
