package ticket

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// maxAllocateRetries bounds the candidate-validation loop before the
// allocator falls back to a time-derived sequence.
const maxAllocateRetries = 5

// Store is the slice of the store adapter the allocator needs.
type Store interface {
	// ListTicketIDs returns every stored identifier beginning with prefix.
	ListTicketIDs(ctx context.Context, prefix string) ([]string, error)
	// TicketExists reports whether an identifier is already stored.
	TicketExists(ctx context.Context, id string) (bool, error)
}

// Allocator issues collision-free ticket identifiers, one sequence per
// calendar day in the configured time zone.
type Allocator struct {
	store  Store
	prefix string
	tz     *time.Location
	logger *zap.Logger
	now    func() time.Time
}

// NewAllocator creates an Allocator.
func NewAllocator(store Store, prefix string, tz *time.Location, logger *zap.Logger) *Allocator {
	return &Allocator{store: store, prefix: prefix, tz: tz, logger: logger, now: time.Now}
}

// Allocate returns a fresh identifier for today. Concurrent allocators race
// safely: each validates its candidate against the store and advances past
// collisions. If every retry collides, a sequence derived from microseconds
// since local midnight is issued; that value can collide, and the store's
// conditional create is the final arbiter.
func (a *Allocator) Allocate(ctx context.Context) (string, error) {
	today := a.now().In(a.tz)

	ids, err := a.store.ListTicketIDs(ctx, DatePrefix(a.prefix, today))
	if err != nil {
		return "", fmt.Errorf("list ticket ids: %w", err)
	}

	maxSeq := 0
	for _, id := range ids {
		if seq, ok := Sequence(id); ok && seq > maxSeq {
			maxSeq = seq
		}
	}

	for attempt := 0; attempt < maxAllocateRetries; attempt++ {
		candidate := Format(a.prefix, today, maxSeq+1+attempt)
		exists, err := a.store.TicketExists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("validate candidate %s: %w", candidate, err)
		}
		if !exists {
			return candidate, nil
		}
		a.logger.Warn("ticket candidate collision",
			zap.String("candidate", candidate),
			zap.Int("attempt", attempt+1))
	}

	fallback := Format(a.prefix, today, a.fallbackSequence(today))
	a.logger.Warn("ticket allocation fell back to time-derived sequence",
		zap.String("ticket_id", fallback))
	return fallback, nil
}

// fallbackSequence maps microseconds since local midnight into the 4-digit
// sequence space. Non-negative and bounded by construction.
func (a *Allocator) fallbackSequence(today time.Time) int {
	midnight := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, a.tz)
	micros := a.now().In(a.tz).Sub(midnight).Microseconds()
	return int(micros % 10000)
}
