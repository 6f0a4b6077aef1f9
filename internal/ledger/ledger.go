// Package ledger meters free-tier usage per user against weekly quotas.
package ledger

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Record is the persisted usage state for one user. WeekEpoch identifies the
// ISO week (Monday-based) the counters belong to; counters reset when the
// epoch rolls over, but BonusCredits have lifetime scope and carry forward.
type Record struct {
	ConversationCount int       `json:"conversationCount"`
	ImageCount        int       `json:"imageCount"`
	BonusCredits      int       `json:"bonusCredits"`
	WeekEpoch         string    `json:"weekEpoch"`
	CreatedAt         time.Time `json:"createdAt"`
	LastUpdated       time.Time `json:"lastUpdated"`
}

// Store persists records as opaque blobs keyed by user id. Load returns
// ok=false when no record exists. Save overwrites unconditionally: there is
// no compare-and-swap, so two concurrent read-modify-write cycles for one
// user can lose an increment. That under-counts (never over-counts) and is
// an accepted limitation.
type Store interface {
	Load(ctx context.Context, userID string) (Record, bool, error)
	Save(ctx context.Context, userID string, rec Record) error
}

// Limits are the free-tier quota ceilings.
type Limits struct {
	WeeklyConversations int
	WeeklyImages        int
}

// Snapshot is the caller-facing view of a user's quota state.
type Snapshot struct {
	ConversationCount int    `json:"conversationCount"`
	WeeklyLimit       int    `json:"weeklyLimit"`
	BonusCredits      int    `json:"bonusCredits"`
	Remaining         int    `json:"remaining"`
	ImageCount        int    `json:"imageCount"`
	ImageLimit        int    `json:"imageLimit"`
	ImageRemaining    int    `json:"imageRemaining"`
	WeekEpoch         string `json:"weekEpoch"`
}

// Ledger applies quota rules on top of a Store.
type Ledger struct {
	store  Store
	limits Limits
	now    func() time.Time
}

func New(store Store, limits Limits) *Ledger {
	return &Ledger{store: store, limits: limits, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// WeekEpoch formats t's ISO week as "2026-W05". ISO weeks start on Monday,
// so the counters roll over Monday 00:00.
func WeekEpoch(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// current loads the record for a user, creating a zeroed one under the
// current epoch if absent, and rolling the epoch over if stale. Rollover
// zeroes the weekly counters but carries BonusCredits forward.
func (l *Ledger) current(ctx context.Context, userID string) (Record, error) {
	epoch := WeekEpoch(l.now())

	rec, ok, err := l.store.Load(ctx, userID)
	if err != nil {
		return Record{}, fmt.Errorf("loading usage record: %w", err)
	}
	if !ok {
		now := l.now()
		return Record{WeekEpoch: epoch, CreatedAt: now, LastUpdated: now}, nil
	}
	if rec.WeekEpoch != epoch {
		rec = Record{
			BonusCredits: rec.BonusCredits,
			WeekEpoch:    epoch,
			CreatedAt:    rec.CreatedAt,
			LastUpdated:  l.now(),
		}
	}
	return rec, nil
}

// Snapshot returns the quota view for a user under the current epoch. The
// rolled-over state is not persisted here; charging persists it.
func (l *Ledger) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	rec, err := l.current(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	return l.snapshot(rec), nil
}

func (l *Ledger) snapshot(rec Record) Snapshot {
	allowance := l.limits.WeeklyConversations + rec.BonusCredits
	remaining := allowance - rec.ConversationCount
	if remaining < 0 {
		remaining = 0
	}
	imgRemaining := l.limits.WeeklyImages - rec.ImageCount
	if imgRemaining < 0 {
		imgRemaining = 0
	}
	return Snapshot{
		ConversationCount: rec.ConversationCount,
		WeeklyLimit:       l.limits.WeeklyConversations,
		BonusCredits:      rec.BonusCredits,
		Remaining:         remaining,
		ImageCount:        rec.ImageCount,
		ImageLimit:        l.limits.WeeklyImages,
		ImageRemaining:    imgRemaining,
		WeekEpoch:         rec.WeekEpoch,
	}
}

// CheckConversation reports whether the user may start another conversational
// completion this week.
func (l *Ledger) CheckConversation(ctx context.Context, userID string) (Snapshot, bool, error) {
	snap, err := l.Snapshot(ctx, userID)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, snap.Remaining > 0, nil
}

// ChargeConversation increments the conversation counter and persists the
// record, returning the post-charge snapshot.
func (l *Ledger) ChargeConversation(ctx context.Context, userID string) (Snapshot, error) {
	return l.charge(ctx, userID, func(rec *Record) {
		rec.ConversationCount++
	})
}

// ChargeImage increments the image counter and persists the record.
func (l *Ledger) ChargeImage(ctx context.Context, userID string) (Snapshot, error) {
	return l.charge(ctx, userID, func(rec *Record) {
		rec.ImageCount++
	})
}

// GrantBonus adds lifetime bonus credits to a user.
func (l *Ledger) GrantBonus(ctx context.Context, userID string, credits int) (Snapshot, error) {
	return l.charge(ctx, userID, func(rec *Record) {
		rec.BonusCredits += credits
	})
}

func (l *Ledger) charge(ctx context.Context, userID string, mutate func(*Record)) (Snapshot, error) {
	rec, err := l.current(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	mutate(&rec)
	rec.LastUpdated = l.now()
	if err := l.store.Save(ctx, userID, rec); err != nil {
		return Snapshot{}, fmt.Errorf("saving usage record: %w", err)
	}
	return l.snapshot(rec), nil
}

// ChargeConversationAsync persists a conversation charge on a detached
// context. Write failures are logged, never surfaced: the response has
// already been committed to the caller.
func (l *Ledger) ChargeConversationAsync(userID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := l.ChargeConversation(ctx, userID); err != nil {
			log.WithField("user_id", userID).Errorf("usage charge failed: %v", err)
		}
	}()
}
