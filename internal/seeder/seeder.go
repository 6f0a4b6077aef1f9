package seeder

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/fluxnote/llm-gateway/internal/ledger"
)

const (
	TestUserID       = "00000000-0000-0000-0000-000000000001"
	TestBonusCredits = 50
)

// SeedTestUser grants the well-known test user a block of bonus credits so
// local clients can exercise the free tier without hitting the weekly
// limit. Re-running is harmless: an already-seeded user is left alone.
func SeedTestUser(ctx context.Context, l *ledger.Ledger) {
	snap, err := l.Snapshot(ctx, TestUserID)
	if err != nil {
		log.Errorf("[Seeder] could not read test user record: %v", err)
		return
	}
	if snap.BonusCredits >= TestBonusCredits {
		log.Infof("[Seeder] test user already seeded, skipping")
		return
	}

	after, err := l.GrantBonus(ctx, TestUserID, TestBonusCredits-snap.BonusCredits)
	if err != nil {
		log.Errorf("[Seeder] bonus grant failed: %v", err)
		return
	}
	log.Infof("[Seeder] test user seeded successfully")
	log.Infof("[Seeder] UserID: %s", TestUserID)
	log.Infof("[Seeder] BonusCredits: %d", after.BonusCredits)
}
