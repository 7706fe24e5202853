package queue

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeriveIdempotencyKey maps a semantic seed to a stable opaque key: the
// first 128 bits of sha256(seed) rendered as a UUID string. Identical seeds
// always produce identical keys.
func DeriveIdempotencyKey(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	id, err := uuid.FromBytes(sum[:16])
	if err != nil {
		// uuid.FromBytes only fails on length, and the slice is fixed.
		panic(err)
	}
	return id.String()
}

// ScheduledRunKey is the idempotency key for a bot's scheduled slot. The
// slot time is normalized to UTC so the key does not depend on the zone the
// cursor was loaded in.
func ScheduledRunKey(botID string, scheduledFor time.Time) string {
	return DeriveIdempotencyKey(fmt.Sprintf("scheduled:%s:%s", botID, scheduledFor.UTC().Format(time.RFC3339)))
}
