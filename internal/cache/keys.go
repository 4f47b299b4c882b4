// Package cache provides Redis-based caching for the event gateway.
//
// This file defines the Redis key namespace. EnrichmentLockKey backs the
// Auth Event Processor's in-flight enrichment lock when Redis is enabled.
// The idempotency and donation key helpers are not used by the Session
// Store, whose idempotency KV is kept in its own event log, not in Redis.
//
// Key Naming Convention:
//   - Format: {prefix}:{identifier}
//   - Example: idem:donation:order:42
//   - Example: enrich:7:s1
package cache

import "fmt"

// Key prefixes for different resource types
const (
	PrefixIdempotency = "idem"
	PrefixEnrichment  = "enrich"
	PrefixDonation    = "donation"
)

// IdempotencyKey namespaces an opaque idempotency key (e.g. "donation:order:42").
func IdempotencyKey(key string) string {
	return fmt.Sprintf("%s:%s", PrefixIdempotency, key)
}

// EnrichmentLockKey identifies the in-flight DB WS enrichment lock for a
// (user_id, session_id) pair, used to collapse concurrent duplicate requests.
func EnrichmentLockKey(userID, sessionID string) string {
	return fmt.Sprintf("%s:%s:%s", PrefixEnrichment, userID, sessionID)
}

// DonationOrderKey namespaces an idempotency key for a processed donation order.
func DonationOrderKey(orderID string) string {
	return fmt.Sprintf("%s:order:%s", PrefixDonation, orderID)
}

// DonationSnapshotKey namespaces an idempotency key for a processed stats snapshot.
func DonationSnapshotKey(timestamp string) string {
	return fmt.Sprintf("%s:snapshot:%s", PrefixDonation, timestamp)
}
