package store

// KeyPrefix namespaces stored results.
const KeyPrefix = "batch:result:"

// Key returns the Redis key for batchID.
//
// Example:
//
//	batch:result:nightly-42
func Key(batchID string) string {
	return KeyPrefix + batchID
}
