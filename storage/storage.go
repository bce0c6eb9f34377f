package storage

import "time"

// Store is the interface the connection handler and replication apply path
// execute against. Implementations must be safe for concurrent use: every
// command is atomic with respect to the keyspace, and a Get always observes
// the most recently completed Set for that key.
type Store interface {
	// Get returns the payload for key, or false when absent or expired.
	// An expired entry is treated as absent and removed on access.
	Get(key string) ([]byte, bool)

	// Set inserts or overwrites key unconditionally, replacing any
	// existing expiry. A nil expiry means the entry never expires.
	Set(key string, value []byte, expireAt *time.Time)

	// Del removes keys, returning how many existed.
	Del(keys ...string) int64

	// Exists counts how many of the given keys are present and live.
	Exists(keys ...string) int64

	// Keys returns all live keys.
	Keys() []string

	// KeyCount returns the number of stored keys, expired entries included
	// until their lazy removal.
	KeyCount() int64

	// FlushAll discards the entire keyspace.
	FlushAll()
}

// Entry is one stored value: the payload plus an optional absolute expiry
// instant. Entries are never mutated in place; Set installs a fresh one.
type Entry struct {
	Data     []byte
	ExpireAt *time.Time
}

// Expired reports whether the entry's deadline has passed at instant now.
// Expiry is evaluated against the access-time clock, never re-derived.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpireAt != nil && !now.Before(*e.ExpireAt)
}
