// Package storage implements the in-memory keyspace shared by every
// connection: a hash-sharded map from key to entry with optional absolute
// expiry, guarded per shard by a single-writer/multi-reader lock.
package storage
