package storage

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// shard is one slice of the keyspace with its own reader/writer lock.
type shard struct {
	mu   sync.RWMutex
	data map[string]*Entry
}

// Memory is the in-process keyspace. Keys are distributed across shards by
// hash; each shard serializes access with a single-writer/multi-reader
// lock, so concurrent writers to distinct keys rarely contend and a torn
// read is impossible.
//
// Expiry is passive: entries are checked against the wall clock when read
// and removed then. There is no background sweep.
type Memory struct {
	shards    []shard
	shardMask uint64
}

// MemoryOption configures a Memory instance.
type MemoryOption func(*Memory)

// WithShardCount sets the shard count, rounded up to the next power of two.
func WithShardCount(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			count := nextPowerOf2(n)
			m.shards = make([]shard, count)
			m.shardMask = uint64(count - 1)
		}
	}
}

// NewMemory creates an empty keyspace with 16 shards by default.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		shards:    make([]shard, 16),
		shardMask: 15,
	}
	for _, opt := range opts {
		opt(m)
	}
	for i := range m.shards {
		m.shards[i].data = make(map[string]*Entry)
	}
	return m
}

func nextPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	return n + 1
}

func (m *Memory) shardFor(key string) *shard {
	return &m.shards[xxhash.Sum64String(key)&m.shardMask]
}

// Get returns the payload for key unless absent or expired. An expired
// entry is deleted on access.
func (m *Memory) Get(key string) ([]byte, bool) {
	sh := m.shardFor(key)

	sh.mu.RLock()
	entry, ok := sh.data[key]
	if !ok {
		sh.mu.RUnlock()
		return nil, false
	}
	if entry.Expired(time.Now()) {
		sh.mu.RUnlock()
		m.deleteExpired(sh, key)
		return nil, false
	}
	// Copy out under the read lock so a concurrent overwrite of the same
	// key can never surface a torn value.
	out := make([]byte, len(entry.Data))
	copy(out, entry.Data)
	sh.mu.RUnlock()

	return out, true
}

// Set inserts or overwrites key, replacing any existing expiry.
func (m *Memory) Set(key string, value []byte, expireAt *time.Time) {
	entry := &Entry{
		Data:     append([]byte(nil), value...),
		ExpireAt: expireAt,
	}

	sh := m.shardFor(key)
	sh.mu.Lock()
	sh.data[key] = entry
	sh.mu.Unlock()
}

// Del removes keys and returns how many were present.
func (m *Memory) Del(keys ...string) int64 {
	var deleted int64
	for _, key := range keys {
		sh := m.shardFor(key)
		sh.mu.Lock()
		if _, ok := sh.data[key]; ok {
			delete(sh.data, key)
			deleted++
		}
		sh.mu.Unlock()
	}
	return deleted
}

// Exists counts how many of the given keys are live.
func (m *Memory) Exists(keys ...string) int64 {
	now := time.Now()
	var count int64
	for _, key := range keys {
		sh := m.shardFor(key)
		sh.mu.RLock()
		if entry, ok := sh.data[key]; ok && !entry.Expired(now) {
			count++
		}
		sh.mu.RUnlock()
	}
	return count
}

// Keys returns all live keys across every shard.
func (m *Memory) Keys() []string {
	now := time.Now()
	keys := make([]string, 0)
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.RLock()
		for key, entry := range sh.data {
			if !entry.Expired(now) {
				keys = append(keys, key)
			}
		}
		sh.mu.RUnlock()
	}
	return keys
}

// KeyCount returns the number of stored keys.
func (m *Memory) KeyCount() int64 {
	var count int64
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.RLock()
		count += int64(len(sh.data))
		sh.mu.RUnlock()
	}
	return count
}

// FlushAll discards every key in every shard.
func (m *Memory) FlushAll() {
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		sh.data = make(map[string]*Entry)
		sh.mu.Unlock()
	}
}

// deleteExpired removes key only if it is still expired under the write
// lock; a racing Set may have installed a fresh entry since the read.
func (m *Memory) deleteExpired(sh *shard, key string) {
	sh.mu.Lock()
	if entry, ok := sh.data[key]; ok && entry.Expired(time.Now()) {
		delete(sh.data, key)
	}
	sh.mu.Unlock()
}
