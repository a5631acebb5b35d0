// Package store contains the per-node storage engine: an in-memory map of
// materialized values layered over an append-only write-ahead log.
//
// The map is a cache, not the source of truth. After a restart it starts
// empty and is repopulated lazily by reads through cluster recovery, which
// combines this node's WAL shard with shards gathered from peers. Durability is
// orchestrated by the node: ProcessRequest alone never touches disk, so the
// leader can answer GETs without I/O, and the node decides when a shard is
// persisted relative to the accept broadcast.
package store

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"paxos-kvstore/internal/protocol"
)

// Store is the in-memory key → value cache plus the node's WAL.
// Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	data map[string]string
	wal  *WAL
}

// New creates a Store whose WAL lives at walPath.
func New(walPath string, logger *zap.Logger) *Store {
	return &Store{
		data: make(map[string]string),
		wal:  NewWAL(walPath, logger),
	}
}

// WAL exposes the underlying log for recovery reads.
func (s *Store) WAL() *WAL { return s.wal }

// Set inserts or overwrites a key in the cache.
func (s *Store) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

// Get returns the cached value, or the empty string when absent.
func (s *Store) Get(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[key]
}

// Remove drops a key from the cache. Followers use this to evict stale
// entries when the leader accepts a new value, so the next read goes through
// the WAL and, if needed, cluster recovery.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// Keys returns the cached keys.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

// ProcessRequest applies op to the in-memory map and returns the
// human-readable reply line. GET of an absent key returns the empty string,
// which callers use as the trigger for cluster recovery. No WAL write
// happens here.
func (s *Store) ProcessRequest(op protocol.Operation) string {
	switch op.Type {
	case protocol.OpBad:
		return "Bad command received\n"
	case protocol.OpPing:
		return "PONG\n"
	case protocol.OpGet:
		value := s.Get(op.KV.Key)
		if value == "" {
			return ""
		}
		return fmt.Sprintf("%s\n", value)
	case protocol.OpSet:
		s.Set(op.KV.Key, string(op.KV.Value))
		return "OK\n"
	case protocol.OpDelete:
		s.Remove(op.KV.Key)
		return "OK\n"
	default:
		return "Bad command received\n"
	}
}

// Persist appends op to the WAL when it is a SET or DEL; other op types are
// a no-op. The value carried in op is whatever the node decided to store
// durably — the full value in replication mode, this node's shard in
// erasure-coding mode.
func (s *Store) Persist(op protocol.Operation) error {
	if !op.Type.Mutates() {
		return nil
	}
	return s.wal.Append(op.Type, op.KV)
}
