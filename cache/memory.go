package cache

import (
	"context"
	"github.com/hauke96/sigolo/v2"
	"math"
	"sort"
	"sync"
)

type memoryEntry struct {
	entry    Entry
	sequence uint64 // Write order, breaks ties between equal timestamps
}

// MemoryStore keeps the entries in a map. It has an internal locking mechanism and can be used in concurrent
// goroutines. Nothing survives the process, which makes it useful for tests and one-shot commands.
type MemoryStore struct {
	entries  map[string]*memoryEntry
	sequence uint64
	mutex    *sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: map[string]*memoryEntry{},
		mutex:   &sync.Mutex{},
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stored, ok := s.entries[key]
	if !ok {
		return nil, nil
	}

	entry := stored.entry
	entry.Data = append([]byte{}, stored.entry.Data...)
	return &entry, nil
}

func (s *MemoryStore) Put(_ context.Context, entry Entry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if existing, ok := s.entries[entry.Key]; ok && existing.entry.Timestamp > entry.Timestamp {
		sigolo.Debugf("Keep newer entry for '%s' (%d > %d)", entry.Key, existing.entry.Timestamp, entry.Timestamp)
		return nil
	}

	entry.Data = append([]byte{}, entry.Data...)
	s.sequence++
	s.entries[entry.Key] = &memoryEntry{entry: entry, sequence: s.sequence}

	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return len(s.entries), nil
}

func (s *MemoryStore) Evict(_ context.Context, maxEntries int) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	evicted := 0
	for len(s.entries) > maxEntries {
		// Cache is full -> evict entry that has been written the longest time ago
		delete(s.entries, s.getMinEntry())
		evicted++
	}

	return evicted, nil
}

// getMinEntry returns the key of the oldest entry. This function does NOT use locking and is meant for internal use
// only!
func (s *MemoryStore) getMinEntry() string {
	minTimestamp := int64(math.MaxInt64)
	minSequence := uint64(math.MaxUint64)
	minKey := ""

	for key, stored := range s.entries {
		timestamp := stored.entry.Timestamp
		if timestamp < minTimestamp || (timestamp == minTimestamp && stored.sequence < minSequence) {
			minTimestamp = timestamp
			minSequence = stored.sequence
			minKey = key
		}
	}

	return minKey
}

func (s *MemoryStore) List(_ context.Context) ([]Entry, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stored := make([]*memoryEntry, 0, len(s.entries))
	for _, e := range s.entries {
		stored = append(stored, e)
	}
	sort.Slice(stored, func(i, j int) bool {
		if stored[i].entry.Timestamp == stored[j].entry.Timestamp {
			return stored[i].sequence < stored[j].sequence
		}
		return stored[i].entry.Timestamp < stored[j].entry.Timestamp
	})

	entries := make([]Entry, len(stored))
	for i, e := range stored {
		entries[i] = e.entry
	}
	return entries, nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.entries = map[string]*memoryEntry{}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
