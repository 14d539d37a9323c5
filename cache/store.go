package cache

import (
	"context"
	"fmt"
	"github.com/pkg/errors"
	"regexp"
	"strings"
)

const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
	BackendNone   = "none"
)

var namespaceRegex = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Entry is one cached response. There is at most one entry per key.
type Entry struct {
	Key       string
	Data      []byte
	Timestamp int64  // UTC millis of the last write
	Version   string // Version tag of the data, empty for unversioned entries
}

// Store is the local persistence of cache entries. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the entry for the key or nil if there is none.
	Get(ctx context.Context, key string) (*Entry, error)

	// Put inserts or replaces the entry with the same key. An existing entry with a newer timestamp is kept, so that
	// the write which started last wins even when writes finish out of order.
	Put(ctx context.Context, entry Entry) error

	Delete(ctx context.Context, key string) error

	Count(ctx context.Context) (int, error)

	// Evict removes the oldest entries until at most maxEntries are left. It returns the number of removed entries.
	Evict(ctx context.Context, maxEntries int) (int, error)

	// List returns all entries, oldest first.
	List(ctx context.Context) ([]Entry, error)

	Clear(ctx context.Context) error

	Close() error
}

// TableName returns the name of the table (or bucket) holding the entries of the given namespace and schema version.
// Different schema versions never share entries.
func TableName(namespace string, schemaVersion int) (string, error) {
	if !namespaceRegex.MatchString(namespace) {
		return "", errors.Errorf("Invalid cache namespace '%s': only letters, digits and '_' are allowed", namespace)
	}
	if schemaVersion < 0 {
		return "", errors.Errorf("Invalid cache schema version %d", schemaVersion)
	}
	return fmt.Sprintf("%s_v%d", namespace, schemaVersion), nil
}

// OpenStore creates the store for the given backend. The "none" backend returns a nil store, which disables caching.
func OpenStore(ctx context.Context, backend string, path string, namespace string, schemaVersion int) (Store, error) {
	switch strings.ToLower(backend) {
	case BackendSQLite, "":
		store, err := OpenSQLiteStore(ctx, path, namespace, schemaVersion)
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendNone:
		return nil, nil
	}
	return nil, errors.Errorf("Unknown cache backend '%s'", backend)
}

// StorageError wraps every failure of a store. These errors never leave the cache, they are logged and the operation
// is treated like a cache miss.
type StorageError struct {
	Operation string
	Key       string
	cause     error
}

func newStorageError(operation string, key string, cause error) *StorageError {
	return &StorageError{
		Operation: operation,
		Key:       key,
		cause:     cause,
	}
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("Cache storage failed to %s: %s", e.Operation, e.cause)
	}
	return fmt.Sprintf("Cache storage failed to %s '%s': %s", e.Operation, e.Key, e.cause)
}

func (e *StorageError) Unwrap() error {
	return e.cause
}
