package bridge

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrInvalidInput = errors.New("invalid input")

// Entry is one open-document record. The registry is best-effort telemetry
// for the /list endpoint: it may be stale or inconsistent across restarts
// and replicas, and locking decisions never read it — authority lives in
// the lock stored at the storage backend.
type Entry struct {
	SessionID string    `json:"sessionId"`
	DocID     string    `json:"docId"`
	FileName  string    `json:"fileName"`
	WriteMode bool      `json:"writeMode"`
	Dirty     bool      `json:"dirty"`
	TokenTail string    `json:"tokenTail"`
	OpenedAt  time.Time `json:"openedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Registry interface {
	// Record upserts by DocID, preserving the original session id and
	// open time when the document is already tracked.
	Record(entry Entry) error
	Forget(docID string) error
	List() ([]Entry, error)
}

type MemoryRegistry struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: map[string]Entry{}}
}

func (r *MemoryRegistry) Record(entry Entry) error {
	if entry.DocID == "" {
		return fmt.Errorf("%w: entry needs a document id", ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.DocID] = mergeEntry(r.entries[entry.DocID], entry)
	return nil
}

func (r *MemoryRegistry) Forget(docID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, docID)
	return nil
}

func (r *MemoryRegistry) List() ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].DocID < entries[j].DocID })
	return entries, nil
}

func mergeEntry(existing, incoming Entry) Entry {
	if existing.DocID == "" {
		return incoming
	}
	incoming.SessionID = existing.SessionID
	incoming.OpenedAt = existing.OpenedAt
	return incoming
}

// NewRegistryFromDSN picks a registry backend by DSN scheme. An empty DSN
// means the in-process memory registry; postgres DSNs get the shared
// backend so /list has cross-replica visibility.
func NewRegistryFromDSN(dsn string) (Registry, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryRegistry(), nil
	}
	scheme := dsn
	if idx := strings.Index(dsn, "://"); idx >= 0 {
		scheme = dsn[:idx]
	}
	switch strings.ToLower(scheme) {
	case "memory", "mem", "inmem":
		return NewMemoryRegistry(), nil
	case "postgres", "postgresql":
		return NewPostgresRegistry(dsn)
	default:
		return nil, fmt.Errorf("unsupported registry scheme: %s", scheme)
	}
}
