// Package wopilock encodes, decodes, and validates the write locks the
// bridge stores at the WOPI backend. The backend treats the lock value as
// opaque; the wire format (url-safe base64 of a JSON record whose lock_id
// carries the bridge payload) is shared with other tooling and must stay
// stable across versions.
package wopilock

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultOwnerApp is the shared generic owner name. A lock owned by it (or
// with an empty owner) is compatible with any requesting app.
const DefaultOwnerApp = "wopi"

// lockTypeWrite matches LOCK_TYPE_WRITE in the backend's lock API.
const lockTypeWrite = 2

var (
	ErrLockCorrupted = errors.New("lock corrupted")
	ErrLockConflict  = errors.New("lock conflict")
)

// BridgeLock is the bridge's correlation payload, carried inside the remote
// lock's lock_id field. It is a plain value; derive modified copies with
// WithDirty rather than mutating.
type BridgeLock struct {
	DocID    string `json:"docid"`
	FileName string `json:"filename"`
	IsSlide  bool   `json:"isslide"`
	IsDirty  bool   `json:"isdirty"`
}

// WithDirty returns a copy of the payload with the dirty flag replaced.
func (p BridgeLock) WithDirty(dirty bool) BridgeLock {
	next := p
	next.IsDirty = dirty
	return next
}

type lockExpiration struct {
	Seconds int64 `json:"seconds"`
}

// RemoteLock is the decoded form of the lock record stored at the backend.
type RemoteLock struct {
	LockID     string         `json:"lock_id"`
	Type       int            `json:"type"`
	AppName    string         `json:"app_name"`
	User       map[string]any `json:"user"`
	Expiration lockExpiration `json:"expiration"`

	// Payload is the BridgeLock recovered from LockID.
	Payload BridgeLock `json:"-"`
}

// Expired reports whether the lock's absolute expiration has passed.
func (l *RemoteLock) Expired(now time.Time) bool {
	return now.Unix() > l.Expiration.Seconds
}

// Encode produces the opaque lock value for the given payload. The owner
// defaults to DefaultOwnerApp when empty. Expiration is always derived here
// as now + ttl so callers cannot mint arbitrarily long-lived locks.
func Encode(ownerApp string, payload BridgeLock, ttl time.Duration) (string, error) {
	if ownerApp == "" {
		ownerApp = DefaultOwnerApp
	}
	lockID, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling lock payload: %w", err)
	}
	record := RemoteLock{
		LockID:  string(lockID),
		Type:    lockTypeWrite,
		AppName: ownerApp,
		User:    map[string]any{},
		Expiration: lockExpiration{
			Seconds: time.Now().Add(ttl).Unix(),
		},
	}
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("marshaling lock record: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// Decode parses an opaque lock value back into a RemoteLock, including the
// BridgeLock payload held in lock_id. Any framing or parse failure yields
// ErrLockCorrupted: an unreadable lock means "lock corrupted", never
// "no lock".
func Decode(raw string) (*RemoteLock, error) {
	// Peers strip base64 padding; accept both padded and unpadded input.
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid framing: %v", ErrLockCorrupted, err)
	}
	var record RemoteLock
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: invalid record: %v", ErrLockCorrupted, err)
	}
	if record.LockID == "" {
		return nil, fmt.Errorf("%w: empty lock_id", ErrLockCorrupted)
	}
	if err := json.Unmarshal([]byte(record.LockID), &record.Payload); err != nil {
		return nil, fmt.Errorf("%w: invalid payload: %v", ErrLockCorrupted, err)
	}
	return &record, nil
}
