package wopilock

import "fmt"

// ConflictError reports a lock ownership or liveness refusal.
type ConflictError struct {
	Op     string
	Owner  string
	Reason string
}

func (e *ConflictError) Error() string {
	if e.Op == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s refused: %s", e.Op, e.Reason)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrLockConflict
}

// Validate applies the backend's ownership rules to an already-decoded lock.
// A nil lock stands for "missing or unparsable". Locks owned by the shared
// "wopi" name or with an empty owner are compatible with any requester; this
// only prevents accidental cross-app clobbering, it is not an access-control
// mechanism.
func Validate(existing *RemoteLock, requestingApp, op string) error {
	if existing == nil {
		return &ConflictError{Op: op, Reason: "not locked or expired"}
	}
	owner := existing.AppName
	if owner != "" && requestingApp != "" &&
		owner != DefaultOwnerApp && requestingApp != DefaultOwnerApp &&
		owner != requestingApp {
		return &ConflictError{Op: op, Owner: owner, Reason: "locked by " + owner}
	}
	return nil
}
