// ABOUTME: Advisory run lock: one lease-bounded lock file per run root, reclaimed when stale.
// ABOUTME: An unreadable or expired lock file is never reported as held; it is deleted and re-acquired.
package conductor

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// LockFile is the on-disk representation of the run lock.
type LockFile struct {
	SchemaVersion string `json:"schema_version"`
	OwnerID       string `json:"owner_id"`
	AcquiredAt    string `json:"acquired_at"`
	ExpiresAt     string `json:"expires_at"`
	Reason        string `json:"reason,omitempty"`
}

// LockHandle represents ownership of an acquired run lock.
type LockHandle struct {
	path    string
	OwnerID string
	now     func() time.Time
}

// acquireAttempts bounds the reclaim-and-retry loop so two processes racing
// over a stale lock cannot spin forever.
const acquireAttempts = 3

// AcquireLock attempts to take exclusive ownership of the run lock. On
// conflict the existing lock file is inspected: if it is unreadable,
// unparsable, or past its expires_at, it is deleted and acquisition retried
// regardless of the owner recorded in it. A live lock yields LOCK_HELD.
func AcquireLock(runRoot string, lease time.Duration, reason string) (*LockHandle, error) {
	return acquireLockAt(runRoot, lease, reason, time.Now)
}

func acquireLockAt(runRoot string, lease time.Duration, reason string, now func() time.Time) (*LockHandle, error) {
	if lease <= 0 {
		return nil, Errf(CodeInvalidArgs, "lock lease must be positive, got %v", lease)
	}
	path := LockPath(runRoot)
	ownerID := uuid.NewString()

	for attempt := 0; attempt < acquireAttempts; attempt++ {
		created, err := tryCreateLock(path, ownerID, lease, reason, now())
		if err != nil {
			return nil, err
		}
		if created {
			return &LockHandle{path: path, OwnerID: ownerID, now: now}, nil
		}

		existing, readErr := readLockFile(path)
		if readErr != nil {
			// Corrupt or vanished lock file: reclaim and retry.
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return nil, fmt.Errorf("reclaim unreadable lock: %w", rmErr)
			}
			continue
		}

		expires, parseErr := time.Parse(timeFormat, existing.ExpiresAt)
		if parseErr != nil || !now().Before(expires) {
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return nil, fmt.Errorf("reclaim expired lock: %w", rmErr)
			}
			continue
		}

		return nil, Errf(CodeLockHeld, "run lock held by %s until %s",
			existing.OwnerID, existing.ExpiresAt)
	}

	return nil, Errf(CodeLockHeld, "run lock could not be acquired after %d attempts", acquireAttempts)
}

// tryCreateLock attempts exclusive creation of the lock file. Returns false
// without error when the file already exists.
func tryCreateLock(path, ownerID string, lease time.Duration, reason string, now time.Time) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create lock file: %w", err)
	}

	lf := LockFile{
		SchemaVersion: LockSchemaVersion,
		OwnerID:       ownerID,
		AcquiredAt:    now.UTC().Format(timeFormat),
		ExpiresAt:     now.UTC().Add(lease).Format(timeFormat),
		Reason:        reason,
	}
	data, err := marshalIndented(lf)
	if err != nil {
		f.Close()
		os.Remove(path)
		return false, err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return false, fmt.Errorf("write lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return false, fmt.Errorf("close lock file: %w", err)
	}
	return true, nil
}

// Refresh extends the lease, rewriting expires_at. The caller must still own
// the lock: a missing file is LOCK_NOT_HELD, a different owner LOCK_NOT_OWNED.
func (h *LockHandle) Refresh(lease time.Duration) error {
	existing, err := readLockFile(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Errf(CodeLockNotHeld, "run lock file is gone")
		}
		return Wrap(CodeLockNotHeld, err, "run lock file unreadable")
	}
	if existing.OwnerID != h.OwnerID {
		return Errf(CodeLockNotOwned, "run lock now owned by %s", existing.OwnerID)
	}

	existing.ExpiresAt = h.now().UTC().Add(lease).Format(timeFormat)
	if err := writeJSONAtomic(h.path, existing); err != nil {
		return fmt.Errorf("refresh lock: %w", err)
	}
	return nil
}

// Release deletes the lock file if this handle still owns it.
func (h *LockHandle) Release() error {
	existing, err := readLockFile(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Errf(CodeLockNotHeld, "run lock already released")
		}
		return Wrap(CodeLockNotHeld, err, "run lock file unreadable")
	}
	if existing.OwnerID != h.OwnerID {
		return Errf(CodeLockNotOwned, "run lock now owned by %s", existing.OwnerID)
	}
	if err := os.Remove(h.path); err != nil {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// ReadLock returns the current lock file contents, or nil when the lock is
// not held. Used by triage and status to report lock state.
func ReadLock(runRoot string) (*LockFile, error) {
	lf, err := readLockFile(LockPath(runRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return lf, nil
}

// Expired reports whether the lock's lease has lapsed at the given instant.
// An unparsable expiry counts as expired.
func (lf *LockFile) Expired(now time.Time) bool {
	expires, err := time.Parse(timeFormat, lf.ExpiresAt)
	if err != nil {
		return true
	}
	return !now.Before(expires)
}

func readLockFile(path string) (*LockFile, error) {
	var lf LockFile
	if err := readJSONFile(path, &lf); err != nil {
		return nil, err
	}
	if lf.OwnerID == "" {
		return nil, fmt.Errorf("lock file has no owner_id")
	}
	return &lf, nil
}
