// ABOUTME: Tests for the lease-based run lock: acquire, stale reclaim, refresh, release, heartbeat.
// ABOUTME: Covers corrupt lock files, expired leases, ownership checks, and the one-shot failure callback.
package conductor

import (
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireAndRelease(t *testing.T) {
	root := t.TempDir()

	h, err := AcquireLock(root, time.Minute, "test")
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if h.OwnerID == "" {
		t.Error("expected a non-empty owner id")
	}

	lf, err := ReadLock(root)
	if err != nil {
		t.Fatal(err)
	}
	if lf == nil || lf.OwnerID != h.OwnerID {
		t.Errorf("lock file owner: got %+v, want owner %s", lf, h.OwnerID)
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	lf, _ = ReadLock(root)
	if lf != nil {
		t.Error("lock file should be gone after release")
	}
}

func TestAcquireHeldLock(t *testing.T) {
	root := t.TempDir()

	h, err := AcquireLock(root, time.Minute, "first")
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release()

	_, err = AcquireLock(root, time.Minute, "second")
	if err == nil {
		t.Fatal("expected LOCK_HELD for a live lock")
	}
	if !HasCode(err, CodeLockHeld) {
		t.Errorf("code: got %s, want LOCK_HELD", CodeOf(err))
	}
}

func TestAcquireReclaimsCorruptLock(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(LockPath(root), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	h, err := AcquireLock(root, time.Minute, "reclaim")
	if err != nil {
		t.Fatalf("acquire over corrupt lock should succeed, got %v", err)
	}
	h.Release()
}

func TestAcquireReclaimsExpiredLock(t *testing.T) {
	root := t.TempDir()

	past := time.Now().Add(-time.Hour)
	created, err := tryCreateLock(LockPath(root), "dead-owner", time.Minute, "old", past)
	if err != nil || !created {
		t.Fatalf("seed expired lock: created=%v err=%v", created, err)
	}

	h, err := AcquireLock(root, time.Minute, "reclaim")
	if err != nil {
		t.Fatalf("acquire over expired lock should succeed, got %v", err)
	}
	if h.OwnerID == "dead-owner" {
		t.Error("expected a fresh owner id")
	}
	h.Release()
}

func TestRefreshExtendsLease(t *testing.T) {
	root := t.TempDir()

	h, err := AcquireLock(root, time.Second, "test")
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release()

	before, _ := ReadLock(root)
	if err := h.Refresh(time.Hour); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	after, _ := ReadLock(root)
	if after.ExpiresAt <= before.ExpiresAt {
		t.Errorf("expires_at not extended: %s -> %s", before.ExpiresAt, after.ExpiresAt)
	}
}

func TestRefreshAfterUsurpation(t *testing.T) {
	root := t.TempDir()

	h, err := AcquireLock(root, time.Minute, "test")
	if err != nil {
		t.Fatal(err)
	}
	// Another process reclaims and takes the lock.
	os.Remove(LockPath(root))
	h2, err := AcquireLock(root, time.Minute, "usurper")
	if err != nil {
		t.Fatal(err)
	}
	defer h2.Release()

	err = h.Refresh(time.Minute)
	if !HasCode(err, CodeLockNotOwned) {
		t.Errorf("refresh by old owner: got %v, want LOCK_NOT_OWNED", err)
	}
	err = h.Release()
	if !HasCode(err, CodeLockNotOwned) {
		t.Errorf("release by old owner: got %v, want LOCK_NOT_OWNED", err)
	}
}

func TestReleaseWithoutLock(t *testing.T) {
	root := t.TempDir()
	h, err := AcquireLock(root, time.Minute, "test")
	if err != nil {
		t.Fatal(err)
	}
	os.Remove(LockPath(root))

	err = h.Release()
	if !HasCode(err, CodeLockNotHeld) {
		t.Errorf("got %v, want LOCK_NOT_HELD", err)
	}
}

func TestHeartbeatOnFailureFiresOnce(t *testing.T) {
	root := t.TempDir()
	h, err := AcquireLock(root, time.Minute, "test")
	if err != nil {
		t.Fatal(err)
	}
	// Remove the lock so every refresh fails.
	os.Remove(LockPath(root))

	var calls atomic.Int32
	done := make(chan struct{})
	hb := StartHeartbeat(h, HeartbeatConfig{
		Interval:    5 * time.Millisecond,
		Lease:       time.Minute,
		MaxFailures: 3,
		OnFailure: func(err error) {
			if calls.Add(1) == 1 {
				close(done)
			}
		},
	})
	defer hb.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("on_failure never fired")
	}
	// Give the loop time to (incorrectly) fire again if it were going to.
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("on_failure calls: got %d, want 1", got)
	}
}

func TestHeartbeatRecoversAfterTransientFailure(t *testing.T) {
	root := t.TempDir()
	h, err := AcquireLock(root, time.Minute, "test")
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release()

	var fired atomic.Bool
	hb := StartHeartbeat(h, HeartbeatConfig{
		Interval:    5 * time.Millisecond,
		Lease:       time.Minute,
		MaxFailures: 100,
		OnFailure:   func(err error) { fired.Store(true) },
	})
	time.Sleep(50 * time.Millisecond)
	hb.Stop()

	if fired.Load() {
		t.Error("on_failure fired for a healthy lock")
	}
}
