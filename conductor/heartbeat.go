// ABOUTME: Background lease renewal for the run lock while a tick is in flight.
// ABOUTME: After max consecutive refresh failures the on-failure callback fires exactly once and the timer stops.
package conductor

import (
	"sync"
	"time"
)

// HeartbeatConfig controls lease renewal for one held lock.
type HeartbeatConfig struct {
	Interval    time.Duration
	Lease       time.Duration
	MaxFailures int
	// OnFailure is invoked exactly once when MaxFailures consecutive
	// refreshes have failed. The caller must treat this as "the run may no
	// longer be safely owned" and stop writing.
	OnFailure func(err error)
}

// Heartbeat renews a lock lease on a timer. It is the only background
// goroutine in the system and lives no longer than one tick.
type Heartbeat struct {
	handle   *LockHandle
	cfg      HeartbeatConfig
	stop     chan struct{}
	stopOnce sync.Once
	failOnce sync.Once
	done     chan struct{}
}

// StartHeartbeat begins renewing the lease on handle. Stop must be called
// before the lock is released.
func StartHeartbeat(handle *LockHandle, cfg HeartbeatConfig) *Heartbeat {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	h := &Heartbeat{
		handle: handle,
		cfg:    cfg,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go h.loop()
	return h
}

// Stop halts renewal. Safe to call more than once; returns after the
// renewal goroutine has exited.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

func (h *Heartbeat) loop() {
	defer close(h.done)

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			err := h.handle.Refresh(h.cfg.Lease)
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= h.cfg.MaxFailures {
				h.failOnce.Do(func() {
					if h.cfg.OnFailure != nil {
						h.cfg.OnFailure(err)
					}
				})
				return
			}
		}
	}
}
