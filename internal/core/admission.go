package core

// admission.go implements the single ingestion slot.
//
// The slot is a channel semaphore of capacity one. Each successful acquire
// returns a token; Release only frees the slot when the token still matches
// the holder. ResetLock force-frees the slot and bumps the generation, so the
// previously running job's own Release becomes a no-op instead of freeing a
// slot that a newer job may already hold.

import (
	"context"
	"sync"
	"time"
)

// slotToken identifies one acquisition of the admission slot.
type slotToken uint64

// AdmissionSlot admits at most one job at a time.
type AdmissionSlot struct {
	sem chan struct{}

	mu     sync.Mutex
	holder slotToken // 0 when free
	jobID  JobID
	next   slotToken
	since  time.Time
}

// NewAdmissionSlot returns a free slot.
func NewAdmissionSlot() *AdmissionSlot {
	return &AdmissionSlot{sem: make(chan struct{}, 1)}
}

// TryAcquire claims the slot for id without blocking. ok is false when
// another job holds it.
func (s *AdmissionSlot) TryAcquire(id JobID) (tok slotToken, ok bool) {
	select {
	case s.sem <- struct{}{}:
	default:
		return 0, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.holder = s.next
	s.jobID = id
	s.since = time.Now()
	return s.holder, true
}

// Release frees the slot if tok is still the holder. It reports whether the
// slot was freed; a stale token (after ResetLock) returns false.
func (s *AdmissionSlot) Release(tok slotToken) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok == 0 || s.holder != tok {
		return false
	}
	s.clearLocked()
	return true
}

// Reset frees the slot regardless of holder and returns the prior state.
func (s *AdmissionSlot) Reset() LockState {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := LockState{Locked: s.holder != 0, JobID: s.jobID}
	if s.holder != 0 {
		s.clearLocked()
	}
	return prev
}

func (s *AdmissionSlot) clearLocked() {
	s.holder = 0
	s.jobID = ""
	s.since = time.Time{}
	<-s.sem
}

// State returns the current holder.
func (s *AdmissionSlot) State() LockState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return LockState{Locked: s.holder != 0, JobID: s.jobID}
}

// HeldFor returns how long the current holder has held the slot.
func (s *AdmissionSlot) HeldFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder == 0 {
		return 0
	}
	return time.Since(s.since)
}

// WaitForDrain blocks until the slot is free or ctx is done.
func (s *AdmissionSlot) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !s.State().Locked {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
