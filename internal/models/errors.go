package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAlreadySyncing       = errors.New("sync already in progress")
	ErrRateLimitExceeded    = errors.New("manual sync quota exceeded")
	ErrProviderNotConnected = errors.New("provider not connected")
	ErrStoreUnavailable     = errors.New("store unavailable")
	ErrQueueEmpty           = errors.New("queue empty")
	ErrRecordNotFound       = errors.New("sync record not found")

	// ErrRecordFinalized is returned when a write targets a record that already reached a terminal state.
	ErrRecordFinalized   = errors.New("sync record already finalized")
	ErrInvalidTransition = errors.New("invalid sync status transition")

	// ErrDuplicateJob names the dedup conflict of the queue. Enqueue returns the existing handle
	// with Existing set instead, so nothing returns it; it is kept for callers matching on it.
	ErrDuplicateJob = errors.New("duplicate job")
)

// RateLimitError carries the quota details of a rejected manual sync.
type RateLimitError struct {
	Quota   int
	Count   int
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("manual sync quota exceeded: %d/%d used, resets at %s",
		e.Count, e.Quota, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// Unavailable wraps a backing-store failure so callers can match ErrStoreUnavailable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
