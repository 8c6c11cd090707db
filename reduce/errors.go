package reduce

import (
	"fmt"
	"time"
)

// A BarrierAbortError is returned from Reduce to every worker still
// waiting at the barrier when the group is aborted, so that no
// worker hangs on a peer that will never arrive.
type BarrierAbortError struct {
	// Cause is the error the group was aborted with.
	Cause error
}

func (b *BarrierAbortError) Error() string {
	return fmt.Sprintf("barrier aborted: %s", b.Cause)
}

func (b *BarrierAbortError) Unwrap() error {
	return b.Cause
}

// A WorkerTimeoutError is returned from Reduce when a worker's
// bounded barrier wait expires before all peers arrive. The group is
// aborted as a side effect.
type WorkerTimeoutError struct {
	Rank    int
	Step    int
	Timeout time.Duration
}

func (w *WorkerTimeoutError) Error() string {
	return fmt.Sprintf("rank %d timed out after %s waiting at the step %d barrier",
		w.Rank, w.Timeout, w.Step)
}
