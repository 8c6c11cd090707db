package train

import (
	"fmt"
	"runtime"
)

// A StartStrategy determines how worker execution contexts are
// launched. Orchestration logic is independent of the choice.
type StartStrategy int

const (
	// StartGoroutine runs each worker on a plain goroutine.
	StartGoroutine StartStrategy = iota

	// StartLockedThread pins each worker's goroutine to its own
	// OS thread for the lifetime of the run. Accelerator runtimes
	// that bind device contexts to threads need this.
	StartLockedThread
)

func (s StartStrategy) String() string {
	switch s {
	case StartGoroutine:
		return "goroutine"
	case StartLockedThread:
		return "locked-thread"
	}
	return fmt.Sprintf("StartStrategy(%d)", int(s))
}

// wrap adapts a worker body to the strategy.
func (s StartStrategy) wrap(f func() error) func() error {
	switch s {
	case StartGoroutine:
		return f
	case StartLockedThread:
		return func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			return f()
		}
	}
	panic(fmt.Sprintf("train: unknown start strategy %v", s))
}
