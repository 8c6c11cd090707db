package train

import "fmt"

// A ConfigMismatchError is returned before any worker is spawned
// when the requested world size does not match the number of
// available devices. It is never retried: in the wild this exact
// mismatch takes down every worker at once, so the run refuses to
// start.
type ConfigMismatchError struct {
	WorldSize int
	Devices   int
}

func (c *ConfigMismatchError) Error() string {
	return fmt.Sprintf("train: world size %d does not match %d available device(s)",
		c.WorldSize, c.Devices)
}

// A WorkerCrashError reports the first fatal fault of a run, with
// the rank it originated on. Peer workers are torn down as a
// consequence; their barrier-abort errors are not reported
// separately.
type WorkerCrashError struct {
	Rank int
	Err  error
}

func (w *WorkerCrashError) Error() string {
	return fmt.Sprintf("train: rank %d failed: %s", w.Rank, w.Err)
}

func (w *WorkerCrashError) Unwrap() error {
	return w.Err
}
