package train

import (
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"
)

// A Reporter is a capability for observing a run's progress. The
// coordinator hands it to the rank-0 worker only, so concurrent
// workers never interleave output; reporting has no effect on the
// mathematical outcome of the run.
type Reporter interface {
	// Start announces the total number of steps in the run.
	Start(totalSteps int)

	// Report is called after a step commits, with the zero-based
	// step index and the leader's local loss.
	Report(step int, loss float64)

	// Finish is called once, when the leader's loop ends for any
	// reason.
	Finish()
}

// NopReporter discards all reports. Non-leader workers hold one.
type NopReporter struct{}

func (NopReporter) Start(int) {}

func (NopReporter) Report(int, float64) {}

func (NopReporter) Finish() {}

// NewFractionReporter gates a Reporter so that only every
// ⌊total*fraction⌋-th step is forwarded: with 468 total steps and a
// fraction of 1/10, reports fire at steps 46, 92, ..., 460.
func NewFractionReporter(inner Reporter, fraction float64) Reporter {
	return &fractionReporter{inner: inner, fraction: fraction}
}

type fractionReporter struct {
	inner    Reporter
	fraction float64
	interval int
}

func (f *fractionReporter) Start(totalSteps int) {
	f.interval = int(float64(totalSteps) * f.fraction)
	if f.interval < 1 {
		f.interval = 1
	}
	f.inner.Start(totalSteps)
}

func (f *fractionReporter) Report(step int, loss float64) {
	if step > 0 && step%f.interval == 0 {
		f.inner.Report(step, loss)
	}
}

func (f *fractionReporter) Finish() {
	f.inner.Finish()
}

// NewConsoleReporter renders progress as a terminal bar with the
// leader's running loss.
func NewConsoleReporter(w io.Writer) Reporter {
	return &consoleReporter{w: w}
}

type consoleReporter struct {
	w   io.Writer
	bar *progressbar.ProgressBar
}

func (c *consoleReporter) Start(totalSteps int) {
	c.bar = progressbar.NewOptions(totalSteps,
		progressbar.OptionSetWriter(c.w),
		progressbar.OptionSetDescription("train"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false))
}

func (c *consoleReporter) Report(step int, loss float64) {
	if c.bar == nil {
		return
	}
	c.bar.Describe(fmt.Sprintf("train loss=%.4f", loss))
	_ = c.bar.Set(step + 1)
}

func (c *consoleReporter) Finish() {
	if c.bar != nil {
		_ = c.bar.Finish()
	}
}
