// Package devsim provides simulated accelerator devices and a small
// synthetic workload, so orchestration behavior can be exercised
// deterministically in tests and benchmarks without real hardware.
package devsim

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/unixpickle/dist-train/prefetch"
)

// A Device models an accelerator whose transfers cost a fixed
// latency plus time proportional to the batch size. It records how
// much work it has done.
type Device struct {
	name string

	// Latency is the fixed cost of initiating a transfer.
	latency time.Duration

	// rate is the transfer bandwidth in bytes per second. A zero
	// rate transfers instantly after the latency.
	rate float64

	transfers atomic.Int64
	busyNanos atomic.Int64
}

// NewDevice creates a simulated device.
func NewDevice(name string, latency time.Duration, rate float64) *Device {
	return &Device{name: name, latency: latency, rate: rate}
}

// Devices creates n identical simulated devices, one per rank.
func Devices(n int, latency time.Duration, rate float64) []prefetch.Device {
	res := make([]prefetch.Device, n)
	for i := range res {
		res[i] = NewDevice(fmt.Sprintf("sim%d", i), latency, rate)
	}
	return res
}

// Name returns the device's identifier.
func (d *Device) Name() string {
	return d.name
}

// Transfer simulates moving a batch onto the device: it sleeps for
// the modelled transfer time and returns the batch tagged as
// resident on d.
func (d *Device) Transfer(b *prefetch.Batch) (*prefetch.Batch, error) {
	delay := d.latency
	if d.rate > 0 {
		bytes := 0
		for _, in := range b.Inputs {
			bytes += 8 * len(in)
		}
		for _, tgt := range b.Targets {
			bytes += 8 * len(tgt)
		}
		delay += time.Duration(float64(bytes) / d.rate * float64(time.Second))
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	d.transfers.Add(1)
	d.busyNanos.Add(int64(delay))

	out := *b
	out.Device = d
	return &out, nil
}

// Transfers returns how many batches have been moved onto the
// device.
func (d *Device) Transfers() int64 {
	return d.transfers.Load()
}

// BusyTime returns the total simulated time the device spent
// transferring.
func (d *Device) BusyTime() time.Duration {
	return time.Duration(d.busyNanos.Load())
}
