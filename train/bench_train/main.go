// Command bench_train compares synchronous training configurations
// on simulated devices and prints a markdown table of the results.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/unixpickle/essentials"

	"github.com/unixpickle/dist-train/devsim"
	"github.com/unixpickle/dist-train/shard"
	"github.com/unixpickle/dist-train/train"
)

// RunInfo describes a specific cluster configuration.
type RunInfo struct {
	WorldSize int
	Latency   time.Duration
	Depth     int
}

func main() {
	dataset := &devsim.Regression{
		Samples: 8192,
		Weights: []float64{1.5, -0.5, 2.0, 0.25},
		Noise:   0.05,
		Seed:    1337,
	}
	runs := []RunInfo{
		{WorldSize: 1, Latency: 0, Depth: 1},
		{WorldSize: 1, Latency: 200 * time.Microsecond, Depth: 1},
		{WorldSize: 2, Latency: 200 * time.Microsecond, Depth: 1},
		{WorldSize: 4, Latency: 200 * time.Microsecond, Depth: 1},
		{WorldSize: 4, Latency: 200 * time.Microsecond, Depth: 2},
		{WorldSize: 8, Latency: 500 * time.Microsecond, Depth: 1},
		{WorldSize: 8, Latency: 500 * time.Microsecond, Depth: 4},
	}

	fmt.Printf("Dataset: %s samples, batch size 32, 2 epochs.\n\n",
		humanize.Comma(int64(dataset.Samples)))
	fmt.Println("| Workers | Latency | Depth | Steps | Final loss | Time |")
	fmt.Println("|:--|:--|:--|:--|:--|:--|")

	for _, info := range runs {
		res, err := train.Run(context.Background(), train.Config{
			WorldSize:     info.WorldSize,
			Devices:       devsim.Devices(info.WorldSize, info.Latency, 1e9),
			Dataset:       dataset,
			BatchSize:     32,
			Epochs:        2,
			Shuffle:       true,
			Seed:          5,
			ShardPolicy:   shard.Interleave,
			PrefetchDepth: info.Depth,
			Params:        make([]float64, len(dataset.Weights)),
			NewReplica:    devsim.Replica(0.05),
		})
		essentials.Must(err)
		fmt.Printf("| %d | %s | %d | %d | %.5f | %s |\n",
			info.WorldSize, info.Latency, info.Depth, res.Steps,
			res.FinalLoss, res.Duration.Round(time.Millisecond))
	}
}
