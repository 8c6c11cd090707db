package train_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unixpickle/dist-train/devsim"
	"github.com/unixpickle/dist-train/train"
)

func TestFractionReporterSchedule(t *testing.T) {
	rec := &recorder{}
	rep := train.NewFractionReporter(rec, 0.1)

	rep.Start(468)
	for i := 0; i < 468; i++ {
		rep.Report(i, float64(i))
	}
	rep.Finish()

	// 468 batches at 1/10 means a report every 46 batches: ten
	// reports, none at step 0.
	want := []int{46, 92, 138, 184, 230, 276, 322, 368, 414, 460}
	assert.Equal(t, want, rec.steps)
	assert.True(t, rec.finished)
}

func TestFractionReporterTinyRun(t *testing.T) {
	rec := &recorder{}
	rep := train.NewFractionReporter(rec, 0.1)

	rep.Start(5)
	for i := 0; i < 5; i++ {
		rep.Report(i, 0)
	}

	// The interval never drops below one step.
	assert.Equal(t, []int{1, 2, 3, 4}, rec.steps)
}

func TestOnlyLeaderReports(t *testing.T) {
	// Two workers, 936 samples, batch size 1: every worker runs a
	// loader of 468 batches. Only rank 0 may emit reports, at the
	// 1/10 schedule.
	rec := &recorder{}
	res, err := train.Run(context.Background(), train.Config{
		WorldSize:  2,
		Devices:    devsim.Devices(2, 0, 0),
		Dataset:    regression(936),
		BatchSize:  1,
		Params:     make([]float64, 2),
		NewReplica: devsim.Replica(0.01),
		Progress:   rec,
	})
	require.NoError(t, err)
	require.Equal(t, 468, res.Steps)

	want := []int{46, 92, 138, 184, 230, 276, 322, 368, 414, 460}
	assert.Equal(t, 468, rec.total)
	assert.Equal(t, want, rec.steps)
	require.Len(t, rec.losses, 10)
	assert.True(t, rec.finished)
}
