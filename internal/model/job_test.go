package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeStepTable() []JobStep {
	return []JobStep{
		{Name: "first", Weight: 10, Phase: StepPhaseSetup},
		{Name: "second", Weight: 20, Phase: StepPhaseInspect},
		{Name: "third", Weight: 70, Phase: StepPhasePersist},
	}
}

func TestWeightedPercentage(t *testing.T) {
	steps := threeStepTable()

	assert.Equal(t, 0, WeightedPercentage(steps, 0, 0))
	assert.Equal(t, 10, WeightedPercentage(steps, 1, 0))
	assert.Equal(t, 20, WeightedPercentage(steps, 1, 0.5))
	assert.Equal(t, 30, WeightedPercentage(steps, 2, 0))
	assert.Equal(t, 100, WeightedPercentage(steps, 2, 1))

	t.Run("fraction is clamped", func(t *testing.T) {
		assert.Equal(t, 30, WeightedPercentage(steps, 1, 7))
		assert.Equal(t, 10, WeightedPercentage(steps, 1, -3))
	})

	t.Run("degenerate tables", func(t *testing.T) {
		assert.Equal(t, 0, WeightedPercentage(nil, 0, 0.5))
		assert.Equal(t, 100, WeightedPercentage(steps, 9, 0))
		assert.Equal(t, 0, WeightedPercentage(steps, -1, 0))
	})
}

func TestJob_Lifecycle(t *testing.T) {
	now := time.Now()
	job := NewJob("job-1", "batch-1", AllItems, "cust", "s3", threeStepTable(), now)

	assert.Equal(t, JobStatusPending, job.Status)
	assert.False(t, job.Advance(1, 0.5, 0, now), "pending jobs do not advance")
	assert.False(t, job.Complete(now), "pending jobs cannot complete")

	require.True(t, job.Start(now))
	assert.False(t, job.Start(now), "start is a one-time transition")
	assert.Equal(t, JobStatusInProgress, job.Status)

	require.True(t, job.Advance(1, 0.5, 3, now.Add(time.Second)))
	assert.Equal(t, 20, job.Percentage)
	assert.Equal(t, "second", job.CurrentStep())
	assert.Equal(t, 1, job.CompletedSteps())
	assert.Equal(t, 3, job.ResourcesProcessed)

	require.True(t, job.Complete(now.Add(2*time.Second)))
	assert.Equal(t, 100, job.Percentage)
	assert.Equal(t, 3, job.CompletedSteps())
	assert.Nil(t, job.Error)

	assert.False(t, job.Fail("late failure", now), "terminal states never revert")
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Nil(t, job.EstimatedTimeRemaining(now))
}

func TestJob_PercentageIsMonotonic(t *testing.T) {
	now := time.Now()
	job := NewJob("job-1", "batch-1", "a", "cust", "s3", threeStepTable(), now)
	require.True(t, job.Start(now))

	updates := []struct {
		index    int
		fraction float64
	}{
		{0, 0.5}, {1, 0.2}, {1, 0.1}, {0, 1}, {2, 0.5}, {1, 0.9}, {2, 1},
	}

	last := job.Percentage
	for _, u := range updates {
		job.Advance(u.index, u.fraction, 0, now)
		assert.GreaterOrEqual(t, job.Percentage, last)
		assert.Less(t, job.Percentage, 100, "non-terminal jobs never report 100")
		last = job.Percentage
	}

	job.Complete(now)
	assert.Equal(t, 100, job.Percentage)
}

func TestJob_FailFromPending(t *testing.T) {
	now := time.Now()
	job := NewJob("job-1", "batch-1", "a", "cust", "s3", threeStepTable(), now)

	require.True(t, job.Fail("cancelled", now))
	assert.Equal(t, JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "cancelled", *job.Error)
	assert.False(t, job.Start(now))
}

func TestJob_EstimatedTimeRemaining(t *testing.T) {
	start := time.Now()
	job := NewJob("job-1", "batch-1", "a", "cust", "s3", threeStepTable(), start)
	job.Start(start)

	assert.Nil(t, job.EstimatedTimeRemaining(start), "no estimate before progress")

	job.Advance(1, 0.5, 0, start)
	eta := job.EstimatedTimeRemaining(start.Add(20 * time.Second))
	require.NotNil(t, eta)
	assert.Equal(t, int64(80), *eta)
}

func TestJob_CloneIsIndependent(t *testing.T) {
	now := time.Now()
	job := NewJob("job-1", "batch-1", "a", "cust", "s3", threeStepTable(), now)
	job.Start(now)

	clone := job.Clone()
	clone.Steps[0].Name = "changed"
	*clone.StartTime = now.Add(time.Hour)

	assert.Equal(t, "first", job.Steps[0].Name)
	assert.Equal(t, now, *job.StartTime)
}
