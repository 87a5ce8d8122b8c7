package jobs

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingReaper struct {
	calls atomic.Int32
}

func (r *countingReaper) ReapIdle(time.Time) int {
	r.calls.Add(1)
	return 1
}

func TestScheduler_IdleReap(t *testing.T) {
	reaper := &countingReaper{}
	s := NewScheduler()
	require.NoError(t, s.ScheduleIdleReap(reaper, 20*time.Millisecond))

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return reaper.calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_DisabledInterval(t *testing.T) {
	reaper := &countingReaper{}
	s := NewScheduler()
	require.NoError(t, s.ScheduleIdleReap(reaper, 0))

	s.Start()
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(0), reaper.calls.Load())
}
