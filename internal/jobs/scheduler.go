package jobs

import (
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// IdleReaper closes connections that stopped answering heartbeats
type IdleReaper interface {
	ReapIdle(now time.Time) int
}

// Scheduler runs the periodic maintenance jobs of the server.
type Scheduler struct {
	s *gocron.Scheduler
}

func NewScheduler() *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{s: s}
}

// ScheduleIdleReap runs reaper every interval. A zero interval disables the job.
func (s *Scheduler) ScheduleIdleReap(reaper IdleReaper, interval time.Duration) error {
	if interval <= 0 {
		zap.S().Info("Idle connection reaping is disabled")
		return nil
	}

	jobID := "ws-reap-idle"
	zap.S().Infof("Scheduling job '%s' every %s", jobID, interval)

	_, err := s.s.Every(interval).WaitForSchedule().Tag(jobID).Do(func() {
		if n := reaper.ReapIdle(time.Now()); n > 0 {
			zap.S().Infof("Reaped %d idle connections", n)
		}
	})
	return err
}

func (s *Scheduler) Start() {
	zap.S().Info("Starting background job scheduler...")
	s.s.StartAsync()
}

func (s *Scheduler) Stop() {
	s.s.Stop()
}
