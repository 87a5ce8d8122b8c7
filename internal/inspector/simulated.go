package inspector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudsentry/api/internal/model"
)

// Simulated walks a fixed number of fake resources with a delay between each.
// It is used in development and by tests that need a deterministic inspector.
type Simulated struct {
	Resources int
	Delay     time.Duration
	// FailAfter makes Execute fail once that many resources were inspected. Zero never fails.
	FailAfter int

	mu      sync.Mutex
	partial []model.ItemResult
}

func NewSimulated(resources int, delay time.Duration) *Simulated {
	return &Simulated{Resources: resources, Delay: delay}
}

func (s *Simulated) Execute(ctx context.Context, req Request, report ProgressFunc) ([]model.ItemResult, error) {
	total := s.Resources
	if total <= 0 {
		total = 1
	}

	for i := 0; i < total; i++ {
		if s.FailAfter > 0 && i == s.FailAfter {
			return nil, fmt.Errorf("simulated failure after %d resources", i)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.Delay):
		}

		result := model.ItemResult{
			ResourceID:   fmt.Sprintf("%s-resource-%d", req.ItemID, i+1),
			ResourceType: model.ServiceTypeSimulated,
			Status:       "ok",
			InspectedAt:  time.Now(),
		}
		s.mu.Lock()
		s.partial = append(s.partial, result)
		s.mu.Unlock()

		report(Progress{Fraction: float64(i+1) / float64(total), Resources: i + 1})
	}

	return s.PartialResults(), nil
}

func (s *Simulated) PartialResults() []model.ItemResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ItemResult, len(s.partial))
	copy(out, s.partial)
	return out
}
