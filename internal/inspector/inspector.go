package inspector

import (
	"context"
	"sort"
	"sync"

	"github.com/cloudsentry/api/internal/model"
)

// Request carries everything an inspector needs for one job
type Request struct {
	CustomerID  string
	JobID       string
	ItemID      string
	Credentials *model.Credentials
}

// Progress is reported by an inspector while it runs. Step is the offset of the current
// step within the inspect phase of the job's step table; Fraction is how far through that
// step it is.
type Progress struct {
	Step      int
	Fraction  float64
	Resources int
}

type ProgressFunc func(Progress)

// Inspector inspects the resources of one service type
type Inspector interface {
	Execute(ctx context.Context, req Request, report ProgressFunc) ([]model.ItemResult, error)
}

// PartialResulter is implemented by inspectors that keep whatever they gathered before failing
type PartialResulter interface {
	PartialResults() []model.ItemResult
}

// Factory builds a fresh inspector for a single job
type Factory func() Inspector

// Registry resolves inspectors by service type
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(serviceType string, factory Factory) {
	r.mu.Lock()
	r.factories[serviceType] = factory
	r.mu.Unlock()
}

// GetInspector returns a new inspector instance, or false for an unknown service type.
func (r *Registry) GetInspector(serviceType string) (Inspector, bool) {
	r.mu.RLock()
	factory, ok := r.factories[serviceType]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return factory(), true
}

// ServiceTypes lists the registered service types
func (r *Registry) ServiceTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
