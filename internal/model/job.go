package model

import (
	"math"
	"time"
)

// maxRunningPercentage keeps a non-terminal job below 100 so that 100 always means COMPLETED.
const maxRunningPercentage = 99

// JobStep is one weighted step of a job pipeline
type JobStep struct {
	Name   string    `json:"name"`
	Weight int       `json:"weight"`
	Phase  StepPhase `json:"phase"`
}

// Job represents one inspection unit covering a single item, or AllItems.
//
// Transition methods enforce the lifecycle: PENDING -> IN_PROGRESS -> {COMPLETED, FAILED}
// and PENDING -> FAILED. Terminal states never revert. Job is not safe for concurrent use;
// callers serialize access.
type Job struct {
	ID                 string     `json:"jobId"`
	BatchID            string     `json:"batchId"`
	ItemID             string     `json:"itemId"`
	CustomerID         string     `json:"customerId"`
	ServiceType        string     `json:"serviceType"`
	Status             JobStatus  `json:"status"`
	CurrentStepIndex   int        `json:"currentStepIndex"`
	Steps              []JobStep  `json:"steps"`
	Percentage         int        `json:"percentage"`
	ResourcesProcessed int        `json:"resourcesProcessed"`
	CreatedAt          time.Time  `json:"createdAt"`
	StartTime          *time.Time `json:"startTime,omitempty"`
	LastUpdated        time.Time  `json:"lastUpdated"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
	Error              *string    `json:"error,omitempty"`
}

// NewJob creates a PENDING job with the given step table.
func NewJob(id, batchID, itemID, customerID, serviceType string, steps []JobStep, now time.Time) *Job {
	table := make([]JobStep, len(steps))
	copy(table, steps)
	return &Job{
		ID:          id,
		BatchID:     batchID,
		ItemID:      itemID,
		CustomerID:  customerID,
		ServiceType: serviceType,
		Status:      JobStatusPending,
		Steps:       table,
		CreatedAt:   now,
		LastUpdated: now,
	}
}

// Start moves a PENDING job to IN_PROGRESS at step 0.
func (j *Job) Start(now time.Time) bool {
	if j.Status != JobStatusPending {
		return false
	}
	j.Status = JobStatusInProgress
	j.CurrentStepIndex = 0
	j.StartTime = &now
	j.LastUpdated = now
	return true
}

// Advance records progress inside step index with within-step completion fraction.
// Progress never moves backwards; updates that would lower the step or percentage are ignored.
func (j *Job) Advance(index int, fraction float64, resources int, now time.Time) bool {
	if j.Status != JobStatusInProgress || index < j.CurrentStepIndex || index >= len(j.Steps) {
		return false
	}

	pct := WeightedPercentage(j.Steps, index, fraction)
	if pct > maxRunningPercentage {
		pct = maxRunningPercentage
	}
	if pct < j.Percentage {
		pct = j.Percentage
	}

	changed := index != j.CurrentStepIndex || pct != j.Percentage || resources > j.ResourcesProcessed
	j.CurrentStepIndex = index
	j.Percentage = pct
	if resources > j.ResourcesProcessed {
		j.ResourcesProcessed = resources
	}
	if changed {
		j.LastUpdated = now
	}
	return changed
}

// Complete moves an IN_PROGRESS job to COMPLETED at 100%.
func (j *Job) Complete(now time.Time) bool {
	if j.Status != JobStatusInProgress {
		return false
	}
	j.Status = JobStatusCompleted
	j.Percentage = 100
	if len(j.Steps) > 0 {
		j.CurrentStepIndex = len(j.Steps) - 1
	}
	j.CompletedAt = &now
	j.LastUpdated = now
	return true
}

// Fail moves a non-terminal job to FAILED with msg.
func (j *Job) Fail(msg string, now time.Time) bool {
	if j.Status.IsTerminal() {
		return false
	}
	j.Status = JobStatusFailed
	j.Error = &msg
	j.CompletedAt = &now
	j.LastUpdated = now
	return true
}

// CurrentStep returns the name of the step the job is in, or "" if it has no steps.
func (j *Job) CurrentStep() string {
	if j.CurrentStepIndex < 0 || j.CurrentStepIndex >= len(j.Steps) {
		return ""
	}
	return j.Steps[j.CurrentStepIndex].Name
}

// CompletedSteps is the number of steps fully behind the job.
func (j *Job) CompletedSteps() int {
	if j.Status == JobStatusCompleted {
		return len(j.Steps)
	}
	return j.CurrentStepIndex
}

// EstimatedTimeRemaining extrapolates the remaining seconds from elapsed time and percentage.
// It is nil until the job has made measurable progress, and for terminal jobs.
func (j *Job) EstimatedTimeRemaining(now time.Time) *int64 {
	if j.Status != JobStatusInProgress || j.StartTime == nil || j.Percentage <= 0 {
		return nil
	}
	elapsed := now.Sub(*j.StartTime).Seconds()
	remaining := int64(math.Round(elapsed / float64(j.Percentage) * float64(100-j.Percentage)))
	return &remaining
}

// Duration is the wall time from start (or creation) to completion, or to now if still running.
func (j *Job) Duration(now time.Time) time.Duration {
	from := j.CreatedAt
	if j.StartTime != nil {
		from = *j.StartTime
	}
	to := now
	if j.CompletedAt != nil {
		to = *j.CompletedAt
	}
	return to.Sub(from)
}

// Clone returns a deep copy safe to hand outside the owner's lock.
func (j *Job) Clone() *Job {
	c := *j
	c.Steps = make([]JobStep, len(j.Steps))
	copy(c.Steps, j.Steps)
	if j.StartTime != nil {
		t := *j.StartTime
		c.StartTime = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

// WeightedPercentage computes round(100 * (sum of weights before index + fraction*weight[index]) / total).
// fraction is clamped to [0,1]; the result is clamped to [0,100].
func WeightedPercentage(steps []JobStep, index int, fraction float64) int {
	total := 0
	for _, s := range steps {
		total += s.Weight
	}
	if total <= 0 || index < 0 {
		return 0
	}
	if index >= len(steps) {
		return 100
	}

	if fraction < 0 {
		fraction = 0
	} else if fraction > 1 {
		fraction = 1
	}

	done := 0
	for k := 0; k < index; k++ {
		done += steps[k].Weight
	}
	pct := int(math.Round(100 * (float64(done) + fraction*float64(steps[index].Weight)) / float64(total)))
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
