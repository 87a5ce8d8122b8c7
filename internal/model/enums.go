package model

// Job status
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusInProgress JobStatus = "IN_PROGRESS"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// IsTerminal reports whether no further transitions can occur.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Batch status, derived from the statuses of its jobs
type BatchStatus string

const (
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
	BatchStatusPartial   BatchStatus = "partial"
)

// Step phases. A step table maps each step onto one phase of the job pipeline.
type StepPhase string

const (
	StepPhaseSetup       StepPhase = "setup"
	StepPhaseCredentials StepPhase = "credentials"
	StepPhaseInspect     StepPhase = "inspect"
	StepPhasePersist     StepPhase = "persist"
)

// Service types with a dedicated step table or inspector
const (
	ServiceTypeS3        = "s3"
	ServiceTypeEC2       = "ec2"
	ServiceTypeIAM       = "iam"
	ServiceTypeSimulated = "simulated"
)

// AllItems is the item id of a job covering every item of a service.
const AllItems = "all"
