package model

import "time"

// StartInspectionRequest represents the request to start an inspection
type StartInspectionRequest struct {
	ServiceType   string           `json:"serviceType" validate:"required,max=64"`
	CredentialRef string           `json:"credentialRef" validate:"required,max=2048"`
	Config        InspectionConfig `json:"config"`
}

// InspectionConfig holds optional inspection settings
type InspectionConfig struct {
	SelectedItems []string `json:"selectedItems" validate:"omitempty,max=100,dive,required,max=255"`
	// InspectionID is a client-chosen topic the caller may already be subscribed to.
	// Its subscribers are moved to the batch topic once the batch exists.
	InspectionID string `json:"inspectionId,omitempty" validate:"omitempty,max=128"`
}

// Batch groups the sibling jobs created by one start request
type Batch struct {
	ID           string     `json:"batchId"`
	CustomerID   string     `json:"customerId"`
	ServiceType  string     `json:"serviceType"`
	JobIDs       []string   `json:"jobIds"`
	StartTime    time.Time  `json:"startTime"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	InspectionID string     `json:"inspectionId,omitempty"`
}

// JobSummary is the short form of a job returned on start
type JobSummary struct {
	JobID  string    `json:"jobId"`
	ItemID string    `json:"itemId"`
	Status JobStatus `json:"status"`
}

// StartInspectionResponse represents the response when starting an inspection
type StartInspectionResponse struct {
	BatchID   string       `json:"batchId"`
	Jobs      []JobSummary `json:"jobs"`
	CreatedAt time.Time    `json:"createdAt"`
}

// JobStatusResponse represents the status of one job
type JobStatusResponse struct {
	*Job
	CurrentStep            string `json:"currentStep"`
	CompletedSteps         int    `json:"completedSteps"`
	TotalSteps             int    `json:"totalSteps"`
	EstimatedTimeRemaining *int64 `json:"estimatedTimeRemaining"`
}

// BatchStatusResponse represents the aggregate status of a batch
type BatchStatusResponse struct {
	BatchID        string               `json:"batchId"`
	Status         BatchStatus          `json:"status"`
	CompletedCount int                  `json:"completedCount"`
	TotalJobs      int                  `json:"totalJobs"`
	Percentage     int                  `json:"percentage"`
	StartTime      time.Time            `json:"startTime"`
	CompletedAt    *time.Time           `json:"completedAt,omitempty"`
	Jobs           []*JobStatusResponse `json:"jobs"`
}

// CancelInspectionResponse represents the response when canceling a job
type CancelInspectionResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
}

// JobResultsResponse returns the persisted results of a job
type JobResultsResponse struct {
	JobID   string       `json:"jobId"`
	Results []ItemResult `json:"results"`
}

// Credentials are temporary credentials issued for one job
type Credentials struct {
	AccessKeyID     string    `json:"-"`
	SecretAccessKey string    `json:"-"`
	SessionToken    string    `json:"-"`
	Expiry          time.Time `json:"expiry"`
}

// ItemResult is one inspected resource
type ItemResult struct {
	ResourceID   string                 `json:"resourceId"`
	ResourceType string                 `json:"resourceType"`
	Region       string                 `json:"region,omitempty"`
	Status       string                 `json:"status"`
	Details      map[string]interface{} `json:"details,omitempty"`
	InspectedAt  time.Time              `json:"inspectedAt"`
}

// JobOutcome summarizes one job in the batch completion event
type JobOutcome struct {
	JobID    string    `json:"jobId"`
	ItemID   string    `json:"itemId"`
	Status   JobStatus `json:"status"`
	Duration int64     `json:"duration"`
	Error    *string   `json:"error,omitempty"`
}
