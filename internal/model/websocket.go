package model

// WebSocket message types
const (
	// client -> server
	WSMessageTypeSubscribe   = "subscribe_inspection"
	WSMessageTypeUnsubscribe = "unsubscribe_inspection"
	WSMessageTypePing        = "ping"

	// server -> client
	WSMessageTypeConnectionEstablished = "connection_established"
	WSMessageTypeSubscriptionConfirmed = "subscription_confirmed"
	WSMessageTypeUnsubscribeConfirmed  = "unsubscription_confirmed"
	WSMessageTypeSubscriptionMoved     = "subscription_moved"
	WSMessageTypeSubscriptionClosed    = "subscription_closed"
	WSMessageTypeProgress              = "progress_update"
	WSMessageTypeBatchProgress         = "batch_progress"
	WSMessageTypeStatusChange          = "status_change"
	WSMessageTypeComplete              = "inspection_complete"
	WSMessageTypePong                  = "pong"
	WSMessageTypeError                 = "error"
)

// WebSocket error codes
const (
	WSErrorParse              = "PARSE_ERROR"
	WSErrorUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	WSErrorInvalidMessage     = "INVALID_MESSAGE"
	WSErrorPersistenceFailed  = "PERSISTENCE_FAILED"
	WSErrorReconnectFailed    = "RECONNECT_FAILED"
	WSErrorForbidden          = "FORBIDDEN"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSClientMessage is any client -> server message
type WSClientMessage struct {
	Type         string `json:"type"`
	InspectionID string `json:"inspectionId,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"`
}

// WSEnvelope is used to peek at the type and topic of a server -> client message
type WSEnvelope struct {
	Type         string `json:"type"`
	InspectionID string `json:"inspectionId,omitempty"`
	BatchID      string `json:"batchId,omitempty"`
}

// WSConnectionEstablished is sent once after the handshake
type WSConnectionEstablished struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	Timestamp    int64  `json:"timestamp"`
}

// WSSubscriptionConfirmed acknowledges a subscribe request
type WSSubscriptionConfirmed struct {
	Type              string `json:"type"`
	InspectionID      string `json:"inspectionId"`
	AlreadySubscribed bool   `json:"alreadySubscribed"`
}

// WSUnsubscriptionConfirmed acknowledges an unsubscribe request
type WSUnsubscriptionConfirmed struct {
	Type          string `json:"type"`
	InspectionID  string `json:"inspectionId"`
	WasSubscribed bool   `json:"wasSubscribed"`
}

// WSSubscriptionMoved tells subscribers their topic was re-keyed
type WSSubscriptionMoved struct {
	Type             string `json:"type"`
	FromInspectionID string `json:"fromInspectionId"`
	ToBatchID        string `json:"toBatchId"`
}

// WSSubscriptionClosed tells subscribers the server is dropping a finished topic
type WSSubscriptionClosed struct {
	Type         string `json:"type"`
	InspectionID string `json:"inspectionId"`
	Reason       string `json:"reason"`
}

// WSProgress is the progress block of a progress update
type WSProgress struct {
	Percentage         int    `json:"percentage"`
	CurrentStep        string `json:"currentStep"`
	CompletedSteps     int    `json:"completedSteps"`
	TotalSteps         int    `json:"totalSteps"`
	ResourcesProcessed int    `json:"resourcesProcessed"`
}

// WSProgressMessage represents a progress update
type WSProgressMessage struct {
	Type                   string     `json:"type"`
	InspectionID           string     `json:"inspectionId"`
	BatchID                string     `json:"batchId,omitempty"`
	Progress               WSProgress `json:"progress"`
	EstimatedTimeRemaining *int64     `json:"estimatedTimeRemaining"`
}

// WSBatchProgressMessage reports coarse batch progress
type WSBatchProgressMessage struct {
	Type           string `json:"type"`
	BatchID        string `json:"batchId"`
	CompletedCount int    `json:"completedCount"`
	TotalJobs      int    `json:"totalJobs"`
	Percentage     int    `json:"percentage"`
}

// WSStatusMessage represents a status transition
type WSStatusMessage struct {
	Type         string  `json:"type"`
	InspectionID string  `json:"inspectionId"`
	BatchID      string  `json:"batchId,omitempty"`
	Status       string  `json:"status"`
	Error        *string `json:"error,omitempty"`
}

// WSCompleteMessage represents job or batch completion
type WSCompleteMessage struct {
	Type           string       `json:"type"`
	InspectionID   string       `json:"inspectionId"`
	BatchID        string       `json:"batchId,omitempty"`
	Status         string       `json:"status"`
	Duration       int64        `json:"duration"`
	Results        interface{}  `json:"results,omitempty"`
	Error          *string      `json:"error,omitempty"`
	ForceRefresh   bool         `json:"forceRefresh,omitempty"`
	CompletedCount int          `json:"completedCount,omitempty"`
	TotalJobs      int          `json:"totalJobs,omitempty"`
	Outcomes       []JobOutcome `json:"outcomes,omitempty"`
}

// WSPongMessage answers a ping
type WSPongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// WSErrorMessage represents an error
type WSErrorMessage struct {
	Type         string `json:"type"`
	InspectionID string `json:"inspectionId,omitempty"`
	BatchID      string `json:"batchId,omitempty"`
	Code         string `json:"code"`
	Message      string `json:"message"`
}
