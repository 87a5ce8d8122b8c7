package wsclient

import (
	"encoding/json"
	"errors"
)

// Local event types, delivered alongside the server message types.
const (
	// EventStagnant reports a running job whose percentage stopped moving
	EventStagnant = "stagnant"
	// EventReconnectFailed carries ErrReconnectExhausted
	EventReconnectFailed = "reconnect_failed"
)

var (
	ErrNotConnected       = errors.New("wsclient: not connected")
	ErrClosed             = errors.New("wsclient: client closed")
	ErrHealthCheckTimeout = errors.New("wsclient: health check timed out")
	ErrReconnectExhausted = errors.New("wsclient: reconnect attempts exhausted")
	ErrConnectInProgress  = errors.New("wsclient: connect already in progress")
)

// Event is a message delivered to a topic callback.
type Event struct {
	Type string
	// Topic is the local subscription key the event was routed to
	Topic string
	Data  json.RawMessage
	Err   error
}

// Decode unmarshals the raw server message into v.
func (e Event) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return errors.New("wsclient: event carries no data")
	}
	return json.Unmarshal(e.Data, v)
}

// Callback receives events of one topic. Callbacks run on the client's reader
// goroutine and must not block.
type Callback func(Event)

// inbound holds the fields the client routes on
type inbound struct {
	Type             string `json:"type"`
	InspectionID     string `json:"inspectionId"`
	BatchID          string `json:"batchId"`
	FromInspectionID string `json:"fromInspectionId"`
	ToBatchID        string `json:"toBatchId"`
	ConnectionID     string `json:"connectionId"`
	Timestamp        int64  `json:"timestamp"`
	Progress         *struct {
		Percentage int `json:"percentage"`
	} `json:"progress"`
}

// stagnation counts consecutive identical percentages of one job
type stagnation struct {
	last     int
	repeats  int
	reported bool
}

// observe records pct and reports true once per plateau reaching threshold.
func (s *stagnation) observe(pct, threshold int) bool {
	if s.repeats > 0 && pct == s.last {
		s.repeats++
	} else {
		s.last = pct
		s.repeats = 1
		s.reported = false
	}
	if threshold <= 0 || pct >= 100 || s.reported || s.repeats < threshold {
		return false
	}
	s.reported = true
	return true
}
