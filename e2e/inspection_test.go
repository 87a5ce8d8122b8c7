package e2e

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudsentry/api/internal/model"
	"github.com/cloudsentry/api/internal/wsclient"
)

type eventLog struct {
	mu     sync.Mutex
	events []wsclient.Event
}

func (l *eventLog) add(ev wsclient.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) ofType(typ string) []wsclient.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []wsclient.Event
	for _, ev := range l.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func startBody(serviceType string, items []string, inspectionID string) string {
	quoted := "["
	for i, item := range items {
		if i > 0 {
			quoted += ","
		}
		quoted += fmt.Sprintf("%q", item)
	}
	quoted += "]"
	return fmt.Sprintf(`{
		"serviceType": %q,
		"credentialRef": "arn:aws:iam::123456789012:role/inspector",
		"config": {"selectedItems": %s, "inspectionId": %q}
	}`, serviceType, quoted, inspectionID)
}

func TestHealth(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/health", "", nil)
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusOK)

	var body map[string]interface{}
	decodeJSON(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestStart_NoAuth(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/inspections/start",
		startBody(model.ServiceTypeSimulated, nil, ""), nil)
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestStart_MissingFields(t *testing.T) {
	ta := setupApp(t)

	resp := doAuthRequest(t, ta.app, testUser, http.MethodPost, "/api/inspections/start", `{"serviceType":"simulated"}`)
	assertStatus(t, resp, http.StatusBadRequest)

	var body map[string]map[string]interface{}
	decodeJSON(t, resp, &body)
	assert.Equal(t, "VALIDATION_ERROR", body["error"]["code"])
}

func TestInspection_EndToEnd(t *testing.T) {
	ta := setupApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := wsclient.New(wsclient.Options{URL: ta.wsURL})
	require.NoError(t, client.Connect(ctx, generateToken(t, testUser)))
	defer client.Disconnect()

	// subscribe before the batch exists, the server moves the subscription to the batch
	provisional := uuid.New().String()
	log := &eventLog{}
	sub, err := client.SubscribeToTopic(provisional, log.add)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(log.ofType(model.WSMessageTypeSubscriptionConfirmed)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	resp := doAuthRequest(t, ta.app, testUser, http.MethodPost, "/api/inspections/start",
		startBody(model.ServiceTypeSimulated, []string{"a", "b"}, provisional))
	assertStatus(t, resp, http.StatusAccepted)

	var started model.StartInspectionResponse
	decodeJSON(t, resp, &started)
	require.Len(t, started.Jobs, 2)
	for _, job := range started.Jobs {
		assert.Equal(t, model.JobStatusPending, job.Status)
	}

	select {
	case <-sub.Done():
	case <-ctx.Done():
		t.Fatal("batch did not complete")
	}
	assert.Equal(t, started.BatchID, sub.Topic())

	result, ok := sub.Result()
	require.True(t, ok)
	var complete model.WSCompleteMessage
	require.NoError(t, result.Decode(&complete))
	assert.Equal(t, string(model.BatchStatusCompleted), complete.Status)
	assert.Equal(t, 2, complete.CompletedCount)
	assert.Equal(t, 2, complete.TotalJobs)
	assert.Len(t, complete.Outcomes, 2)
	assert.True(t, complete.ForceRefresh)

	// per-job progress never decreases and ends at 100
	last := map[string]int{}
	for _, ev := range log.ofType(model.WSMessageTypeProgress) {
		var msg model.WSProgressMessage
		require.NoError(t, ev.Decode(&msg))
		assert.GreaterOrEqual(t, msg.Progress.Percentage, last[msg.InspectionID])
		last[msg.InspectionID] = msg.Progress.Percentage
	}
	require.Len(t, last, 2)
	for jobID, pct := range last {
		assert.Equal(t, 100, pct, "job %s", jobID)
	}
	assert.Len(t, log.ofType(model.WSMessageTypeBatchProgress), 2)

	// REST views agree with the events
	resp = doAuthRequest(t, ta.app, testUser, http.MethodGet, "/api/inspections/batches/"+started.BatchID, "")
	assertStatus(t, resp, http.StatusOK)
	var batch model.BatchStatusResponse
	decodeJSON(t, resp, &batch)
	assert.Equal(t, model.BatchStatusCompleted, batch.Status)
	assert.Equal(t, 2, batch.CompletedCount)

	resp = doAuthRequest(t, ta.app, testUser, http.MethodGet, "/api/inspections/jobs/"+started.Jobs[0].JobID+"/results", "")
	assertStatus(t, resp, http.StatusOK)
	var results model.JobResultsResponse
	decodeJSON(t, resp, &results)
	assert.Len(t, results.Results, 3)

	// subscribers of the finished batch are dropped after the grace period
	assert.Eventually(t, func() bool {
		return ta.hub.Topics().SubscriberCount(started.BatchID) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInspection_Cancel(t *testing.T) {
	ta := setupApp(t)

	resp := doAuthRequest(t, ta.app, testUser, http.MethodPost, "/api/inspections/start",
		startBody(slowServiceType, []string{"x"}, ""))
	assertStatus(t, resp, http.StatusAccepted)
	var started model.StartInspectionResponse
	decodeJSON(t, resp, &started)
	require.Len(t, started.Jobs, 1)
	jobPath := "/api/inspections/jobs/" + started.Jobs[0].JobID

	require.Eventually(t, func() bool {
		resp := doAuthRequest(t, ta.app, testUser, http.MethodGet, jobPath, "")
		var job model.JobStatusResponse
		decodeJSON(t, resp, &job)
		return job.Status == model.JobStatusInProgress
	}, 2*time.Second, 10*time.Millisecond)

	resp = doAuthRequest(t, ta.app, testUser, http.MethodPost, jobPath+"/cancel", "")
	assertStatus(t, resp, http.StatusOK)
	var cancelled model.CancelInspectionResponse
	decodeJSON(t, resp, &cancelled)
	assert.True(t, cancelled.Success)
	assert.Equal(t, model.JobStatusFailed, cancelled.Status)

	resp = doAuthRequest(t, ta.app, testUser, http.MethodPost, jobPath+"/cancel", "")
	assertStatus(t, resp, http.StatusConflict)
	readBody(t, resp)

	resp = doAuthRequest(t, ta.app, testUser, http.MethodGet, jobPath, "")
	var job model.JobStatusResponse
	decodeJSON(t, resp, &job)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "inspection cancelled by user", *job.Error)
}

func TestInspection_OtherUserSeesNothing(t *testing.T) {
	ta := setupApp(t)

	resp := doAuthRequest(t, ta.app, testUser, http.MethodPost, "/api/inspections/start",
		startBody(model.ServiceTypeSimulated, nil, ""))
	assertStatus(t, resp, http.StatusAccepted)
	var started model.StartInspectionResponse
	decodeJSON(t, resp, &started)
	require.Len(t, started.Jobs, 1)
	assert.Equal(t, model.AllItems, started.Jobs[0].ItemID)

	resp = doAuthRequest(t, ta.app, "someone-else", http.MethodGet, "/api/inspections/jobs/"+started.Jobs[0].JobID, "")
	assertStatus(t, resp, http.StatusNotFound)
	readBody(t, resp)

	resp = doAuthRequest(t, ta.app, "someone-else", http.MethodGet, "/api/inspections/batches/"+started.BatchID, "")
	assertStatus(t, resp, http.StatusNotFound)
	readBody(t, resp)
}

func TestWebSocket_RejectsInvalidToken(t *testing.T) {
	ta := setupApp(t)

	client := wsclient.New(wsclient.Options{URL: ta.wsURL, HandshakeTimeout: 2 * time.Second})
	defer client.Disconnect()

	require.Error(t, client.Connect(context.Background(), "not-a-token"))
	assert.Equal(t, 0, ta.hub.Connections().Count())
}

func TestWebSocket_ForeignBatchStaysPrivate(t *testing.T) {
	ta := setupApp(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	owner := wsclient.New(wsclient.Options{URL: ta.wsURL})
	require.NoError(t, owner.Connect(ctx, generateToken(t, testUser)))
	defer owner.Disconnect()

	provisional := uuid.New().String()
	ownerLog := &eventLog{}
	_, err := owner.SubscribeToTopic(provisional, ownerLog.add)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(ownerLog.ofType(model.WSMessageTypeSubscriptionConfirmed)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	resp := doAuthRequest(t, ta.app, testUser, http.MethodPost, "/api/inspections/start",
		startBody(slowServiceType, []string{"x"}, provisional))
	assertStatus(t, resp, http.StatusAccepted)
	var started model.StartInspectionResponse
	decodeJSON(t, resp, &started)
	require.Eventually(t, func() bool {
		return len(ownerLog.ofType(model.WSMessageTypeSubscriptionMoved)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	t.Run("reusing another customer's batch id as inspectionId is rejected", func(t *testing.T) {
		resp := doAuthRequest(t, ta.app, "someone-else", http.MethodPost, "/api/inspections/start",
			startBody(model.ServiceTypeSimulated, nil, started.BatchID))
		assertStatus(t, resp, http.StatusBadRequest)
		readBody(t, resp)
		assert.Equal(t, 1, ta.hub.Topics().SubscriberCount(started.BatchID))
	})

	t.Run("subscribing to another customer's batch is forbidden", func(t *testing.T) {
		intruder := wsclient.New(wsclient.Options{URL: ta.wsURL})
		require.NoError(t, intruder.Connect(ctx, generateToken(t, "someone-else")))
		defer intruder.Disconnect()

		log := &eventLog{}
		_, err := intruder.SubscribeToTopic(started.BatchID, log.add)
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return len(log.ofType(model.WSMessageTypeError)) == 1
		}, 2*time.Second, 5*time.Millisecond)

		var msg model.WSErrorMessage
		require.NoError(t, log.ofType(model.WSMessageTypeError)[0].Decode(&msg))
		assert.Equal(t, model.WSErrorForbidden, msg.Code)
		assert.Empty(t, log.ofType(model.WSMessageTypeSubscriptionConfirmed))
		assert.Equal(t, 1, ta.hub.Topics().SubscriberCount(started.BatchID))
	})
}
