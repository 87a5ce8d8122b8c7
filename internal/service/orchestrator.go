package service

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cloudsentry/api/internal/inspector"
	"github.com/cloudsentry/api/internal/metrics"
	"github.com/cloudsentry/api/internal/model"
)

const (
	cancelMessage  = "inspection cancelled by user"
	persistTimeout = 30 * time.Second
)

// Notifier delivers events to the subscribers of topics
type Notifier interface {
	Broadcast(msg interface{}, topics ...string) int
	// Migrate moves the subscribers of from that belong to ownerID over to to
	Migrate(from, to, ownerID string) int
	ScheduleTopicCleanup(topics ...string)
}

// CredentialProvider issues temporary credentials for a job
type CredentialProvider interface {
	AssumeRole(ctx context.Context, roleArn, sessionLabel string) (*model.Credentials, error)
}

// InspectorRegistry resolves a fresh inspector per job
type InspectorRegistry interface {
	GetInspector(serviceType string) (inspector.Inspector, bool)
}

// ResultStore persists inspection results. Saves must be safe to repeat.
type ResultStore interface {
	SaveItemResults(ctx context.Context, customerID, jobID string, results []model.ItemResult) error
}

// ReconcileQueue takes over results whose inline persistence failed
type ReconcileQueue interface {
	EnqueuePersist(ctx context.Context, customerID, jobID string, results []model.ItemResult) error
}

// Options tune the orchestrator
type Options struct {
	// Retention is how long finished batches stay queryable
	Retention time.Duration
	// MaxParallelJobs bounds concurrently running jobs per batch; zero means unbounded
	MaxParallelJobs int
	Persist         RetryPolicy
}

type jobEntry struct {
	job           *model.Job
	batch         *batchEntry
	credentialRef string
	ctx           context.Context
	cancel        context.CancelFunc
	finalized     bool
}

type batchEntry struct {
	batch    *model.Batch
	finished int
	expiry   *time.Timer

	// emitMu orders state changes and their events for every job in the batch, so
	// subscribers observe each job's percentage and the batch counters in order.
	emitMu sync.Mutex
}

// Orchestrator fans inspection requests out into jobs, runs them and reports their progress.
type Orchestrator struct {
	notifier    Notifier
	credentials CredentialProvider
	inspectors  InspectorRegistry
	store       ResultStore
	reconcile   ReconcileQueue
	opts        Options

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	jobs    map[string]*jobEntry
	batches map[string]*batchEntry
	closed  bool
}

// NewOrchestrator creates an orchestrator. reconcile may be nil.
func NewOrchestrator(notifier Notifier, credentials CredentialProvider, inspectors InspectorRegistry, store ResultStore, reconcile ReconcileQueue, opts Options) *Orchestrator {
	if opts.Persist.MaxAttempts < 1 {
		opts.Persist.MaxAttempts = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		notifier:    notifier,
		credentials: credentials,
		inspectors:  inspectors,
		store:       store,
		reconcile:   reconcile,
		opts:        opts,
		rootCtx:     ctx,
		rootCancel:  cancel,
		jobs:        make(map[string]*jobEntry),
		batches:     make(map[string]*batchEntry),
	}
}

// Start creates the batch and its jobs and launches them. It returns once the records
// exist, without waiting for any job to progress.
func (o *Orchestrator) Start(ctx context.Context, customerID string, req *model.StartInspectionRequest) (*model.StartInspectionResponse, error) {
	if req == nil || req.ServiceType == "" || req.CredentialRef == "" {
		return nil, fmt.Errorf("%w: serviceType and credentialRef are required", ErrInvalidRequest)
	}
	if customerID == "" {
		return nil, fmt.Errorf("%w: customer is required", ErrInvalidRequest)
	}

	now := time.Now()
	steps := StepsFor(req.ServiceType)
	be := &batchEntry{
		batch: &model.Batch{
			ID:           uuid.New().String(),
			CustomerID:   customerID,
			ServiceType:  req.ServiceType,
			StartTime:    now,
			InspectionID: req.Config.InspectionID,
		},
	}

	resp := &model.StartInspectionResponse{BatchID: be.batch.ID, CreatedAt: now}
	entries := make([]*jobEntry, 0, len(req.Config.SelectedItems)+1)
	for _, item := range itemsToInspect(req.Config.SelectedItems) {
		jobCtx, cancel := context.WithCancel(o.rootCtx)
		job := model.NewJob(uuid.New().String(), be.batch.ID, item, customerID, req.ServiceType, steps, now)
		entries = append(entries, &jobEntry{
			job:           job,
			batch:         be,
			credentialRef: req.CredentialRef,
			ctx:           jobCtx,
			cancel:        cancel,
		})
		be.batch.JobIDs = append(be.batch.JobIDs, job.ID)
		resp.Jobs = append(resp.Jobs, model.JobSummary{JobID: job.ID, ItemID: item, Status: job.Status})
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		for _, e := range entries {
			e.cancel()
		}
		return nil, ErrShuttingDown
	}
	if id := req.Config.InspectionID; id != "" && o.knownTopic(id) {
		o.mu.Unlock()
		for _, e := range entries {
			e.cancel()
		}
		return nil, fmt.Errorf("%w: inspectionId %s is already in use", ErrInvalidRequest, id)
	}
	o.batches[be.batch.ID] = be
	for _, e := range entries {
		o.jobs[e.job.ID] = e
	}
	o.wg.Add(1)
	o.mu.Unlock()

	if req.Config.InspectionID != "" {
		o.notifier.Migrate(req.Config.InspectionID, be.batch.ID, customerID)
	}

	zap.S().Infof("batch %s started for customer %s: %d %s jobs", be.batch.ID, customerID, len(entries), req.ServiceType)

	go o.runBatch(entries)

	return resp, nil
}

// Job returns the status of one job owned by customerID.
func (o *Orchestrator) Job(customerID, jobID string) (*model.JobStatusResponse, error) {
	o.mu.Lock()
	e, ok := o.jobs[jobID]
	if !ok || e.job.CustomerID != customerID {
		o.mu.Unlock()
		return nil, ErrJobNotFound
	}
	snap := e.job.Clone()
	o.mu.Unlock()

	return jobStatus(snap, time.Now()), nil
}

// Batch returns the aggregate status of one batch owned by customerID.
func (o *Orchestrator) Batch(customerID, batchID string) (*model.BatchStatusResponse, error) {
	o.mu.Lock()
	be, ok := o.batches[batchID]
	if !ok || be.batch.CustomerID != customerID {
		o.mu.Unlock()
		return nil, ErrBatchNotFound
	}
	jobs := make([]*model.Job, 0, len(be.batch.JobIDs))
	for _, id := range be.batch.JobIDs {
		jobs = append(jobs, o.jobs[id].job.Clone())
	}
	resp := &model.BatchStatusResponse{
		BatchID:        batchID,
		Status:         batchStatus(jobs, be.finished),
		CompletedCount: be.finished,
		TotalJobs:      len(jobs),
		Percentage:     batchPercentage(be.finished, len(jobs)),
		StartTime:      be.batch.StartTime,
	}
	if be.batch.CompletedAt != nil {
		t := *be.batch.CompletedAt
		resp.CompletedAt = &t
	}
	o.mu.Unlock()

	now := time.Now()
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, jobStatus(j, now))
	}
	return resp, nil
}

// CanSubscribe reports whether userID may follow topic. Job and batch topics are limited
// to their owner; any other topic is a client-chosen id and stays open.
func (o *Orchestrator) CanSubscribe(userID, topic string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.jobs[topic]; ok {
		return e.job.CustomerID == userID
	}
	if be, ok := o.batches[topic]; ok {
		return be.batch.CustomerID == userID
	}
	return true
}

// knownTopic reports whether id names a live job or batch. Callers hold o.mu.
func (o *Orchestrator) knownTopic(id string) bool {
	if _, ok := o.jobs[id]; ok {
		return true
	}
	_, ok := o.batches[id]
	return ok
}

// Cancel fails a job that has not finished yet.
func (o *Orchestrator) Cancel(customerID, jobID string) (*model.Job, error) {
	o.mu.Lock()
	e, ok := o.jobs[jobID]
	o.mu.Unlock()
	if !ok || e.job.CustomerID != customerID {
		return nil, ErrJobNotFound
	}

	snap, changed := o.terminate(e, func(j *model.Job, now time.Time) bool {
		return j.Fail(cancelMessage, now)
	}, nil)
	if !changed {
		return nil, ErrJobAlreadyFinished
	}
	e.cancel()
	zap.S().Infof("job %s cancelled", jobID)
	return snap, nil
}

// Shutdown cancels running jobs and waits for their pipelines to return.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for _, be := range o.batches {
		if be.expiry != nil {
			be.expiry.Stop()
		}
	}
	o.mu.Unlock()

	o.rootCancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) runBatch(entries []*jobEntry) {
	defer o.wg.Done()

	var g errgroup.Group
	if o.opts.MaxParallelJobs > 0 {
		g.SetLimit(o.opts.MaxParallelJobs)
	}
	for _, e := range entries {
		g.Go(func() error {
			o.runJob(e)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) runJob(e *jobEntry) {
	defer e.cancel()

	ctx := e.ctx
	job := e.job
	steps := job.Steps

	if _, ok := o.transition(e, func(j *model.Job, now time.Time) bool { return j.Start(now) }); !ok {
		return
	}

	credIdx, _ := phaseSpan(steps, model.StepPhaseCredentials)
	o.advance(e, credIdx, 0, 0)

	creds, err := o.credentials.AssumeRole(ctx, e.credentialRef, "inspection-"+job.ID)
	if err != nil {
		o.fail(e, fmt.Sprintf("failed to acquire credentials: %v", err), nil)
		return
	}

	insp, ok := o.inspectors.GetInspector(job.ServiceType)
	if !ok {
		o.fail(e, fmt.Sprintf("%v: %s", ErrUnknownServiceType, job.ServiceType), nil)
		return
	}

	first, count := phaseSpan(steps, model.StepPhaseInspect)
	if first < 0 {
		first, count = 0, 1
	}
	o.advance(e, first, 0, 0)

	results, err := insp.Execute(ctx, inspector.Request{
		CustomerID:  job.CustomerID,
		JobID:       job.ID,
		ItemID:      job.ItemID,
		Credentials: creds,
	}, func(p inspector.Progress) {
		offset := p.Step
		if offset < 0 {
			offset = 0
		} else if offset >= count {
			offset = count - 1
		}
		o.advance(e, first+offset, p.Fraction, p.Resources)
	})
	if err != nil {
		var partial []model.ItemResult
		if pr, ok := insp.(inspector.PartialResulter); ok {
			partial = pr.PartialResults()
		}
		o.fail(e, fmt.Sprintf("inspection failed: %v", err), partial)
		return
	}

	persistIdx, _ := phaseSpan(steps, model.StepPhasePersist)
	o.advance(e, persistIdx, 0, len(results))
	o.complete(e, results)
}

// complete persists the results while the job sits in its persist step and only then
// marks it COMPLETED, so a COMPLETED job is always counted toward its batch.
func (o *Orchestrator) complete(e *jobEntry, results []model.ItemResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), persistTimeout)
	defer cancel()

	attempts, err := o.opts.Persist.Save(ctx, o.store, e.job.CustomerID, e.job.ID, results)
	if err != nil {
		metrics.IncreasePersistFailures()
		zap.S().Errorf("job %s: persisting %d results failed after %d attempts: %v", e.job.ID, len(results), attempts, err)
		o.notifier.Broadcast(model.WSErrorMessage{
			Type:         model.WSMessageTypeError,
			InspectionID: e.job.ID,
			BatchID:      e.job.BatchID,
			Code:         model.WSErrorPersistenceFailed,
			Message:      "inspection results could not be saved yet and will be retried",
		}, e.job.ID, e.job.BatchID)

		if o.reconcile != nil {
			if err := o.reconcile.EnqueuePersist(ctx, e.job.CustomerID, e.job.ID, results); err != nil {
				zap.S().Errorf("job %s: failed to enqueue persistence retry: %v", e.job.ID, err)
			}
		}
	} else if attempts > 1 {
		zap.S().Infof("job %s: results persisted after %d attempts", e.job.ID, attempts)
	}

	if _, ok := o.terminate(e, func(j *model.Job, now time.Time) bool { return j.Complete(now) }, results); !ok {
		zap.S().Infof("job %s finished while its results were being saved", e.job.ID)
	}
}

func (o *Orchestrator) fail(e *jobEntry, msg string, partial []model.ItemResult) {
	o.mu.Lock()
	terminal := e.job.Status.IsTerminal()
	o.mu.Unlock()
	if terminal {
		return
	}

	if len(partial) > 0 {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), persistTimeout)
		if _, err := o.opts.Persist.Save(ctx, o.store, e.job.CustomerID, e.job.ID, partial); err != nil {
			zap.S().Warnf("job %s: failed to persist %d partial results: %v", e.job.ID, len(partial), err)
		}
		cancel()
	}

	if _, ok := o.terminate(e, func(j *model.Job, now time.Time) bool { return j.Fail(msg, now) }, nil); ok {
		zap.S().Warnf("job %s failed: %s", e.job.ID, msg)
	}
}

func (o *Orchestrator) advance(e *jobEntry, index int, fraction float64, resources int) {
	o.transition(e, func(j *model.Job, now time.Time) bool {
		return j.Advance(index, fraction, resources, now)
	})
}

// transition applies a non-terminal change to the job and publishes the resulting status
// and progress events. Nothing is published when fn reports no change.
func (o *Orchestrator) transition(e *jobEntry, fn func(j *model.Job, now time.Time) bool) (*model.Job, bool) {
	e.batch.emitMu.Lock()
	defer e.batch.emitMu.Unlock()

	o.mu.Lock()
	now := time.Now()
	prev := e.job.Status
	changed := fn(e.job, now)
	snap := e.job.Clone()
	o.mu.Unlock()

	if changed {
		o.publishJob(snap, prev, now)
	}
	return snap, changed
}

// terminate moves the job into a terminal state with fn and counts it toward its batch
// in the same critical section, so the batch never shows a finished job it has not
// counted. It then publishes the job's completion, the batch progress and, for the last
// job, the batch completion. Only the first terminal change is applied.
func (o *Orchestrator) terminate(e *jobEntry, fn func(j *model.Job, now time.Time) bool, results []model.ItemResult) (*model.Job, bool) {
	be := e.batch
	be.emitMu.Lock()
	defer be.emitMu.Unlock()

	o.mu.Lock()
	now := time.Now()
	prev := e.job.Status
	if e.finalized || !fn(e.job, now) {
		snap := e.job.Clone()
		o.mu.Unlock()
		return snap, false
	}
	e.finalized = true
	be.finished++

	job := e.job.Clone()
	total := len(be.batch.JobIDs)
	finished := be.finished
	done := finished == total

	var outcomes []model.JobOutcome
	var status model.BatchStatus
	var duration time.Duration
	if done {
		be.batch.CompletedAt = &now
		duration = now.Sub(be.batch.StartTime)
		jobs := make([]*model.Job, 0, total)
		for _, id := range be.batch.JobIDs {
			j := o.jobs[id].job
			jobs = append(jobs, j)
			outcomes = append(outcomes, model.JobOutcome{
				JobID:    j.ID,
				ItemID:   j.ItemID,
				Status:   j.Status,
				Duration: j.Duration(now).Milliseconds(),
				Error:    j.Error,
			})
		}
		status = batchStatus(jobs, finished)
	}
	o.mu.Unlock()

	o.publishJob(job, prev, now)
	metrics.IncreaseJobsFinished(job.ServiceType, string(job.Status))

	complete := model.WSCompleteMessage{
		Type:         model.WSMessageTypeComplete,
		InspectionID: job.ID,
		BatchID:      job.BatchID,
		Status:       string(job.Status),
		Duration:     job.Duration(now).Milliseconds(),
		Error:        job.Error,
	}
	if results != nil {
		complete.Results = results
	}
	o.notifier.Broadcast(complete, job.ID, job.BatchID)
	o.notifier.ScheduleTopicCleanup(job.ID)

	o.notifier.Broadcast(model.WSBatchProgressMessage{
		Type:           model.WSMessageTypeBatchProgress,
		BatchID:        job.BatchID,
		CompletedCount: finished,
		TotalJobs:      total,
		Percentage:     batchPercentage(finished, total),
	}, job.BatchID)

	if !done {
		return job, true
	}

	o.notifier.Broadcast(model.WSCompleteMessage{
		Type:           model.WSMessageTypeComplete,
		InspectionID:   job.BatchID,
		BatchID:        job.BatchID,
		Status:         string(status),
		Duration:       duration.Milliseconds(),
		ForceRefresh:   true,
		CompletedCount: finished,
		TotalJobs:      total,
		Outcomes:       outcomes,
	}, job.BatchID)
	o.notifier.ScheduleTopicCleanup(job.BatchID)

	zap.S().Infof("batch %s finished with status %s in %s", job.BatchID, status, duration)
	o.scheduleExpiry(be)
	return job, true
}

// publishJob sends the status change, if any, and the progress of a job snapshot to the
// job topic and its batch topic. Failed jobs report no progress.
func (o *Orchestrator) publishJob(snap *model.Job, prev model.JobStatus, now time.Time) {
	topics := []string{snap.ID, snap.BatchID}
	if snap.Status != prev {
		o.notifier.Broadcast(model.WSStatusMessage{
			Type:         model.WSMessageTypeStatusChange,
			InspectionID: snap.ID,
			BatchID:      snap.BatchID,
			Status:       string(snap.Status),
			Error:        snap.Error,
		}, topics...)
	}
	if snap.Status != model.JobStatusFailed {
		o.notifier.Broadcast(progressMessage(snap, now), topics...)
	}
}

func (o *Orchestrator) scheduleExpiry(be *batchEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	batchID := be.batch.ID
	be.expiry = time.AfterFunc(o.opts.Retention, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if cur, ok := o.batches[batchID]; !ok || cur != be {
			return
		}
		delete(o.batches, batchID)
		for _, id := range be.batch.JobIDs {
			delete(o.jobs, id)
		}
		zap.S().Debugf("batch %s expired", batchID)
	})
}

func itemsToInspect(selected []string) []string {
	if len(selected) == 0 {
		return []string{model.AllItems}
	}
	seen := make(map[string]struct{}, len(selected))
	items := make([]string, 0, len(selected))
	for _, item := range selected {
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		items = append(items, item)
	}
	return items
}

func progressMessage(j *model.Job, now time.Time) model.WSProgressMessage {
	return model.WSProgressMessage{
		Type:         model.WSMessageTypeProgress,
		InspectionID: j.ID,
		BatchID:      j.BatchID,
		Progress: model.WSProgress{
			Percentage:         j.Percentage,
			CurrentStep:        j.CurrentStep(),
			CompletedSteps:     j.CompletedSteps(),
			TotalSteps:         len(j.Steps),
			ResourcesProcessed: j.ResourcesProcessed,
		},
		EstimatedTimeRemaining: j.EstimatedTimeRemaining(now),
	}
}

func jobStatus(j *model.Job, now time.Time) *model.JobStatusResponse {
	return &model.JobStatusResponse{
		Job:                    j,
		CurrentStep:            j.CurrentStep(),
		CompletedSteps:         j.CompletedSteps(),
		TotalSteps:             len(j.Steps),
		EstimatedTimeRemaining: j.EstimatedTimeRemaining(now),
	}
}

func batchPercentage(finished, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(100 * float64(finished) / float64(total)))
}

// batchStatus derives the batch status from its jobs. Callers hold the orchestrator lock.
func batchStatus(jobs []*model.Job, finished int) model.BatchStatus {
	if finished < len(jobs) {
		return model.BatchStatusRunning
	}
	completed := 0
	for _, j := range jobs {
		if j.Status == model.JobStatusCompleted {
			completed++
		}
	}
	switch completed {
	case len(jobs):
		return model.BatchStatusCompleted
	case 0:
		return model.BatchStatusFailed
	default:
		return model.BatchStatusPartial
	}
}
