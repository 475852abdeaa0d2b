// Package pipeline turns a processing request into persisted artifacts. The
// Orchestrator drives one file through its state machine; the Manager
// queues files onto a bounded pool of workers.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"media-intelligence/pkg/apperr"
	"media-intelligence/pkg/config"
	"media-intelligence/pkg/models"
	"media-intelligence/pkg/storage"
)

type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
)

// Job is one asynchronously submitted request.
type Job struct {
	ID          string
	Request     models.ProcessRequest
	SubmittedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	state      JobState
	runID      string
	response   *models.Response
	finishedAt time.Time
}

type JobStatus struct {
	JobID       string           `json:"job_id"`
	RunID       string           `json:"run_id,omitempty"`
	SourceRef   string           `json:"source_ref"`
	State       JobState         `json:"state"`
	SubmittedAt time.Time        `json:"submitted_at"`
	Response    *models.Response `json:"response,omitempty"`
}

func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobStatus{
		JobID:       j.ID,
		RunID:       j.runID,
		SourceRef:   j.Request.SourceRef,
		State:       j.state,
		SubmittedAt: j.SubmittedAt,
		Response:    j.response,
	}
}

// Done is closed once the job has a response.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) setState(s JobState) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

func (j *Job) setRunID(id string) {
	j.mu.Lock()
	j.runID = id
	j.mu.Unlock()
}

type Manager struct {
	config config.PipelineConfig
	orch   *Orchestrator
	runs   storage.MemoryStore
	log    *logrus.Entry

	ingestionCh chan *Job
	pool        *WorkerPool

	mu      sync.Mutex
	jobs    map[string]*Job
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg config.PipelineConfig, orch *Orchestrator, log *logrus.Entry) *Manager {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		config:      cfg,
		orch:        orch,
		runs:        orch.Runs,
		log:         log.WithField("component", "manager"),
		ingestionCh: make(chan *Job, cfg.QueueSize),
		jobs:        make(map[string]*Job),
	}
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx != nil {
		return fmt.Errorf("pipeline already started")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.log.WithField("workers", m.config.Workers).Info("starting")

	m.pool = NewWorkerPool(m.config.Workers, m.runJob)
	m.pool.Start(m.ctx)

	m.wg.Add(2)
	go m.runIngestion()
	go m.runJanitor()
	return nil
}

// Stop cancels queued and running jobs and waits for the workers to return.
func (m *Manager) Stop() {
	m.log.Info("stopping")
	m.mu.Lock()
	if m.stopped || m.ctx == nil {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.pool.Stop()
	m.log.Info("stopped")
}

// Submit queues req and returns at once. It fails when the queue is full.
func (m *Manager) Submit(req models.ProcessRequest) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx == nil {
		return nil, apperr.New(apperr.KindInternal, "pipeline is not started")
	}
	if m.stopped {
		return nil, apperr.New(apperr.KindUpstreamUnavailable, "pipeline is shutting down")
	}

	jobCtx, cancel := context.WithCancel(m.ctx)
	job := &Job{
		ID:          uuid.NewString(),
		Request:     req,
		SubmittedAt: time.Now().UTC(),
		ctx:         jobCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
		state:       JobQueued,
	}

	select {
	case m.ingestionCh <- job:
		m.jobs[job.ID] = job
		m.log.WithFields(logrus.Fields{"job_id": job.ID, "source_ref": req.SourceRef}).Debug("job queued")
		return job, nil
	default:
		cancel()
		m.log.WithField("source_ref", req.SourceRef).Warn("rejecting job, pipeline queue is full")
		return nil, apperr.New(apperr.KindUpstreamUnavailable, "pipeline queue is full")
	}
}

// Job looks up a submitted job.
func (m *Manager) Job(id string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	return job, ok
}

// Cancel stops a queued or running job, found by job id or run id. Siblings
// are not affected.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, ok := m.jobs[id]; ok {
		job.cancel()
		return true
	}
	for _, job := range m.jobs {
		st := job.Status()
		if st.RunID == id && st.State != JobDone {
			job.cancel()
			return true
		}
	}
	return false
}

// Process runs one request synchronously under the per-file timeout.
func (m *Manager) Process(ctx context.Context, req models.ProcessRequest) (*Outcome, error) {
	ctx, cancel := m.fileContext(ctx)
	defer cancel()
	return m.orch.Process(ctx, req)
}

// ProcessBatch runs every request of the batch with at most Workers files in
// flight. Each file has its own timeout; one failing never stops another.
func (m *Manager) ProcessBatch(ctx context.Context, batch models.BatchRequest) models.BatchResponse {
	reqs := batch.Requests()
	results := make([]models.Response, len(reqs))

	var g errgroup.Group
	g.SetLimit(m.config.Workers)
	for i, req := range reqs {
		g.Go(func() error {
			out, _ := m.Process(ctx, req)
			results[i] = out.Response
			return nil
		})
	}
	g.Wait()

	resp := models.NewBatchResponse(results)
	m.log.WithFields(logrus.Fields{
		"total":      resp.Summary.Total,
		"successful": resp.Summary.Successful,
		"failed":     resp.Summary.Failed,
	}).Info("batch finished")
	return resp
}

func (m *Manager) fileContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.config.FileTimeout > 0 {
		return context.WithTimeout(ctx, m.config.FileTimeout)
	}
	return context.WithCancel(ctx)
}

func (m *Manager) runIngestion() {
	defer m.wg.Done()

	for {
		select {
		case job := <-m.ingestionCh:
			if !m.pool.Submit(m.ctx, job) {
				m.finishCancelled(job)
			}
		case <-m.ctx.Done():
			for {
				select {
				case job := <-m.ingestionCh:
					m.finishCancelled(job)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) runJob(_ context.Context, job *Job) {
	if job.ctx.Err() != nil {
		m.finishCancelled(job)
		return
	}
	job.setState(JobRunning)

	ctx, cancel := m.fileContext(job.ctx)
	defer cancel()
	out, _ := m.orch.process(ctx, job.Request, job.setRunID)
	m.finish(job, out.Response)
}

func (m *Manager) finishCancelled(job *Job) {
	err := apperr.Wrap(apperr.KindInternal, context.Canceled)
	m.finish(job, errorResponse(job.Request.SourceRef, "", err))
}

func (m *Manager) finish(job *Job, resp models.Response) {
	job.mu.Lock()
	job.state = JobDone
	job.response = &resp
	job.finishedAt = time.Now()
	job.mu.Unlock()
	job.cancel()
	close(job.done)

	m.log.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"run_id":     resp.RunID,
		"status":     resp.Status,
		"error_kind": resp.ErrorKind,
	}).Info("job finished")
}

// runJanitor forgets finished jobs and runs once they are older than
// RetainRuns.
func (m *Manager) runJanitor() {
	defer m.wg.Done()
	if m.config.RetainRuns <= 0 {
		<-m.ctx.Done()
		return
	}

	interval := m.config.RetainRuns / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.prune(time.Now().Add(-m.config.RetainRuns))
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) prune(cutoff time.Time) {
	runs := m.runs.Prune(cutoff)

	m.mu.Lock()
	jobs := 0
	for id, job := range m.jobs {
		job.mu.Lock()
		expired := job.state == JobDone && job.finishedAt.Before(cutoff)
		job.mu.Unlock()
		if expired {
			delete(m.jobs, id)
			jobs++
		}
	}
	m.mu.Unlock()

	if runs > 0 || jobs > 0 {
		m.log.WithFields(logrus.Fields{"runs": runs, "jobs": jobs}).Debug("pruned finished work")
	}
}
