package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-intelligence/pkg/apperr"
	"media-intelligence/pkg/config"
	"media-intelligence/pkg/models"
)

func startManager(t *testing.T, h *harness) *Manager {
	t.Helper()
	m := NewManager(h.cfg, h.orch, quietLog())
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m
}

func waitDone(t *testing.T, job *Job) JobStatus {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s did not finish", job.ID)
	}
	return job.Status()
}

func TestManager_SubmitRunsJob(t *testing.T) {
	h := newHarness(t, nil)
	m := startManager(t, h)

	job, err := m.Submit(models.NewProcessRequest(meetingRef))
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)

	st := waitDone(t, job)
	assert.Equal(t, JobDone, st.State)
	require.NotNil(t, st.Response)
	assert.Equal(t, models.StatusSuccess, st.Response.Status)
	assert.Equal(t, st.Response.RunID, st.RunID)

	got, ok := m.Job(job.ID)
	require.True(t, ok)
	assert.Same(t, job, got)
}

func TestManager_SubmitBeforeStart(t *testing.T) {
	h := newHarness(t, nil)
	m := NewManager(h.cfg, h.orch, quietLog())

	_, err := m.Submit(models.NewProcessRequest(meetingRef))
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
}

func TestManager_CancelLeavesSiblingsRunning(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.block = make(chan struct{})
	h.backend.entered = make(chan struct{}, 1)
	m := startManager(t, h)

	first, err := m.Submit(models.NewProcessRequest(meetingRef))
	require.NoError(t, err)
	second, err := m.Submit(models.NewProcessRequest("calls/other.wav"))
	require.NoError(t, err)

	<-h.backend.entered
	assert.True(t, m.Cancel(first.ID))
	assert.False(t, m.Cancel("no-such-job"))

	st := waitDone(t, first)
	assert.Equal(t, models.StatusError, st.Response.Status)
	assert.Equal(t, "processing cancelled", st.Response.Error)

	close(h.backend.block)
	st = waitDone(t, second)
	assert.Equal(t, models.StatusSuccess, st.Response.Status)
}

func TestManager_CancelByRunID(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.block = make(chan struct{})
	h.backend.entered = make(chan struct{}, 1)
	m := startManager(t, h)

	job, err := m.Submit(models.NewProcessRequest(meetingRef))
	require.NoError(t, err)
	<-h.backend.entered

	runID := job.Status().RunID
	require.NotEmpty(t, runID)
	assert.True(t, m.Cancel(runID))
	st := waitDone(t, job)
	assert.Equal(t, "processing cancelled", st.Response.Error)

	status, err := h.runs.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, status.State)
}

func TestManager_RejectsWhenQueueIsFull(t *testing.T) {
	h := newHarness(t, func(cfg *config.PipelineConfig) {
		cfg.Workers = 1
		cfg.QueueSize = 1
	})
	h.backend.block = make(chan struct{})
	h.backend.entered = make(chan struct{}, 1)
	m := startManager(t, h)
	defer close(h.backend.block)

	// One running, two in the worker queue and one waiting for ingestion.
	var rejected error
	for i := 0; i < 10 && rejected == nil; i++ {
		_, rejected = m.Submit(models.NewProcessRequest(meetingRef))
	}
	require.Error(t, rejected)
	assert.Equal(t, apperr.KindUpstreamUnavailable, apperr.KindOf(rejected))
	assert.Contains(t, rejected.Error(), "pipeline queue is full")
}

func TestManager_StopCancelsQueuedAndRunningJobs(t *testing.T) {
	h := newHarness(t, func(cfg *config.PipelineConfig) { cfg.Workers = 1 })
	h.backend.block = make(chan struct{})
	h.backend.entered = make(chan struct{}, 1)
	m := NewManager(h.cfg, h.orch, quietLog())
	require.NoError(t, m.Start(context.Background()))

	var jobs []*Job
	for i := 0; i < 3; i++ {
		job, err := m.Submit(models.NewProcessRequest(meetingRef))
		require.NoError(t, err)
		jobs = append(jobs, job)
	}
	<-h.backend.entered

	m.Stop()
	for _, job := range jobs {
		st := waitDone(t, job)
		assert.Equal(t, models.StatusError, st.Response.Status)
		assert.Equal(t, "processing cancelled", st.Response.Error)
	}
	assert.Equal(t, int32(1), h.source.released.Load())

	_, err := m.Submit(models.NewProcessRequest(meetingRef))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline is shutting down")
	m.Stop()
}

func TestManager_ProcessAppliesFileTimeout(t *testing.T) {
	h := newHarness(t, func(cfg *config.PipelineConfig) { cfg.FileTimeout = 50 * time.Millisecond })
	h.backend.block = make(chan struct{})
	h.backend.entered = make(chan struct{}, 1)
	m := NewManager(h.cfg, h.orch, quietLog())

	out, err := m.Process(context.Background(), models.NewProcessRequest(meetingRef))
	require.Error(t, err)
	assert.Equal(t, "internal", out.Response.ErrorKind)
	assert.Equal(t, "processing timed out", out.Response.Error)
}

func TestManager_ProcessBatchKeepsOrderAndIsolatesFailures(t *testing.T) {
	h := newHarness(t, nil)
	m := NewManager(h.cfg, h.orch, quietLog())

	resp := m.ProcessBatch(context.Background(), models.BatchRequest{
		SourceRefs: []string{meetingRef, "calls/missing.wav", "calls/other.wav"},
		Options:    models.DefaultOptions(),
	})

	assert.Equal(t, models.StatusSuccess, resp.Status)
	assert.Equal(t, models.BatchSummary{Total: 3, Successful: 2, Failed: 1}, resp.Summary)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, meetingRef, resp.Results[0].SourceRef)
	assert.Equal(t, models.StatusSuccess, resp.Results[0].Status)
	assert.Equal(t, "calls/missing.wav", resp.Results[1].SourceRef)
	assert.Equal(t, "not_found", resp.Results[1].ErrorKind)
	assert.Equal(t, "calls/other.wav", resp.Results[2].SourceRef)
	assert.Equal(t, models.StatusSuccess, resp.Results[2].Status)
	assert.NotEqual(t, resp.Results[0].RunID, resp.Results[2].RunID)
}

func TestManager_PruneForgetsFinishedWork(t *testing.T) {
	h := newHarness(t, nil)
	m := startManager(t, h)

	job, err := m.Submit(models.NewProcessRequest(meetingRef))
	require.NoError(t, err)
	st := waitDone(t, job)

	m.prune(time.Now().Add(time.Hour))

	_, ok := m.Job(job.ID)
	assert.False(t, ok)
	_, err = h.runs.GetRun(st.RunID)
	assert.Error(t, err)
}

func TestWorkerPool_SubmitGivesUpWhenContextIsDone(t *testing.T) {
	release := make(chan struct{})
	pool := NewWorkerPool(1, func(context.Context, *Job) { <-release })
	pool.Start(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 3; i++ {
		require.True(t, pool.Submit(ctx, &Job{}))
	}
	cancel()
	assert.False(t, pool.Submit(ctx, &Job{}))

	close(release)
	pool.Stop()
}
