// Package api exposes the pipeline over HTTP and a websocket status stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"media-intelligence/pkg/apperr"
	"media-intelligence/pkg/backend"
	"media-intelligence/pkg/models"
	"media-intelligence/pkg/pipeline"
	"media-intelligence/pkg/storage"
)

const maxBodyBytes = 1 << 20

type Handlers struct {
	pipeline *pipeline.Manager
	runs     storage.MemoryStore
	ledger   storage.DiskStore
	checks   map[string]backend.Checker
	backend  string
	log      *logrus.Entry

	// pollInterval is how often websocket streams look at run state.
	pollInterval time.Duration
}

type Options struct {
	Runs   storage.MemoryStore
	Ledger storage.DiskStore
	// Checks are consulted by /ready, keyed by the name reported on failure.
	Checks      map[string]backend.Checker
	BackendName string
	Log         *logrus.Entry
}

func NewHandlers(p *pipeline.Manager, opts Options) *Handlers {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handlers{
		pipeline:     p,
		runs:         opts.Runs,
		ledger:       opts.Ledger,
		checks:       opts.Checks,
		backend:      opts.BackendName,
		log:          log.WithField("component", "api"),
		pollInterval: 500 * time.Millisecond,
	}
}

// Router registers every route on a new mux router.
func (h *Handlers) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/", h.IndexHandler).Methods("GET")
	router.HandleFunc("/health", h.HealthHandler).Methods("GET")
	router.HandleFunc("/ready", h.ReadyHandler).Methods("GET")
	router.HandleFunc("/process", h.ProcessHandler).Methods("POST")
	router.HandleFunc("/batch", h.BatchHandler).Methods("POST")
	router.HandleFunc("/jobs", h.SubmitJobHandler).Methods("POST")
	router.HandleFunc("/jobs/{id}", h.GetRunHandler).Methods("GET")
	router.HandleFunc("/runs", h.ListRunsHandler).Methods("GET")
	router.HandleFunc("/runs/{id}", h.GetRunHandler).Methods("GET")
	router.HandleFunc("/runs/{id}", h.CancelRunHandler).Methods("DELETE")
	router.HandleFunc("/ws", h.WebSocketHandler)
	return router
}

func (h *Handlers) IndexHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "media-intelligence",
		"backend": h.backend,
		"endpoints": []string{
			"POST /process", "POST /batch", "POST /jobs",
			"GET /runs", "GET /runs/{id}", "DELETE /runs/{id}",
			"GET /health", "GET /ready", "GET /ws",
		},
	})
}

func (h *Handlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler reports 503 while any dependency check fails.
func (h *Handlers) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failures := map[string]string{}
	for name, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			h.log.WithField("check", name).WithError(err).Warn("readiness check failed")
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":   "unavailable",
			"failures": failures,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handlers) ProcessHandler(w http.ResponseWriter, r *http.Request) {
	req := models.NewProcessRequest("")
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	h.log.WithField("source_ref", req.SourceRef).Info("processing started")
	out, err := h.pipeline.Process(r.Context(), req)
	if err != nil {
		writeJSON(w, apperr.KindOf(err).HTTPStatus(), out.Response)
		return
	}
	writeJSON(w, http.StatusOK, out.Response)
}

func (h *Handlers) BatchHandler(w http.ResponseWriter, r *http.Request) {
	batch := models.BatchRequest{Options: models.DefaultOptions()}
	if err := decodeBody(r, &batch); err != nil {
		writeError(w, err)
		return
	}
	if len(batch.SourceRefs) == 0 {
		writeError(w, apperr.New(apperr.KindInvalidInput, "source_refs is required"))
		return
	}

	h.log.WithField("files", len(batch.SourceRefs)).Info("batch started")
	writeJSON(w, http.StatusOK, h.pipeline.ProcessBatch(r.Context(), batch))
}

// SubmitJobHandler queues a request and answers 202 with the job status.
func (h *Handlers) SubmitJobHandler(w http.ResponseWriter, r *http.Request) {
	req := models.NewProcessRequest("")
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	job, err := h.pipeline.Submit(req)
	if err != nil {
		writeError(w, err)
		return
	}
	h.log.WithFields(logrus.Fields{"job_id": job.ID, "source_ref": req.SourceRef}).Info("job submitted")
	writeJSON(w, http.StatusAccepted, job.Status())
}

// GetRunHandler looks the id up as a job, then as a tracked run, then in the
// ledger of completed runs.
func (h *Handlers) GetRunHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if job, ok := h.pipeline.Job(id); ok {
		writeJSON(w, http.StatusOK, job.Status())
		return
	}
	if h.runs != nil {
		run, err := h.runs.GetRun(id)
		if err == nil {
			writeJSON(w, http.StatusOK, run)
			return
		}
		if !errors.Is(err, storage.ErrRunNotFound) {
			writeError(w, apperr.Wrap(apperr.KindInternal, err))
			return
		}
	}
	if h.ledger != nil {
		rec, err := h.ledger.GetRecord(id)
		if err == nil {
			writeJSON(w, http.StatusOK, &models.RunStatus{
				RunID:     rec.RunID,
				SourceRef: rec.SourceRef,
				State:     models.StateCompleted,
				CreatedAt: rec.CompletedAt,
				UpdatedAt: rec.CompletedAt,
				Response:  &rec.Response,
			})
			return
		}
		if !errors.Is(err, storage.ErrRunNotFound) {
			writeError(w, apperr.Wrap(apperr.KindInternal, err))
			return
		}
	}

	h.log.WithField("id", id).Debug("run not found")
	writeError(w, apperr.New(apperr.KindNotFound, "run %s not found", id))
}

func (h *Handlers) ListRunsHandler(w http.ResponseWriter, r *http.Request) {
	var runs []*models.RunStatus
	if h.runs != nil {
		runs = h.runs.ListRuns()
	}
	// Newest first.
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	if len(runs) > limit {
		runs = runs[:limit]
	}
	if runs == nil {
		runs = []*models.RunStatus{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

func (h *Handlers) CancelRunHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.pipeline.Cancel(id) {
		writeError(w, apperr.New(apperr.KindNotFound, "no queued or running job for %s", id))
		return
	}
	h.log.WithField("id", id).Info("cancellation requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.New(apperr.KindInvalidInput, "invalid request body: %v", err)
	}
	return nil
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	writeJSON(w, kind.HTTPStatus(), models.Response{
		Status:    models.StatusError,
		Error:     apperr.Summary(err),
		ErrorKind: kind.WireKind(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
