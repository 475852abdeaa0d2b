package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"media-intelligence/pkg/apperr"
	"media-intelligence/pkg/models"
	"media-intelligence/pkg/pipeline"
	"media-intelligence/pkg/storage"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WebSocketMessage struct {
	Type      string          `json:"type"`
	Request   json.RawMessage `json:"request,omitempty"`
	JobID     string          `json:"job_id,omitempty"`
	RunID     string          `json:"run_id,omitempty"`
	State     string          `json:"state,omitempty"`
	Stage     string          `json:"stage,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
}

// wsConn serializes writes; gorilla connections allow one writer at a time.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) send(msg WebSocketMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.WriteJSON(msg)
}

func (h *Handlers) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	conn := &wsConn{Conn: raw}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var streams sync.WaitGroup
	defer streams.Wait()

	for {
		var msg WebSocketMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}

		switch msg.Type {
		case "process":
			h.handleProcess(ctx, conn, &msg, &streams)
		case "subscribe":
			h.handleSubscribe(ctx, conn, &msg, &streams)
		case "ping":
			h.sendMessage(conn, WebSocketMessage{Type: "pong"})
		default:
			h.sendMessage(conn, WebSocketMessage{
				Type:  "error",
				Error: "unknown message type",
			})
		}
	}
	cancel()
}

func (h *Handlers) handleProcess(ctx context.Context, conn *wsConn, msg *WebSocketMessage, streams *sync.WaitGroup) {
	if len(msg.Request) == 0 {
		h.sendMessage(conn, WebSocketMessage{Type: "error", Error: "request is required", ErrorKind: "invalid_input"})
		return
	}
	req := models.NewProcessRequest("")
	if err := json.Unmarshal(msg.Request, &req); err != nil {
		h.sendMessage(conn, WebSocketMessage{Type: "error", Error: "invalid request: " + err.Error(), ErrorKind: "invalid_input"})
		return
	}

	job, err := h.pipeline.Submit(req)
	if err != nil {
		h.sendMessage(conn, WebSocketMessage{
			Type:      "error",
			Error:     apperr.Summary(err),
			ErrorKind: apperr.KindOf(err).WireKind(),
		})
		return
	}
	h.log.WithFields(logrus.Fields{"job_id": job.ID, "source_ref": req.SourceRef}).Info("ws job submitted")

	h.sendMessage(conn, WebSocketMessage{
		Type:  "job_accepted",
		JobID: job.ID,
		State: string(pipeline.JobQueued),
	})

	streams.Add(1)
	go func() {
		defer streams.Done()
		h.monitorJob(ctx, conn, job)
	}()
}

func (h *Handlers) handleSubscribe(ctx context.Context, conn *wsConn, msg *WebSocketMessage, streams *sync.WaitGroup) {
	if msg.RunID == "" {
		h.sendMessage(conn, WebSocketMessage{Type: "error", Error: "run_id is required"})
		return
	}
	if _, err := h.runs.GetRun(msg.RunID); err != nil {
		h.sendMessage(conn, WebSocketMessage{Type: "error", RunID: msg.RunID, Error: "run not found", ErrorKind: "not_found"})
		return
	}

	streams.Add(1)
	go func() {
		defer streams.Done()
		h.monitorRun(ctx, conn, msg.RunID)
	}()
}

// monitorJob streams run state changes of job until it finishes.
func (h *Handlers) monitorJob(ctx context.Context, conn *wsConn, job *pipeline.Job) {
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	var last models.State
	for {
		select {
		case <-ctx.Done():
			return
		case <-job.Done():
			st := job.Status()
			h.sendFinal(conn, st.RunID, job.ID, st.Response)
			return
		case <-ticker.C:
			runID := job.Status().RunID
			if runID == "" {
				continue
			}
			run, err := h.runs.GetRun(runID)
			if err != nil || run.State == last || run.State.Terminal() {
				continue
			}
			last = run.State
			h.sendMessage(conn, statusMessage(run, job.ID))
		}
	}
}

// monitorRun streams state changes of a run that someone else submitted.
func (h *Handlers) monitorRun(ctx context.Context, conn *wsConn, runID string) {
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	var last models.State
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run, err := h.runs.GetRun(runID)
			if err != nil {
				if !errors.Is(err, storage.ErrRunNotFound) {
					h.sendMessage(conn, WebSocketMessage{Type: "error", RunID: runID, Error: err.Error()})
				}
				return
			}
			if run.State.Terminal() {
				h.sendFinal(conn, runID, "", run.Response)
				return
			}
			if run.State != last {
				last = run.State
				h.sendMessage(conn, statusMessage(run, ""))
			}
		}
	}
}

func (h *Handlers) sendFinal(conn *wsConn, runID, jobID string, resp *models.Response) {
	if resp == nil || resp.Status != models.StatusSuccess {
		msg := WebSocketMessage{Type: "processing_failed", RunID: runID, JobID: jobID}
		if resp != nil {
			msg.Error, msg.ErrorKind = resp.Error, resp.ErrorKind
		}
		h.log.WithFields(logrus.Fields{"run_id": runID, "error": msg.Error}).Info("ws processing failed")
		h.sendMessage(conn, msg)
		return
	}

	h.log.WithField("run_id", runID).Info("ws processing completed")
	h.sendMessage(conn, WebSocketMessage{
		Type:  "processing_complete",
		RunID: runID,
		JobID: jobID,
		Data:  mustMarshal(resp),
	})
}

func statusMessage(run *models.RunStatus, jobID string) WebSocketMessage {
	return WebSocketMessage{
		Type:    "status_update",
		RunID:   run.RunID,
		JobID:   jobID,
		State:   string(run.State),
		Stage:   run.Stage,
		Attempt: run.Attempt,
	}
}

func (h *Handlers) sendMessage(conn *wsConn, msg WebSocketMessage) {
	if err := conn.send(msg); err != nil {
		h.log.WithError(err).Debug("websocket write failed")
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
