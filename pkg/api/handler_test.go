package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-intelligence/pkg/backend"
	"media-intelligence/pkg/backend/local"
	"media-intelligence/pkg/config"
	"media-intelligence/pkg/media"
	"media-intelligence/pkg/models"
	"media-intelligence/pkg/pipeline"
	"media-intelligence/pkg/storage"
)

type stubBackend struct{}

func (stubBackend) Name() string { return "stub" }

func (stubBackend) Transcribe(ctx context.Context, audio backend.Audio, opts models.Options) ([]models.TranscriptSegment, error) {
	return []models.TranscriptSegment{{Start: 0, End: 5, Text: "hi there", Confidence: 0.9, Words: []models.Word{}}}, nil
}

func (stubBackend) Diarize(ctx context.Context, audio backend.Audio, opts models.Options) ([]models.DiarizationTurn, error) {
	return []models.DiarizationTurn{{Start: 0, End: 10, SpeakerID: "SPEAKER_00"}}, nil
}

func (stubBackend) Classify(ctx context.Context, audio backend.Audio, opts models.Options) ([]models.SituationWindow, error) {
	return []models.SituationWindow{{Start: 0, End: 10, LabelScores: map[string]float64{"meeting": 0.9}}}, nil
}

type stubProber struct{}

func (stubProber) Probe(ctx context.Context, path string) (media.Info, error) {
	if _, err := os.Stat(path); err != nil {
		return media.Info{}, err
	}
	return media.Info{Duration: 10, Prober: "stub"}, nil
}

type checkFunc func(ctx context.Context) error

func (f checkFunc) Check(ctx context.Context) error { return f(ctx) }

type testServer struct {
	*httptest.Server
	handlers *Handlers
	runs     storage.MemoryStore
}

func newTestServer(t *testing.T, checks map[string]backend.Checker) *testServer {
	t.Helper()
	dir := t.TempDir()
	in := filepath.Join(dir, "in")
	require.NoError(t, os.MkdirAll(in, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(in, "a.wav"), []byte("RIFF a"), 0o644))

	logger, _ := test.NewNullLogger()
	log := logrus.NewEntry(logger)
	runs := storage.NewMemoryStore()

	cfg := config.PipelineConfig{
		Workers:        2,
		QueueSize:      4,
		FileTimeout:    10 * time.Second,
		OutputLocation: "out",
		Retry:          config.RetryConfig{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		StorageRetry:   config.RetryConfig{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}
	orch, err := pipeline.NewOrchestrator(pipeline.Deps{
		Backend:   stubBackend{},
		Source:    &local.FileSource{Root: in},
		Prober:    stubProber{},
		Artifacts: &storage.FSStore{Root: filepath.Join(dir, "artifacts")},
		Runs:      runs,
		Log:       log,
	}, cfg)
	require.NoError(t, err)

	manager := pipeline.NewManager(cfg, orch, log)
	require.NoError(t, manager.Start(context.Background()))
	t.Cleanup(manager.Stop)

	h := NewHandlers(manager, Options{Runs: runs, Checks: checks, BackendName: "stub", Log: log})
	h.pollInterval = 10 * time.Millisecond

	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, handlers: h, runs: runs}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	return resp, out
}

func TestProcessHandler(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := srv.do(t, "POST", "/process", map[string]string{"source_ref": "a.wav"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", body["status"])
	assert.NotEmpty(t, body["run_id"])
	summary := body["summary"].(map[string]interface{})
	assert.Equal(t, float64(1), summary["speaker_count"], "diarization defaults to on")
	assert.Equal(t, "meeting", summary["overall_situation"])

	resp, body = srv.do(t, "GET", "/runs/"+body["run_id"].(string), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["state"])
}

func TestProcessHandler_Errors(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name   string
		body   interface{}
		status int
		kind   string
	}{
		{"malformed json", `{"source_ref":`, http.StatusBadRequest, "invalid_input"},
		{"unknown field", `{"source_ref":"a.wav","priority":1}`, http.StatusBadRequest, "invalid_input"},
		{"missing ref", map[string]string{}, http.StatusBadRequest, "invalid_input"},
		{"unsupported format", map[string]string{"source_ref": "a.txt"}, http.StatusUnsupportedMediaType, "unsupported_format"},
		{"missing file", map[string]string{"source_ref": "b.wav"}, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := srv.do(t, "POST", "/process", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "error", body["status"])
			assert.Equal(t, tt.kind, body["error_kind"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestBatchHandler(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := srv.do(t, "POST", "/batch", map[string]interface{}{"source_refs": []string{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_input", body["error_kind"])

	resp, body = srv.do(t, "POST", "/batch", map[string]interface{}{"source_refs": []string{"a.wav", "b.wav"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	summary := body["summary"].(map[string]interface{})
	assert.Equal(t, float64(2), summary["total"])
	assert.Equal(t, float64(1), summary["successful"])
	assert.Equal(t, float64(1), summary["failed"])
}

func TestJobsLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := srv.do(t, "POST", "/jobs", map[string]string{"source_ref": "a.wav"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := body["job_id"].(string)
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		_, body = srv.do(t, "GET", "/jobs/"+jobID, nil)
		return body["state"] == "done"
	}, 5*time.Second, 10*time.Millisecond)
	response := body["response"].(map[string]interface{})
	assert.Equal(t, "success", response["status"])
	assert.Equal(t, body["run_id"], response["run_id"])

	resp, body = srv.do(t, "GET", "/runs", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])
}

func TestRunLookupAndCancel_NotFound(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := srv.do(t, "GET", "/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["error_kind"])

	resp, body = srv.do(t, "DELETE", "/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["error_kind"])
}

func TestHealthAndReady(t *testing.T) {
	healthy := newTestServer(t, map[string]backend.Checker{
		"backend": checkFunc(func(context.Context) error { return nil }),
	})
	resp, body := healthy.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	resp, _ = healthy.do(t, "GET", "/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	broken := newTestServer(t, map[string]backend.Checker{
		"backend": checkFunc(func(context.Context) error { return errors.New("transcribe helper missing") }),
	})
	resp, body = broken.do(t, "GET", "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, map[string]interface{}{"backend": "transcribe helper missing"}, body["failures"])

	resp, body = healthy.do(t, "GET", "/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stub", body["backend"])
}

func dialWS(t *testing.T, srv *testServer) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, types ...string) WebSocketMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg WebSocketMessage
		require.NoError(t, conn.ReadJSON(&msg))
		for _, typ := range types {
			if msg.Type == typ {
				return msg
			}
		}
	}
}

func TestWebSocket_PingAndUnknown(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := dialWS(t, srv)

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "ping"}))
	assert.Equal(t, "pong", readUntil(t, conn, "pong", "error").Type)

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "upload"}))
	msg := readUntil(t, conn, "error")
	assert.Equal(t, "unknown message type", msg.Error)
}

func TestWebSocket_ProcessStreamsToCompletion(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := dialWS(t, srv)

	require.NoError(t, conn.WriteJSON(WebSocketMessage{
		Type:    "process",
		Request: json.RawMessage(`{"source_ref":"a.wav"}`),
	}))
	accepted := readUntil(t, conn, "job_accepted", "error")
	require.Equal(t, "job_accepted", accepted.Type)
	assert.NotEmpty(t, accepted.JobID)

	final := readUntil(t, conn, "processing_complete", "processing_failed")
	require.Equal(t, "processing_complete", final.Type, final.Error)
	assert.Equal(t, accepted.JobID, final.JobID)

	var resp models.Response
	require.NoError(t, json.Unmarshal(final.Data, &resp))
	assert.Equal(t, final.RunID, resp.RunID)
	assert.Equal(t, 1, resp.Summary.SpeakerCount)

	// A finished run can still be subscribed to while it is tracked.
	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "subscribe", RunID: final.RunID}))
	again := readUntil(t, conn, "processing_complete", "processing_failed", "error")
	assert.Equal(t, "processing_complete", again.Type)
}

func TestWebSocket_ProcessRejectsBadRequest(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := dialWS(t, srv)

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "process"}))
	msg := readUntil(t, conn, "error")
	assert.Equal(t, "invalid_input", msg.ErrorKind)

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "subscribe", RunID: "nope"}))
	msg = readUntil(t, conn, "error")
	assert.Equal(t, "not_found", msg.ErrorKind)
}
