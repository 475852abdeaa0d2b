package models

import (
	"time"
)

type Options struct {
	Language           string `json:"language,omitempty"`
	ModelProfile       string `json:"model_profile,omitempty"`
	MinSpeakers        *int   `json:"min_speakers,omitempty"`
	MaxSpeakers        *int   `json:"max_speakers,omitempty"`
	DiarizationEnabled bool   `json:"diarization_enabled"`
	SituationEnabled   bool   `json:"situation_enabled"`
}

// DefaultOptions is what a request gets for every field it leaves out.
func DefaultOptions() Options {
	return Options{
		DiarizationEnabled: true,
		SituationEnabled:   true,
	}
}

type ProcessRequest struct {
	SourceRef      string  `json:"source_ref"`
	OutputLocation string  `json:"output_location,omitempty"`
	Options        Options `json:"options"`
}

func NewProcessRequest(sourceRef string) ProcessRequest {
	return ProcessRequest{SourceRef: sourceRef, Options: DefaultOptions()}
}

type BatchRequest struct {
	SourceRefs     []string `json:"source_refs"`
	OutputLocation string   `json:"output_location,omitempty"`
	Options        Options  `json:"options"`
}

// Requests expands the batch into one request per source.
func (b BatchRequest) Requests() []ProcessRequest {
	reqs := make([]ProcessRequest, 0, len(b.SourceRefs))
	for _, ref := range b.SourceRefs {
		reqs = append(reqs, ProcessRequest{
			SourceRef:      ref,
			OutputLocation: b.OutputLocation,
			Options:        b.Options,
		})
	}
	return reqs
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

type Summary struct {
	Duration                   float64 `json:"duration"`
	SpeakerCount               int     `json:"speaker_count"`
	OverallSituation           string  `json:"overall_situation"`
	OverallSituationConfidence float64 `json:"overall_situation_confidence"`
	SegmentCount               int     `json:"segment_count"`
}

type Response struct {
	Status         string        `json:"status"`
	RunID          string        `json:"run_id,omitempty"`
	SourceRef      string        `json:"source_ref,omitempty"`
	ResultRef      string        `json:"result_ref,omitempty"`
	TranscriptRef  string        `json:"transcript_ref,omitempty"`
	SituationRef   string        `json:"situation_ref,omitempty"`
	ProcessingTime float64       `json:"processing_time,omitempty"`
	CostEstimate   *CostEstimate `json:"cost_estimate,omitempty"`
	Summary        *Summary      `json:"summary,omitempty"`
	Reused         bool          `json:"reused,omitempty"`
	Error          string        `json:"error,omitempty"`
	ErrorKind      string        `json:"error_kind,omitempty"`
}

type BatchSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

type BatchResponse struct {
	Status  string       `json:"status"`
	Results []Response   `json:"results"`
	Summary BatchSummary `json:"summary"`
}

func NewBatchResponse(results []Response) BatchResponse {
	summary := BatchSummary{Total: len(results)}
	for _, r := range results {
		if r.Status == StatusSuccess {
			summary.Successful++
		} else {
			summary.Failed++
		}
	}
	return BatchResponse{Status: StatusSuccess, Results: results, Summary: summary}
}

// State is a step of the per-file pipeline.
type State string

const (
	StateInitialized  State = "initialized"
	StateLoaded       State = "loaded"
	StateTranscribing State = "transcribing"
	StateDiarizing    State = "diarizing"
	StateClassifying  State = "classifying"
	StateFusing       State = "fusing"
	StatePersisting   State = "persisting"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// RunStatus tracks one run while it is in flight and right after it ends.
type RunStatus struct {
	RunID     string    `json:"run_id"`
	SourceRef string    `json:"source_ref"`
	State     State     `json:"state"`
	Stage     string    `json:"stage,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Response  *Response `json:"response,omitempty"`
}
