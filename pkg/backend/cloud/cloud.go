// Package cloud calls managed inference services over HTTP and keeps audio
// and artifacts in Azure Blob Storage.
package cloud

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"media-intelligence/pkg/apperr"
	"media-intelligence/pkg/backend"
	"media-intelligence/pkg/fusion"
	"media-intelligence/pkg/models"
)

type Config struct {
	// TranscribeURL is the base of an OpenAI-compatible API, e.g. https://api.openai.com/v1.
	TranscribeURL   string
	TranscribeKey   string
	TranscribeModel string
	DiarizeURL      string
	ClassifyURL     string
	// ServiceKey authenticates against the diarization and classification services.
	ServiceKey string
	Windows    backend.Windows
	Taxonomy   *fusion.Taxonomy
	Rates      CostRates
}

type Backend struct {
	cfg    Config
	client *http.Client
	log    *logrus.Entry
}

// New builds a backend around client, which is shared by every call and
// must be safe for concurrent use. A nil client gets a default one.
func New(cfg Config, client *http.Client, log *logrus.Entry) (*Backend, error) {
	if cfg.TranscribeURL == "" || cfg.DiarizeURL == "" || cfg.ClassifyURL == "" {
		return nil, fmt.Errorf("cloud backend: transcribe, diarize and classify URLs are required")
	}
	if cfg.TranscribeModel == "" {
		cfg.TranscribeModel = "whisper-1"
	}
	if cfg.Windows.Length <= 0 {
		cfg.Windows.Length = 30
	}
	if cfg.Windows.Stride <= 0 {
		cfg.Windows.Stride = cfg.Windows.Length
	}
	if cfg.Rates == (CostRates{}) {
		cfg.Rates = DefaultCostRates()
	}
	if cfg.Rates.ClassificationWindowSecs <= 0 {
		cfg.Rates.ClassificationWindowSecs = cfg.Windows.Length
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Minute}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Backend{cfg: cfg, client: client, log: log.WithField("backend", "cloud")}, nil
}

func (b *Backend) Name() string { return "cloud" }

type field struct {
	name, value string
}

func (b *Backend) Transcribe(ctx context.Context, audio backend.Audio, opts models.Options) ([]models.TranscriptSegment, error) {
	model := b.cfg.TranscribeModel
	if opts.ModelProfile != "" {
		model = opts.ModelProfile
	}
	fields := []field{
		{"model", model},
		{"response_format", "verbose_json"},
		{"timestamp_granularities[]", "segment"},
		{"timestamp_granularities[]", "word"},
	}
	if opts.Language != "" {
		fields = append(fields, field{"language", opts.Language})
	}

	body, err := b.postAudio(ctx, "transcription", endpoint(b.cfg.TranscribeURL, "audio/transcriptions"), b.cfg.TranscribeKey, audio.Path, fields)
	if err != nil {
		return nil, err
	}
	var wt backend.WireTranscript
	if err := backend.Unmarshal(body, &wt); err != nil {
		return nil, err
	}
	return backend.DecodeTranscript(wt)
}

func (b *Backend) Diarize(ctx context.Context, audio backend.Audio, opts models.Options) ([]models.DiarizationTurn, error) {
	var fields []field
	if opts.MinSpeakers != nil {
		fields = append(fields, field{"min_speakers", strconv.Itoa(*opts.MinSpeakers)})
	}
	if opts.MaxSpeakers != nil {
		fields = append(fields, field{"max_speakers", strconv.Itoa(*opts.MaxSpeakers)})
	}

	body, err := b.postAudio(ctx, "diarization", endpoint(b.cfg.DiarizeURL, "diarize"), b.cfg.ServiceKey, audio.Path, fields)
	if err != nil {
		return nil, err
	}
	var wt backend.WireTurns
	if err := backend.Unmarshal(body, &wt); err != nil {
		return nil, err
	}
	return backend.DecodeTurns(wt)
}

func (b *Backend) Classify(ctx context.Context, audio backend.Audio, opts models.Options) ([]models.SituationWindow, error) {
	fields := []field{
		{"window", strconv.FormatFloat(b.cfg.Windows.Length, 'f', -1, 64)},
		{"stride", strconv.FormatFloat(b.cfg.Windows.Stride, 'f', -1, 64)},
	}

	body, err := b.postAudio(ctx, "classification", endpoint(b.cfg.ClassifyURL, "classify"), b.cfg.ServiceKey, audio.Path, fields)
	if err != nil {
		return nil, err
	}
	var ww backend.WireWindows
	if err := backend.Unmarshal(body, &ww); err != nil {
		return nil, err
	}
	return backend.DecodeWindows(ww, b.cfg.Taxonomy)
}

func (b *Backend) EstimateCost(duration float64, opts models.Options) *models.CostEstimate {
	return b.cfg.Rates.Estimate(duration, opts)
}

// Check calls each service's health endpoint.
func (b *Backend) Check(ctx context.Context) error {
	for _, base := range []string{b.cfg.DiarizeURL, b.cfg.ClassifyURL} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(base, "health"), nil)
		if err != nil {
			return err
		}
		resp, err := b.client.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", base, err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("%s: health returned %d", base, resp.StatusCode)
		}
	}
	return nil
}

// postAudio streams the audio file as a multipart upload and returns the
// response body of a 2xx reply.
func (b *Backend) postAudio(ctx context.Context, service, url, key, path string, fields []field) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.Classify(err), err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeMultipart(mw, fields, filepath.Base(path), f))
	}()
	defer pr.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s service: %w", service, ctx.Err())
		}
		return nil, apperr.Wrap(apperr.KindUpstreamTransient, fmt.Errorf("%s service: %w", service, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s service: %w", service, ctx.Err())
		}
		return nil, apperr.Wrap(apperr.KindUpstreamTransient, fmt.Errorf("reading %s response: %w", service, err))
	}

	b.log.WithFields(logrus.Fields{
		"service":  service,
		"status":   resp.StatusCode,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Debug("service call finished")

	if resp.StatusCode >= 300 {
		kind := apperr.FromHTTPStatus(resp.StatusCode)
		return nil, apperr.New(kind, "%s service returned %d: %s", service, resp.StatusCode, snippet(body))
	}
	return body, nil
}

func writeMultipart(mw *multipart.Writer, fields []field, filename string, r io.Reader) error {
	for _, f := range fields {
		if err := mw.WriteField(f.name, f.value); err != nil {
			return err
		}
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, r); err != nil {
		return err
	}
	return mw.Close()
}

func endpoint(base, p string) string {
	return strings.TrimRight(base, "/") + "/" + p
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 300 {
		s = s[:300] + "..."
	}
	return s
}
