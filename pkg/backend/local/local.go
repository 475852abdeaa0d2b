// Package local runs inference through helper processes on this machine.
//
// Each helper is invoked with the audio path and stage flags and prints one
// JSON document on stdout. Exit status follows sysexits: 65 for unusable
// input, 66 for a missing file, 69 or 75 for a temporary failure.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/sirupsen/logrus"

	"media-intelligence/pkg/apperr"
	"media-intelligence/pkg/backend"
	"media-intelligence/pkg/fusion"
	"media-intelligence/pkg/models"
)

const (
	exitDataErr     = 65
	exitNoInput     = 66
	exitUnavailable = 69
	exitTempFail    = 75
)

type Config struct {
	TranscribeCmd []string
	DiarizeCmd    []string
	ClassifyCmd   []string
	Model         string
	Device        string
	Windows       backend.Windows
	// Taxonomy maps raw classifier labels onto situations when set.
	Taxonomy *fusion.Taxonomy
	Env      []string
}

func DefaultConfig() Config {
	return Config{
		TranscribeCmd: []string{"mi-transcribe"},
		DiarizeCmd:    []string{"mi-diarize"},
		ClassifyCmd:   []string{"mi-classify"},
		Model:         "base",
		Device:        "auto",
		Windows:       backend.Windows{Length: 30, Stride: 30},
	}
}

type Backend struct {
	cfg Config
	log *logrus.Entry
}

func New(cfg Config, log *logrus.Entry) (*Backend, error) {
	for name, argv := range map[string][]string{
		"transcribe": cfg.TranscribeCmd,
		"diarize":    cfg.DiarizeCmd,
		"classify":   cfg.ClassifyCmd,
	} {
		if len(argv) == 0 || argv[0] == "" {
			return nil, fmt.Errorf("local backend: no %s helper configured", name)
		}
	}
	if cfg.Windows.Length <= 0 {
		cfg.Windows.Length = 30
	}
	if cfg.Windows.Stride <= 0 {
		cfg.Windows.Stride = cfg.Windows.Length
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Backend{cfg: cfg, log: log.WithField("backend", "local")}, nil
}

func (b *Backend) Name() string { return "local" }

func (b *Backend) Transcribe(ctx context.Context, audio backend.Audio, opts models.Options) ([]models.TranscriptSegment, error) {
	model := b.cfg.Model
	if opts.ModelProfile != "" {
		model = opts.ModelProfile
	}
	args := []string{"--audio", audio.Path, "--model", model, "--device", b.cfg.Device}
	if opts.Language != "" {
		args = append(args, "--language", opts.Language)
	}

	out, err := b.run(ctx, "transcribe", b.cfg.TranscribeCmd, args)
	if err != nil {
		return nil, err
	}
	var wt backend.WireTranscript
	if err := backend.Unmarshal(out, &wt); err != nil {
		return nil, err
	}
	return backend.DecodeTranscript(wt)
}

func (b *Backend) Diarize(ctx context.Context, audio backend.Audio, opts models.Options) ([]models.DiarizationTurn, error) {
	args := []string{"--audio", audio.Path, "--device", b.cfg.Device}
	if opts.MinSpeakers != nil {
		args = append(args, "--min-speakers", strconv.Itoa(*opts.MinSpeakers))
	}
	if opts.MaxSpeakers != nil {
		args = append(args, "--max-speakers", strconv.Itoa(*opts.MaxSpeakers))
	}

	out, err := b.run(ctx, "diarize", b.cfg.DiarizeCmd, args)
	if err != nil {
		return nil, err
	}
	var wt backend.WireTurns
	if err := backend.Unmarshal(out, &wt); err != nil {
		return nil, err
	}
	return backend.DecodeTurns(wt)
}

func (b *Backend) Classify(ctx context.Context, audio backend.Audio, opts models.Options) ([]models.SituationWindow, error) {
	args := []string{
		"--audio", audio.Path,
		"--device", b.cfg.Device,
		"--window", strconv.FormatFloat(b.cfg.Windows.Length, 'f', -1, 64),
		"--stride", strconv.FormatFloat(b.cfg.Windows.Stride, 'f', -1, 64),
	}

	out, err := b.run(ctx, "classify", b.cfg.ClassifyCmd, args)
	if err != nil {
		return nil, err
	}
	var ww backend.WireWindows
	if err := backend.Unmarshal(out, &ww); err != nil {
		return nil, err
	}
	return backend.DecodeWindows(ww, b.cfg.Taxonomy)
}

// Check verifies every helper can be found.
func (b *Backend) Check(ctx context.Context) error {
	for _, argv := range [][]string{b.cfg.TranscribeCmd, b.cfg.DiarizeCmd, b.cfg.ClassifyCmd} {
		if _, err := exec.LookPath(argv[0]); err != nil {
			return fmt.Errorf("helper %s: %w", argv[0], err)
		}
	}
	return nil
}

func (b *Backend) run(ctx context.Context, stage string, argv, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, argv[0], append(append([]string{}, argv[1:]...), args...)...)
	cmd.Env = append(os.Environ(), b.cfg.Env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	b.log.WithFields(logrus.Fields{"stage": stage, "helper": argv[0]}).Debug("running helper")
	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%s helper: %w", stage, ctx.Err())
	}

	msg := lastLine(stderr.Bytes())
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return nil, apperr.New(apperr.KindInternal, "%s helper: %v", stage, err)
	}
	switch exitErr.ExitCode() {
	case exitDataErr:
		return nil, apperr.New(apperr.KindInvalidInput, "%s helper rejected the audio: %s", stage, msg)
	case exitNoInput:
		return nil, apperr.New(apperr.KindNotFound, "%s helper could not open the audio: %s", stage, msg)
	case exitUnavailable, exitTempFail:
		return nil, apperr.New(apperr.KindUpstreamTransient, "%s helper temporarily failed: %s", stage, msg)
	default:
		return nil, apperr.New(apperr.KindInternal, "%s helper exited with %d: %s", stage, exitErr.ExitCode(), msg)
	}
}

func lastLine(b []byte) string {
	b = bytes.TrimSpace(b)
	if i := bytes.LastIndexByte(b, '\n'); i >= 0 {
		b = b[i+1:]
	}
	if len(b) > 512 {
		b = b[len(b)-512:]
	}
	return string(b)
}
