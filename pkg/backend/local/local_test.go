package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-intelligence/pkg/apperr"
	"media-intelligence/pkg/backend"
	"media-intelligence/pkg/backend/backendtest"
	"media-intelligence/pkg/fusion"
	"media-intelligence/pkg/models"
)

const helperScript = `#!/bin/sh
dir=$(dirname "$0")
name=$(basename "$0")
echo "$@" > "$dir/$name.args"
mode=$(cat "$dir/$name.mode" 2>/dev/null)
case "$mode" in
  upstream_transient) echo "CUDA out of memory" >&2; exit 75 ;;
  not_found) echo "no such file" >&2; exit 66 ;;
  invalid_input) echo "cannot decode audio" >&2; exit 65 ;;
  internal) echo "Traceback (most recent call last):"; exit 0 ;;
esac
cat "$dir/$name.json"
`

type fakeHelpers struct {
	dir string
}

func newFakeHelpers(t *testing.T) *fakeHelpers {
	t.Helper()
	dir := t.TempDir()
	fixtures := map[string]string{
		"transcribe": backendtest.TranscriptSegmentWords,
		"diarize":    backendtest.Turns,
		"classify":   backendtest.Windows,
	}
	for name, payload := range fixtures {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(helperScript), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(payload), 0o644))
	}
	return &fakeHelpers{dir: dir}
}

func (f *fakeHelpers) config() Config {
	cfg := DefaultConfig()
	cfg.TranscribeCmd = []string{filepath.Join(f.dir, "transcribe")}
	cfg.DiarizeCmd = []string{filepath.Join(f.dir, "diarize")}
	cfg.ClassifyCmd = []string{filepath.Join(f.dir, "classify")}
	return cfg
}

func (f *fakeHelpers) fail(t *testing.T, name string, kind apperr.Kind) {
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, name+".mode"), []byte(kind), 0o644))
}

func (f *fakeHelpers) args(t *testing.T, name string) string {
	data, err := os.ReadFile(filepath.Join(f.dir, name+".args"))
	require.NoError(t, err)
	return strings.TrimSpace(string(data))
}

func quietLog() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

func TestConformance(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) *backendtest.Harness {
		helpers := newFakeHelpers(t)
		b, err := New(helpers.config(), quietLog())
		require.NoError(t, err)
		return &backendtest.Harness{
			Backend: b,
			Audio:   backend.Audio{Ref: "fixture.wav", Path: filepath.Join(helpers.dir, "fixture.wav"), Duration: backendtest.FixtureDuration},
			Fail: func(op backendtest.Op, kind apperr.Kind) {
				helpers.fail(t, string(op), kind)
			},
		}
	})
}

func TestBackend_PassesOptionsToHelpers(t *testing.T) {
	helpers := newFakeHelpers(t)
	b, err := New(helpers.config(), quietLog())
	require.NoError(t, err)

	minSpk, maxSpk := 2, 4
	opts := models.DefaultOptions()
	opts.Language = "de"
	opts.ModelProfile = "large-v3"
	opts.MinSpeakers = &minSpk
	opts.MaxSpeakers = &maxSpk
	audio := backend.Audio{Path: "/data/a.wav"}
	ctx := context.Background()

	_, err = b.Transcribe(ctx, audio, opts)
	require.NoError(t, err)
	assert.Equal(t, "--audio /data/a.wav --model large-v3 --device auto --language de", helpers.args(t, "transcribe"))

	_, err = b.Diarize(ctx, audio, opts)
	require.NoError(t, err)
	assert.Equal(t, "--audio /data/a.wav --device auto --min-speakers 2 --max-speakers 4", helpers.args(t, "diarize"))

	_, err = b.Classify(ctx, audio, opts)
	require.NoError(t, err)
	assert.Equal(t, "--audio /data/a.wav --device auto --window 30 --stride 30", helpers.args(t, "classify"))
}

func TestBackend_TaxonomyMapsLabels(t *testing.T) {
	helpers := newFakeHelpers(t)
	cfg := helpers.config()
	cfg.Taxonomy = fusion.DefaultTaxonomy()
	b, err := New(cfg, quietLog())
	require.NoError(t, err)

	windows, err := b.Classify(context.Background(), backend.Audio{Path: "a.wav"}, models.DefaultOptions())
	require.NoError(t, err)
	require.Len(t, windows, 2)
	assert.InDelta(t, 0.82, windows[0].LabelScores["meeting"], 1e-9)
	assert.NotContains(t, windows[0].LabelScores, "Speech")
}

func TestNew_RequiresHelpers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DiarizeCmd = nil
	_, err := New(cfg, nil)
	assert.ErrorContains(t, err, "diarize")
}

func TestBackend_Check(t *testing.T) {
	helpers := newFakeHelpers(t)
	b, err := New(helpers.config(), quietLog())
	require.NoError(t, err)
	assert.NoError(t, b.Check(context.Background()))

	cfg := helpers.config()
	cfg.ClassifyCmd = []string{filepath.Join(helpers.dir, "missing-helper")}
	b, err = New(cfg, quietLog())
	require.NoError(t, err)
	assert.Error(t, b.Check(context.Background()))
}

func TestFileSource(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "calls"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "calls", "a.wav"), []byte("RIFF"), 0o644))
	ctx := context.Background()

	src := &FileSource{Root: root, HashContent: true}

	info, err := src.Stat(ctx, "calls/a.wav")
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.Size)
	assert.Len(t, info.Fingerprint, 64)

	lease, err := src.Acquire(ctx, "calls/a.wav")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "calls", "a.wav"), lease.Path)
	assert.NoError(t, lease.Release())
	assert.FileExists(t, lease.Path, "local files are never removed")

	_, err = src.Stat(ctx, "calls/missing.wav")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = src.Stat(ctx, "calls")
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))

	_, err = src.Acquire(ctx, filepath.Join(root, "..", "escape.wav"))
	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestFileSource_FingerprintFollowsContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.wav")
	src := &FileSource{HashContent: true}
	ctx := context.Background()

	fingerprints := map[string]bool{}
	for i := 0; i < 2; i++ {
		require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("content %d", i)), 0o644))
		info, err := src.Stat(ctx, path)
		require.NoError(t, err)
		fingerprints[info.Fingerprint] = true
	}
	assert.Len(t, fingerprints, 2)
}

func TestFileSource_AcquireDoesNotReadContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0o644))
	src := &FileSource{HashContent: true}

	// Hashing reads through the context, so a cancelled one makes any
	// content read fail.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := src.Stat(ctx, path)
	assert.ErrorIs(t, err, context.Canceled)

	lease, err := src.Acquire(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, path, lease.Path)

	_, err = src.Acquire(ctx, filepath.Join(dir, "missing.wav"))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
