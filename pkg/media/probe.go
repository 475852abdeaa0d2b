package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/flac"
	"github.com/gopxl/beep/mp3"
	"github.com/gopxl/beep/vorbis"
	"github.com/gopxl/beep/wav"
	"github.com/sirupsen/logrus"

	"media-intelligence/pkg/apperr"
)

// DefaultMaxDuration is the longest recording accepted by default.
const DefaultMaxDuration = 480 * time.Minute

type Info struct {
	Duration   float64 `json:"duration"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
	Prober     string  `json:"prober"`
}

type Prober struct {
	// FFProbe is the ffprobe binary used for containers beep cannot decode.
	FFProbe string
	Log     *logrus.Entry
}

func NewProber(ffprobe string, log *logrus.Entry) *Prober {
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	return &Prober{FFProbe: ffprobe, Log: log}
}

type decodeFunc func(f *os.File) (beep.StreamSeekCloser, beep.Format, error)

var decoders = map[string]decodeFunc{
	".wav":  func(f *os.File) (beep.StreamSeekCloser, beep.Format, error) { return wav.Decode(f) },
	".mp3":  func(f *os.File) (beep.StreamSeekCloser, beep.Format, error) { return mp3.Decode(f) },
	".flac": func(f *os.File) (beep.StreamSeekCloser, beep.Format, error) { return flac.Decode(f) },
	".ogg":  func(f *os.File) (beep.StreamSeekCloser, beep.Format, error) { return vorbis.Decode(f) },
}

// Probe returns the duration and format of a local audio file.
func (p *Prober) Probe(ctx context.Context, path string) (Info, error) {
	if _, err := os.Stat(path); err != nil {
		return Info{}, apperr.Wrap(apperr.Classify(err), fmt.Errorf("audio file: %w", err))
	}

	if dec, ok := decoders[Ext(path)]; ok {
		info, err := probeDecoded(path, dec)
		if err == nil {
			return info, nil
		}
		if p.Log != nil {
			p.Log.WithError(err).WithField("path", path).Debug("decoder probe failed, falling back to ffprobe")
		}
	}
	return p.ffprobe(ctx, path)
}

func probeDecoded(path string, dec decodeFunc) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	streamer, format, err := dec(f)
	if err != nil {
		return Info{}, err
	}
	defer streamer.Close()

	n := streamer.Len()
	if n <= 0 || format.SampleRate <= 0 {
		return Info{}, fmt.Errorf("decoder reported no samples")
	}
	return Info{
		Duration:   format.SampleRate.D(n).Seconds(),
		SampleRate: int(format.SampleRate),
		Channels:   format.NumChannels,
		Prober:     "beep",
	}, nil
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (p *Prober) ffprobe(ctx context.Context, path string) (Info, error) {
	cmd := exec.CommandContext(ctx, p.FFProbe,
		"-v", "error",
		"-show_entries", "format=duration:stream=codec_type,sample_rate,channels",
		"-of", "json",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Info{}, apperr.Wrap(apperr.KindInternal, ctx.Err())
		}
		return Info{}, apperr.New(apperr.KindInvalidInput, "cannot read audio %s: %v: %s", path, err, lastLine(stderr.Bytes()))
	}

	var out ffprobeOutput
	if err := json.NewDecoder(io.LimitReader(&stdout, 1<<20)).Decode(&out); err != nil {
		return Info{}, apperr.New(apperr.KindInternal, "decoding ffprobe output: %v", err)
	}
	duration, err := strconv.ParseFloat(out.Format.Duration, 64)
	if err != nil || duration <= 0 {
		return Info{}, apperr.New(apperr.KindInvalidInput, "audio %s has no usable duration", path)
	}

	info := Info{Duration: duration, Prober: "ffprobe"}
	for _, s := range out.Streams {
		if s.CodecType != "audio" {
			continue
		}
		info.SampleRate, _ = strconv.Atoi(s.SampleRate)
		info.Channels = s.Channels
		break
	}
	return info, nil
}

// CheckDuration rejects recordings that are empty or longer than max.
func CheckDuration(info Info, max time.Duration) error {
	if info.Duration <= 0 {
		return apperr.New(apperr.KindInvalidInput, "audio has zero duration")
	}
	if max > 0 && info.Duration > max.Seconds() {
		return apperr.New(apperr.KindInvalidInput, "audio duration (%.1f minutes) exceeds maximum allowed duration (%.0f minutes)",
			info.Duration/60, max.Minutes())
	}
	return nil
}

func lastLine(b []byte) string {
	b = bytes.TrimSpace(b)
	if i := bytes.LastIndexByte(b, '\n'); i >= 0 {
		b = b[i+1:]
	}
	return string(b)
}
