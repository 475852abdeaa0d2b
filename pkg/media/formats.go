// Package media validates audio references and probes audio files before
// any inference stage runs.
package media

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"media-intelligence/pkg/apperr"
)

// SupportedFormats is the extension allow-list for input audio.
var SupportedFormats = []string{".wav", ".mp3", ".m4a", ".flac", ".ogg", ".opus"}

func Ext(ref string) string {
	return strings.ToLower(path.Ext(strings.TrimSuffix(ref, "/")))
}

func IsSupported(ref string) bool {
	ext := Ext(ref)
	for _, f := range SupportedFormats {
		if ext == f {
			return true
		}
	}
	return false
}

// CheckFormat rejects refs outside the allow-list with unsupported_format.
func CheckFormat(ref string) error {
	if !IsSupported(ref) {
		ext := Ext(ref)
		if ext == "" {
			ext = "(none)"
		}
		return apperr.New(apperr.KindUnsupportedFormat, "unsupported audio format %s, supported: %s",
			ext, strings.Join(SupportedFormats, ", "))
	}
	return nil
}

// SanitizeRef rejects empty refs, control characters and any ".." path
// element. The scheme of an object-storage ref is kept as is.
func SanitizeRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", apperr.New(apperr.KindInvalidInput, "ref is required")
	}
	if strings.ContainsAny(ref, "\x00\r\n") {
		return "", apperr.New(apperr.KindInvalidInput, "ref contains control characters")
	}

	rest := ref
	if i := strings.Index(ref, "://"); i >= 0 {
		rest = ref[i+3:]
	}
	for _, part := range strings.FieldsFunc(rest, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return "", apperr.New(apperr.KindInvalidInput, "invalid path (traversal detected): %s", ref)
		}
	}
	return ref, nil
}

// FindAudioFiles lists supported audio files directly inside dir, sorted by name.
func FindAudioFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !IsSupported(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}
