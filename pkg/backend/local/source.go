package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"media-intelligence/pkg/apperr"
	"media-intelligence/pkg/backend"
)

// FileSource serves audio straight from the local filesystem. With a Root
// set, relative refs resolve under it and nothing outside it is reachable.
type FileSource struct {
	Root        string
	HashContent bool
}

func (s *FileSource) resolve(ref string) (string, error) {
	ref = strings.TrimPrefix(ref, "file://")
	if s.Root == "" {
		return filepath.Clean(ref), nil
	}

	root, err := filepath.Abs(s.Root)
	if err != nil {
		return "", fmt.Errorf("resolving root: %w", err)
	}
	p := ref
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apperr.New(apperr.KindInvalidInput, "path %s is outside %s", ref, s.Root)
	}
	return p, nil
}

func (s *FileSource) lookup(ref string) (string, os.FileInfo, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return "", nil, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return "", nil, apperr.Wrap(apperr.Classify(err), fmt.Errorf("audio file not found: %s", ref))
	}
	if fi.IsDir() {
		return "", nil, apperr.New(apperr.KindInvalidInput, "%s is a directory", ref)
	}
	return path, fi, nil
}

func (s *FileSource) Stat(ctx context.Context, ref string) (backend.SourceInfo, error) {
	path, fi, err := s.lookup(ref)
	if err != nil {
		return backend.SourceInfo{}, err
	}

	info := backend.SourceInfo{Ref: ref, Size: fi.Size(), ModTime: fi.ModTime()}
	if s.HashContent {
		sum, err := hashFile(ctx, path)
		if err != nil {
			return backend.SourceInfo{}, err
		}
		info.Fingerprint = sum
	}
	return info, nil
}

// Acquire hands out the file in place without reading it; releasing it
// does nothing.
func (s *FileSource) Acquire(ctx context.Context, ref string) (*backend.Lease, error) {
	path, _, err := s.lookup(ref)
	if err != nil {
		return nil, err
	}
	return backend.NewLease(path, nil), nil
}

func (s *FileSource) Check(ctx context.Context) error {
	if s.Root == "" {
		return nil
	}
	if _, err := os.Stat(s.Root); err != nil {
		return fmt.Errorf("audio root: %w", err)
	}
	return nil
}

func hashFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, readerWithContext{ctx: ctx, r: f}); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type readerWithContext struct {
	ctx context.Context
	r   io.Reader
}

func (r readerWithContext) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
