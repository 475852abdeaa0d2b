package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"media-intelligence/pkg/apperr"
)

var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactStore holds the persisted outputs of a run, addressed by ref.
type ArtifactStore interface {
	Exists(ctx context.Context, ref string) (bool, error)
	Read(ctx context.Context, ref string) ([]byte, error)
	Write(ctx context.Context, ref string, data []byte) error
	Join(base string, elem ...string) string
}

// FSStore keeps artifacts on the local filesystem. With a Root set,
// relative refs resolve under it and nothing outside it is reachable.
type FSStore struct {
	Root string
}

func (s *FSStore) path(ref string) (string, error) {
	ref = strings.TrimPrefix(ref, "file://")
	if s.Root == "" {
		return filepath.Clean(ref), nil
	}

	root, err := filepath.Abs(s.Root)
	if err != nil {
		return "", fmt.Errorf("resolving artifact root: %w", err)
	}
	p := ref
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apperr.New(apperr.KindInvalidInput, "output path %s is outside %s", ref, s.Root)
	}
	return p, nil
}

// CheckRef rejects refs that resolve outside Root.
func (s *FSStore) CheckRef(ref string) error {
	_, err := s.path(ref)
	return err
}

func (s *FSStore) Exists(ctx context.Context, ref string) (bool, error) {
	p, err := s.path(ref)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *FSStore) Read(ctx context.Context, ref string) ([]byte, error) {
	p, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", ref, ErrArtifactNotFound)
	}
	return data, err
}

// Write replaces the artifact atomically through a temp file in the same directory.
func (s *FSStore) Write(ctx context.Context, ref string, data []byte) error {
	p, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func (s *FSStore) Join(base string, elem ...string) string {
	return filepath.Join(append([]string{base}, elem...)...)
}

// StoreRouter picks an ArtifactStore by the scheme of the ref.
type StoreRouter struct {
	schemes  map[string]ArtifactStore
	fallback ArtifactStore
}

func NewStoreRouter(fallback ArtifactStore) *StoreRouter {
	return &StoreRouter{schemes: make(map[string]ArtifactStore), fallback: fallback}
}

func (r *StoreRouter) Handle(scheme string, s ArtifactStore) *StoreRouter {
	r.schemes[scheme] = s
	return r
}

func (r *StoreRouter) pick(ref string) (ArtifactStore, error) {
	if i := strings.Index(ref, "://"); i > 0 && ref[:i] != "file" {
		if s, ok := r.schemes[ref[:i]]; ok {
			return s, nil
		}
		return nil, fmt.Errorf("no artifact store for %s://", ref[:i])
	}
	if r.fallback == nil {
		return nil, fmt.Errorf("no artifact store for local paths")
	}
	return r.fallback, nil
}

// CheckRef asks the store that would hold ref whether it accepts it.
func (r *StoreRouter) CheckRef(ref string) error {
	s, err := r.pick(ref)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, err)
	}
	if c, ok := s.(interface{ CheckRef(string) error }); ok {
		return c.CheckRef(ref)
	}
	return nil
}

// Supports reports whether some store accepts ref.
func (r *StoreRouter) Supports(ref string) bool {
	_, err := r.pick(ref)
	return err == nil
}

func (r *StoreRouter) Exists(ctx context.Context, ref string) (bool, error) {
	s, err := r.pick(ref)
	if err != nil {
		return false, err
	}
	return s.Exists(ctx, ref)
}

func (r *StoreRouter) Read(ctx context.Context, ref string) ([]byte, error) {
	s, err := r.pick(ref)
	if err != nil {
		return nil, err
	}
	return s.Read(ctx, ref)
}

func (r *StoreRouter) Write(ctx context.Context, ref string, data []byte) error {
	s, err := r.pick(ref)
	if err != nil {
		return err
	}
	return s.Write(ctx, ref, data)
}

func (r *StoreRouter) Join(base string, elem ...string) string {
	s, err := r.pick(base)
	if err != nil {
		return JoinRef(base, elem...)
	}
	return s.Join(base, elem...)
}

// JoinRef joins path elements onto a scheme://bucket/prefix ref.
func JoinRef(base string, elem ...string) string {
	scheme, rest := "", base
	if i := strings.Index(base, "://"); i >= 0 {
		scheme, rest = base[:i+3], base[i+3:]
	}
	return scheme + path.Join(append([]string{rest}, elem...)...)
}
