// Package secrets resolves credentials such as service API keys and the
// Hugging Face token used by the local diarization helper.
//
// A Manager reads from one primary Store (the OS keyring on workstations,
// Azure Key Vault in the cloud) and can fall back to environment variables.
package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Well-known secret names.
const (
	HuggingFaceToken = "huggingface_token"
	TranscribeKey    = "transcribe_key"
	ServiceKey       = "service_key"
)

var ErrNotFound = errors.New("secret not found")

// Store is one place secrets can live.
type Store interface {
	Name() string
	Get(ctx context.Context, name string) (string, error)
	Set(ctx context.Context, name, value string) error
	Delete(ctx context.Context, name string) error
}

// Config selects the primary store. Backend is "auto", "keyring",
// "keyvault" or "env".
type Config struct {
	Backend        string `mapstructure:"backend"`
	KeyringService string `mapstructure:"keyring_service"`
	VaultURL       string `mapstructure:"vault_url"`
	FallbackToEnv  bool   `mapstructure:"fallback_to_env"`
}

type Manager struct {
	primary  Store
	fallback Store
	log      *logrus.Entry
}

// NewManager reads from primary first and then from fallback, which may be nil.
func NewManager(primary, fallback Store, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{primary: primary, fallback: fallback, log: log.WithField("component", "secrets")}
}

// Open builds the manager described by cfg. With Backend "auto" a vault
// URL selects Key Vault, a working keyring comes next and the environment
// is the last resort.
func Open(cfg Config, log *logrus.Entry) (*Manager, error) {
	env := &EnvStore{}
	backend := cfg.Backend
	if backend == "" || backend == "auto" {
		backend = detect(cfg)
	}

	var primary Store
	switch backend {
	case "env":
		return NewManager(env, nil, log), nil
	case "keyring":
		primary = &KeyringStore{Service: cfg.KeyringService}
	case "keyvault":
		kv, err := NewKeyVaultStore(cfg.VaultURL)
		if err != nil {
			return nil, err
		}
		primary = kv
	default:
		return nil, fmt.Errorf("unknown secrets backend %q", cfg.Backend)
	}

	var fallback Store
	if cfg.FallbackToEnv {
		fallback = env
	}
	return NewManager(primary, fallback, log), nil
}

func detect(cfg Config) string {
	if cfg.VaultURL != "" {
		return "keyvault"
	}
	if (&KeyringStore{Service: cfg.KeyringService}).Available() {
		return "keyring"
	}
	return "env"
}

// Backend names the primary store.
func (m *Manager) Backend() string { return m.primary.Name() }

// Get returns the secret from the primary store or, when it is missing
// there, from the fallback.
func (m *Manager) Get(ctx context.Context, name string) (string, error) {
	v, err := m.primary.Get(ctx, name)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, ErrNotFound) || m.fallback == nil {
		return "", err
	}
	return m.fallback.Get(ctx, name)
}

// Resolve returns configured when it is set and the stored secret
// otherwise. A missing secret resolves to "".
func (m *Manager) Resolve(ctx context.Context, name, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	v, err := m.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		m.log.WithField("secret", name).Debug("secret not configured")
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading secret %s from %s: %w", name, m.Backend(), err)
	}
	return v, nil
}

func (m *Manager) Set(ctx context.Context, name, value string) error {
	return m.primary.Set(ctx, name, value)
}

func (m *Manager) Delete(ctx context.Context, name string) error {
	return m.primary.Delete(ctx, name)
}
