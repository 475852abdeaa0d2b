package secrets

import (
	"context"
	"errors"

	"github.com/zalando/go-keyring"
)

const DefaultKeyringService = "media-intelligence"

// KeyringStore keeps secrets in the OS keyring (Keychain, Secret Service,
// Windows Credential Manager) under one service name.
type KeyringStore struct {
	Service string
}

func (s *KeyringStore) Name() string { return "keyring" }

func (s *KeyringStore) service() string {
	if s.Service == "" {
		return DefaultKeyringService
	}
	return s.Service
}

// Available reports whether the keyring answers at all.
func (s *KeyringStore) Available() bool {
	_, err := keyring.Get(s.service(), "__availability__")
	return err == nil || errors.Is(err, keyring.ErrNotFound)
}

func (s *KeyringStore) Get(ctx context.Context, name string) (string, error) {
	v, err := keyring.Get(s.service(), name)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *KeyringStore) Set(ctx context.Context, name, value string) error {
	return keyring.Set(s.service(), name, value)
}

func (s *KeyringStore) Delete(ctx context.Context, name string) error {
	err := keyring.Delete(s.service(), name)
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
