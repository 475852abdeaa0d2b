package secrets

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func quietLog() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

func TestEnvStore(t *testing.T) {
	ctx := context.Background()
	s := EnvStore{}

	t.Setenv("HUGGINGFACE_TOKEN", "")
	t.Setenv("HF_TOKEN", "hf_from_short_name")
	v, err := s.Get(ctx, HuggingFaceToken)
	require.NoError(t, err)
	assert.Equal(t, "hf_from_short_name", v)

	t.Setenv("HUGGINGFACE_TOKEN", "hf_preferred")
	v, err = s.Get(ctx, HuggingFaceToken)
	require.NoError(t, err)
	assert.Equal(t, "hf_preferred", v)

	t.Setenv("CUSTOM_SECRET", "x")
	v, err = s.Get(ctx, "custom_secret")
	require.NoError(t, err)
	assert.Equal(t, "x", v)

	_, err = s.Get(ctx, "never_set_anywhere")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "never_set_anywhere"), ErrNotFound)
}

func TestKeyringStore(t *testing.T) {
	keyring.MockInit()
	ctx := context.Background()
	s := &KeyringStore{}

	assert.True(t, s.Available())
	_, err := s.Get(ctx, HuggingFaceToken)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, HuggingFaceToken, "hf_keyring"))
	v, err := s.Get(ctx, HuggingFaceToken)
	require.NoError(t, err)
	assert.Equal(t, "hf_keyring", v)

	other := &KeyringStore{Service: "other-app"}
	_, err = other.Get(ctx, HuggingFaceToken)
	assert.ErrorIs(t, err, ErrNotFound, "services are separate")

	require.NoError(t, s.Delete(ctx, HuggingFaceToken))
	assert.ErrorIs(t, s.Delete(ctx, HuggingFaceToken), ErrNotFound)
}

func TestKeyringStore_Unavailable(t *testing.T) {
	keyring.MockInitWithError(errors.New("no secret service on this host"))
	t.Cleanup(keyring.MockInit)

	assert.False(t, (&KeyringStore{}).Available())
}

type fakeVault struct {
	secrets map[string]string
	err     error
}

func (f *fakeVault) GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error) {
	if f.err != nil {
		return azsecrets.GetSecretResponse{}, f.err
	}
	v, ok := f.secrets[name]
	if !ok {
		return azsecrets.GetSecretResponse{}, &azcore.ResponseError{StatusCode: http.StatusNotFound, ErrorCode: "SecretNotFound"}
	}
	var resp azsecrets.GetSecretResponse
	resp.Value = &v
	return resp, nil
}

func (f *fakeVault) SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error) {
	f.secrets[name] = *parameters.Value
	return azsecrets.SetSecretResponse{}, nil
}

func (f *fakeVault) DeleteSecret(ctx context.Context, name string, options *azsecrets.DeleteSecretOptions) (azsecrets.DeleteSecretResponse, error) {
	if _, ok := f.secrets[name]; !ok {
		return azsecrets.DeleteSecretResponse{}, &azcore.ResponseError{StatusCode: http.StatusNotFound}
	}
	delete(f.secrets, name)
	return azsecrets.DeleteSecretResponse{}, nil
}

func TestKeyVaultStore(t *testing.T) {
	ctx := context.Background()
	vault := &fakeVault{secrets: map[string]string{"service-key": "svc"}}
	s := &KeyVaultStore{API: vault}

	v, err := s.Get(ctx, ServiceKey)
	require.NoError(t, err)
	assert.Equal(t, "svc", v, "underscores map to dashes")

	_, err = s.Get(ctx, HuggingFaceToken)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, HuggingFaceToken, "hf_vault"))
	assert.Equal(t, "hf_vault", vault.secrets["huggingface-token"])
	require.NoError(t, s.Delete(ctx, HuggingFaceToken))
	assert.ErrorIs(t, s.Delete(ctx, HuggingFaceToken), ErrNotFound)

	vault.err = &azcore.ResponseError{StatusCode: http.StatusForbidden}
	_, err = s.Get(ctx, ServiceKey)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestManager_FallsBackToEnvironment(t *testing.T) {
	ctx := context.Background()
	vault := &fakeVault{secrets: map[string]string{"transcribe-key": "from-vault"}}
	m := NewManager(&KeyVaultStore{API: vault}, EnvStore{}, quietLog())
	t.Setenv("MEDIA_SERVICE_KEY", "from-env")
	t.Setenv("MEDIA_TRANSCRIBE_KEY", "ignored")

	v, err := m.Get(ctx, TranscribeKey)
	require.NoError(t, err)
	assert.Equal(t, "from-vault", v)

	v, err = m.Get(ctx, ServiceKey)
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)

	v, err = m.Resolve(ctx, ServiceKey, "from-config")
	require.NoError(t, err)
	assert.Equal(t, "from-config", v, "an explicit config value wins")

	v, err = m.Resolve(ctx, "not_stored", "")
	require.NoError(t, err)
	assert.Empty(t, v)

	vault.err = &azcore.ResponseError{StatusCode: http.StatusForbidden}
	_, err = m.Resolve(ctx, TranscribeKey, "")
	assert.ErrorContains(t, err, "keyvault", "store failures are not hidden by the fallback")
}

func TestOpen(t *testing.T) {
	keyring.MockInit()

	m, err := Open(Config{Backend: "auto", FallbackToEnv: true}, quietLog())
	require.NoError(t, err)
	assert.Equal(t, "keyring", m.Backend())

	m, err = Open(Config{Backend: "env"}, quietLog())
	require.NoError(t, err)
	assert.Equal(t, "env", m.Backend())

	_, err = Open(Config{Backend: "keyvault"}, quietLog())
	assert.ErrorContains(t, err, "vault_url")

	_, err = Open(Config{Backend: "gcp"}, quietLog())
	assert.ErrorContains(t, err, "unknown secrets backend")

	keyring.MockInitWithError(errors.New("locked"))
	t.Cleanup(keyring.MockInit)
	m, err = Open(Config{}, quietLog())
	require.NoError(t, err)
	assert.Equal(t, "env", m.Backend())
}
