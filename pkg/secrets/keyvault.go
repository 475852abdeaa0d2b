package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

// VaultAPI is the part of the Key Vault client KeyVaultStore calls.
type VaultAPI interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
	DeleteSecret(ctx context.Context, name string, options *azsecrets.DeleteSecretOptions) (azsecrets.DeleteSecretResponse, error)
}

// KeyVaultStore reads secrets from Azure Key Vault. Key Vault names only
// allow letters, digits and dashes, so underscores become dashes.
type KeyVaultStore struct {
	API VaultAPI
}

// NewKeyVaultStore authenticates with the default Azure credential chain.
func NewKeyVaultStore(vaultURL string) (*KeyVaultStore, error) {
	if vaultURL == "" {
		return nil, errors.New("key vault backend needs secrets.vault_url")
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain azure credential: %w", err)
	}
	client, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create key vault client: %w", err)
	}
	return &KeyVaultStore{API: client}, nil
}

func (s *KeyVaultStore) Name() string { return "keyvault" }

func vaultName(name string) string {
	return strings.ReplaceAll(name, "_", "-")
}

func vaultError(err error) error {
	var re *azcore.ResponseError
	if errors.As(err, &re) && re.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return err
}

func (s *KeyVaultStore) Get(ctx context.Context, name string) (string, error) {
	resp, err := s.API.GetSecret(ctx, vaultName(name), "", nil)
	if err != nil {
		return "", vaultError(err)
	}
	if resp.Value == nil {
		return "", ErrNotFound
	}
	return *resp.Value, nil
}

func (s *KeyVaultStore) Set(ctx context.Context, name, value string) error {
	_, err := s.API.SetSecret(ctx, vaultName(name), azsecrets.SetSecretParameters{Value: &value}, nil)
	return vaultError(err)
}

func (s *KeyVaultStore) Delete(ctx context.Context, name string) error {
	_, err := s.API.DeleteSecret(ctx, vaultName(name), nil)
	return vaultError(err)
}
