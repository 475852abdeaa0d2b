package secrets

import (
	"context"
	"os"
	"strings"
)

// envNames maps secret names to the variables checked for them, in order.
// Other names map to their upper-cased form.
var envNames = map[string][]string{
	HuggingFaceToken: {"HUGGINGFACE_TOKEN", "HF_TOKEN"},
	TranscribeKey:    {"MEDIA_TRANSCRIBE_KEY", "OPENAI_API_KEY"},
	ServiceKey:       {"MEDIA_SERVICE_KEY"},
}

// EnvStore reads secrets from the process environment.
type EnvStore struct{}

func (EnvStore) Name() string { return "env" }

func variables(name string) []string {
	if vars, ok := envNames[name]; ok {
		return vars
	}
	return []string{strings.ToUpper(name)}
}

func (EnvStore) Get(ctx context.Context, name string) (string, error) {
	for _, v := range variables(name) {
		if val, ok := os.LookupEnv(v); ok && val != "" {
			return val, nil
		}
	}
	return "", ErrNotFound
}

// Set changes the environment of this process only.
func (EnvStore) Set(ctx context.Context, name, value string) error {
	return os.Setenv(variables(name)[0], value)
}

func (EnvStore) Delete(ctx context.Context, name string) error {
	found := false
	for _, v := range variables(name) {
		if _, ok := os.LookupEnv(v); ok {
			found = true
			if err := os.Unsetenv(v); err != nil {
				return err
			}
		}
	}
	if !found {
		return ErrNotFound
	}
	return nil
}
