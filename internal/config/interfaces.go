package config

import "context"

// SecretProvider resolves secret parameters by path. The production
// implementation is SSMProvider; tests supply in-memory fakes.
type SecretProvider interface {
	// GetParametersBatch returns path -> plaintext for every path it could
	// resolve. Missing paths are omitted rather than reported as errors.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
