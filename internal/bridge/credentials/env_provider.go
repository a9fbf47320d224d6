// Package credentials resolves the API keys and tokens agent CLIs need,
// so the bridge can inject them into spawned processes without the agent
// inheriting the whole environment unchecked.
package credentials

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// knownAPIKeyPatterns contains known credential environment variables.
var knownAPIKeyPatterns = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"AZURE_OPENAI_API_KEY",
	"MISTRAL_API_KEY",
	"GITHUB_TOKEN",
	"GITLAB_TOKEN",
}

// Credential is one resolved secret.
type Credential struct {
	Key    string
	Value  string
	Source string
}

// EnvProvider provides credentials from environment variables, with an
// optional prefix for bridge-scoped overrides (e.g. BRIDGED_CRED_).
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates a new environment provider.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

// Name returns the provider name.
func (p *EnvProvider) Name() string {
	return "environment"
}

// GetCredential retrieves a credential. The prefixed form wins over the
// bare variable so bridge-scoped overrides take effect.
func (p *EnvProvider) GetCredential(ctx context.Context, key string) (*Credential, error) {
	if p.prefix != "" {
		if value := os.Getenv(p.prefix + key); value != "" {
			return &Credential{Key: key, Value: value, Source: "environment"}, nil
		}
	}
	if value := os.Getenv(key); value != "" {
		return &Credential{Key: key, Value: value, Source: "environment"}, nil
	}
	return nil, fmt.Errorf("credential not found: %s", key)
}

// Resolve builds the env map for a spawned agent from its required keys.
// Missing credentials are skipped, not errors: some CLIs carry their own
// login state and need nothing from us.
func (p *EnvProvider) Resolve(ctx context.Context, keys []string) map[string]string {
	env := make(map[string]string, len(keys))
	for _, key := range keys {
		if cred, err := p.GetCredential(ctx, key); err == nil {
			env[cred.Key] = cred.Value
		}
	}
	return env
}

// ListAvailable returns the credential keys currently present in the
// environment, combining the known list with a pattern scan.
func (p *EnvProvider) ListAvailable(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	available := make([]string, 0)

	add := func(key string) {
		if !seen[key] {
			seen[key] = true
			available = append(available, key)
		}
	}

	for _, pattern := range knownAPIKeyPatterns {
		if os.Getenv(pattern) != "" || (p.prefix != "" && os.Getenv(p.prefix+pattern) != "") {
			add(pattern)
		}
	}

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 || parts[1] == "" {
			continue
		}
		key := parts[0]

		lowerKey := strings.ToLower(key)
		if strings.Contains(lowerKey, "api_key") ||
			strings.Contains(lowerKey, "apikey") ||
			strings.Contains(lowerKey, "_token") ||
			strings.Contains(lowerKey, "_secret") {
			if p.prefix != "" && strings.HasPrefix(key, p.prefix) {
				key = strings.TrimPrefix(key, p.prefix)
			}
			add(key)
		}
	}

	return available, nil
}
