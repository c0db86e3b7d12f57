// Package modelreg tracks known models and owns the per-artifact routing
// tables the generation pipeline consults.
package modelreg

import (
	"strings"
	"sync"
)

// ProviderSpec describes one provider the router understands.
type ProviderSpec struct {
	Key       string
	Aliases   []string
	Cloud     bool
	APIKeyEnv string
}

var builtinProviders = map[string]ProviderSpec{
	"ollama": {
		Key: "ollama",
	},
	"huggingface": {
		Key:     "huggingface",
		Aliases: []string{"hf"},
	},
	"openai": {
		Key:       "openai",
		Cloud:     true,
		APIKeyEnv: "OPENAI_API_KEY",
	},
	"anthropic": {
		Key:       "anthropic",
		Aliases:   []string{"claude"},
		Cloud:     true,
		APIKeyEnv: "ANTHROPIC_API_KEY",
	},
	"gemini": {
		Key:       "gemini",
		Aliases:   []string{"google", "google_ai_studio"},
		Cloud:     true,
		APIKeyEnv: "GEMINI_API_KEY",
	},
	"groq": {
		Key:       "groq",
		Cloud:     true,
		APIKeyEnv: "GROQ_API_KEY",
	},
}

var (
	aliasOnce  sync.Once
	aliasIndex map[string]string
)

func providerAliases() map[string]string {
	aliasOnce.Do(func() {
		aliasIndex = map[string]string{}
		for key, spec := range builtinProviders {
			aliasIndex[key] = key
			for _, alias := range spec.Aliases {
				aliasIndex[strings.ToLower(alias)] = key
			}
		}
	})
	return aliasIndex
}

// CanonicalProvider maps a provider name or alias to its canonical key.
// Unknown names pass through lowercased.
func CanonicalProvider(in string) string {
	key := strings.ToLower(strings.TrimSpace(in))
	if key == "" {
		return ""
	}
	if canonical, ok := providerAliases()[key]; ok {
		return canonical
	}
	return key
}

// IsKnownProvider reports whether the name (or alias) is a built-in provider.
func IsKnownProvider(in string) bool {
	_, ok := providerAliases()[strings.ToLower(strings.TrimSpace(in))]
	return ok
}

// IsCloudProvider reports whether the canonical provider is cloud-hosted.
func IsCloudProvider(in string) bool {
	spec, ok := builtinProviders[CanonicalProvider(in)]
	return ok && spec.Cloud
}

// CloudProviders returns the canonical cloud provider keys in stable order.
func CloudProviders() []string {
	return []string{"openai", "anthropic", "gemini", "groq"}
}

// APIKeyEnv returns the environment variable holding the provider's key.
func APIKeyEnv(provider string) string {
	return builtinProviders[CanonicalProvider(provider)].APIKeyEnv
}

// NormalizeModelID canonicalizes a model identifier to "<provider>:<name>".
// Bare names take the default provider. Ollama tags may themselves contain
// colons ("llama3:8b") and can shadow provider names, so an unknown prefix is
// treated as part of an ollama tag rather than a provider.
func NormalizeModelID(id, defaultProvider string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	defaultProvider = CanonicalProvider(defaultProvider)
	if defaultProvider == "" {
		defaultProvider = "ollama"
	}
	prefix, rest, found := strings.Cut(id, ":")
	if !found {
		return defaultProvider + ":" + id
	}
	if IsKnownProvider(prefix) {
		return CanonicalProvider(prefix) + ":" + rest
	}
	return "ollama:" + id
}

// SplitModelID splits a normalized id into provider and model name.
func SplitModelID(id string) (provider, name string) {
	prefix, rest, found := strings.Cut(strings.TrimSpace(id), ":")
	if !found {
		return "", strings.TrimSpace(id)
	}
	return CanonicalProvider(prefix), rest
}
