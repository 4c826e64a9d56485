// Package llmclient builds a provider runtime from resolved configuration.
package llmclient

import (
	"github.com/Warp-Terra/repo-agent/internal/config"
	"github.com/Warp-Terra/repo-agent/internal/llm"
	"github.com/Warp-Terra/repo-agent/internal/llm/providers/google"
	"github.com/Warp-Terra/repo-agent/internal/llm/providers/openaicompat"
)

// FromConfig resolves the configured provider, model, and credential and
// returns the matching runtime.
func FromConfig() (llm.Runtime, error) {
	provider, err := config.Provider()
	if err != nil {
		return nil, &llm.ConfigurationError{Message: err.Error()}
	}
	key, err := config.APIKey(provider)
	if err != nil {
		return nil, &llm.ConfigurationError{Message: err.Error()}
	}
	model := config.ModelID(provider)

	switch provider {
	case "kimi":
		return openaicompat.New(key, model, config.KimiBaseURL()), nil
	default:
		return google.New(key, model, ""), nil
	}
}
