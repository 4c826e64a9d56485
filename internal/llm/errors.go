package llm

import (
	"fmt"
	"strings"
)

// ProviderError is the unified error returned by provider adapters for
// non-2xx responses and transport failures. The rendered message keeps the
// numeric status visible because the rate-limit retry helper matches on
// the error string.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "request failed"
	}
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s error: %s", e.Provider, msg)
	}
	return fmt.Sprintf("%s error (status=%d): %s", e.Provider, e.StatusCode, msg)
}

// ConfigurationError indicates an unusable runtime configuration (missing
// key, unknown provider). Never retried.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + strings.TrimSpace(e.Message)
}
