// Package config resolves provider, model, credential, and daemon
// settings from the environment, an optional .env file, and an optional
// repoagent.yaml next to it.
//
// Precedence per key: process environment, then .env values, then YAML.
// For .env files the working directory wins over the executable's
// directory. Both files are read once and cached for the process.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	DefaultProvider    = "gemini"
	DefaultGeminiModel = "gemini-2.5-flash"
	DefaultKimiModel   = "kimi-k2-turbo-preview"
	DefaultKimiBaseURL = "https://api.moonshot.cn/v1"
	DefaultHost        = "127.0.0.1"
	DefaultPort        = 8765
)

var supportedProviders = map[string]bool{
	"gemini": true,
	"kimi":   true,
}

var providerAliases = map[string]string{
	"moonshot":          "kimi",
	"openai_compat":     "kimi",
	"openai-compatible": "kimi",
}

// fileConfig mirrors repoagent.yaml.
type fileConfig struct {
	Provider      string   `yaml:"provider"`
	GeminiModelID string   `yaml:"gemini_model_id"`
	KimiModelID   string   `yaml:"kimi_model_id"`
	ModelID       string   `yaml:"model_id"`
	KimiBaseURL   string   `yaml:"kimi_base_url"`
	Host          string   `yaml:"host"`
	Port          int      `yaml:"port"`
	Token         string   `yaml:"token"`
	Ignore        []string `yaml:"ignore"`
}

var (
	cacheMu     sync.Mutex
	cacheLoaded bool
	dotenvCache map[string]string
	yamlCache   fileConfig
)

func loadCaches() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cacheLoaded {
		return
	}
	cacheLoaded = true
	dotenvCache = map[string]string{}

	var bases []string
	if exe, err := os.Executable(); err == nil {
		bases = append(bases, filepath.Dir(exe))
	}
	if cwd, err := os.Getwd(); err == nil {
		bases = append(bases, cwd)
	}

	// Later bases override earlier ones, so cwd wins.
	for _, base := range bases {
		for k, v := range parseEnvFile(filepath.Join(base, ".env")) {
			dotenvCache[k] = v
		}
	}
	for _, base := range bases {
		b, err := os.ReadFile(filepath.Join(base, "repoagent.yaml"))
		if err != nil {
			continue
		}
		var fc fileConfig
		if err := yaml.Unmarshal(b, &fc); err == nil {
			yamlCache = fc
		}
	}
}

// ResetCache drops the cached .env and YAML values. Test hook.
func ResetCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cacheLoaded = false
	dotenvCache = nil
	yamlCache = fileConfig{}
}

func parseEnvFile(path string) map[string]string {
	values := map[string]string{}
	b, err := os.ReadFile(path)
	if err != nil {
		return values
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || !strings.Contains(line, "=") {
			continue
		}
		key, value, _ := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"`)
		value = strings.Trim(value, `'`)
		if key != "" && value != "" {
			values[key] = value
		}
	}
	return values
}

// getValue reads the first non-empty value among keys, environment
// variables first, then the cached .env values.
func getValue(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	loadCaches()
	for _, k := range keys {
		if v := dotenvCache[k]; v != "" {
			return v
		}
	}
	return ""
}

func normalizeProvider(raw string) (string, error) {
	p := strings.ToLower(strings.TrimSpace(raw))
	if canonical, ok := providerAliases[p]; ok {
		p = canonical
	}
	if !supportedProviders[p] {
		names := make([]string, 0, len(supportedProviders))
		for name := range supportedProviders {
			names = append(names, name)
		}
		sort.Strings(names)
		return "", fmt.Errorf("不支持的 LLM_PROVIDER: %s，可选值：%s", p, strings.Join(names, ", "))
	}
	return p, nil
}

// Provider resolves the active provider, defaulting to gemini.
func Provider() (string, error) {
	raw := getValue("LLM_PROVIDER")
	if raw == "" {
		loadCaches()
		raw = yamlCache.Provider
	}
	if raw == "" {
		raw = DefaultProvider
	}
	return normalizeProvider(raw)
}

// ModelID resolves the model for the given provider.
func ModelID(provider string) string {
	loadCaches()
	switch provider {
	case "gemini":
		if v := getValue("GEMINI_MODEL_ID", "LLM_MODEL_ID"); v != "" {
			return v
		}
		if yamlCache.GeminiModelID != "" {
			return yamlCache.GeminiModelID
		}
		if yamlCache.ModelID != "" {
			return yamlCache.ModelID
		}
		return DefaultGeminiModel
	case "kimi":
		if v := getValue("KIMI_MODEL_ID", "LLM_MODEL_ID"); v != "" {
			return v
		}
		if yamlCache.KimiModelID != "" {
			return yamlCache.KimiModelID
		}
		if yamlCache.ModelID != "" {
			return yamlCache.ModelID
		}
		return DefaultKimiModel
	default:
		return ""
	}
}

// APIKey resolves the credential for the given provider. Missing keys are
// an error with setup guidance, never an empty string.
func APIKey(provider string) (string, error) {
	switch provider {
	case "gemini":
		if key := getValue("GEMINI_API_KEY"); key != "" {
			return key, nil
		}
		return "", fmt.Errorf("未找到 GEMINI_API_KEY。\n请设置环境变量 GEMINI_API_KEY，或在 .env 中写入 GEMINI_API_KEY=your_key")
	case "kimi":
		if key := getValue("MOONSHOT_API_KEY", "KIMI_API_KEY", "OPENAI_API_KEY"); key != "" {
			return key, nil
		}
		return "", fmt.Errorf("未找到 Kimi API Key。\n请设置 MOONSHOT_API_KEY（推荐），或 KIMI_API_KEY / OPENAI_API_KEY")
	default:
		return "", fmt.Errorf("未知厂商：%s", provider)
	}
}

// KimiBaseURL resolves the OpenAI-compatible endpoint base.
func KimiBaseURL() string {
	if v := getValue("KIMI_BASE_URL", "OPENAI_BASE_URL"); v != "" {
		return v
	}
	loadCaches()
	if yamlCache.KimiBaseURL != "" {
		return yamlCache.KimiBaseURL
	}
	return DefaultKimiBaseURL
}

// Host resolves the daemon bind host.
func Host() string {
	if v := getValue("AGENTD_HOST"); v != "" {
		return v
	}
	loadCaches()
	if yamlCache.Host != "" {
		return yamlCache.Host
	}
	return DefaultHost
}

// Port resolves the daemon port. Unparseable or out-of-range values fall
// back to the default rather than failing startup.
func Port() int {
	raw := getValue("AGENTD_PORT")
	if raw == "" {
		loadCaches()
		if yamlCache.Port > 0 && yamlCache.Port <= 65535 {
			return yamlCache.Port
		}
		return DefaultPort
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 || value > 65535 {
		return DefaultPort
	}
	return value
}

// Token resolves the shared daemon token, or "" when auth is disabled.
func Token() string {
	if v := getValue("AGENTD_TOKEN"); v != "" {
		return v
	}
	loadCaches()
	return yamlCache.Token
}

// IgnoreGlobs returns extra path patterns the repository tools skip,
// from AGENTD_IGNORE (comma-separated) plus the YAML ignore list.
func IgnoreGlobs() []string {
	var globs []string
	if raw := getValue("AGENTD_IGNORE"); raw != "" {
		for _, g := range strings.Split(raw, ",") {
			if g = strings.TrimSpace(g); g != "" {
				globs = append(globs, g)
			}
		}
	}
	loadCaches()
	for _, g := range yamlCache.Ignore {
		if g = strings.TrimSpace(g); g != "" {
			globs = append(globs, g)
		}
	}
	return globs
}
