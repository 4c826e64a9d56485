// Package google implements the Gemini generateContent dialect of the
// normalized runtime contract.
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Warp-Terra/repo-agent/internal/llm"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

type Runtime struct {
	APIKey  string
	BaseURL string
	Model   string
	Client  *http.Client
}

func New(apiKey, model, baseURL string) *Runtime {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	return &Runtime{
		APIKey:  strings.TrimSpace(apiKey),
		BaseURL: base,
		Model:   strings.TrimSpace(model),
		// Avoid short client-level timeouts; rely on request context deadlines instead.
		Client: &http.Client{Timeout: 0},
	}
}

func (r *Runtime) Provider() string { return "gemini" }
func (r *Runtime) ModelID() string  { return r.Model }

func (r *Runtime) AppendUser(history *[]llm.Message, text string) {
	*history = append(*history, llm.Message{
		"role":  "user",
		"parts": []any{map[string]any{"text": text}},
	})
}

func (r *Runtime) AppendAssistantText(history *[]llm.Message, text string) {
	*history = append(*history, llm.Message{
		"role":  "model",
		"parts": []any{map[string]any{"text": text}},
	})
}

// AppendToolResults appends a single tool-role message whose parts are
// functionResponse entries keyed by tool name.
func (r *Runtime) AppendToolResults(history *[]llm.Message, results []llm.ToolResult) {
	parts := make([]any, 0, len(results))
	for _, tr := range results {
		parts = append(parts, map[string]any{
			"functionResponse": map[string]any{
				"name":     tr.Call.Name,
				"response": map[string]any{"result": tr.Result},
			},
		})
	}
	*history = append(*history, llm.Message{
		"role":  "tool",
		"parts": parts,
	})
}

func (r *Runtime) Invoke(ctx context.Context, history []llm.Message, tools []llm.ToolDeclaration, systemPrompt string) (llm.InvokeResult, error) {
	if r.Client == nil {
		r.Client = &http.Client{Timeout: 0}
	}

	body := map[string]any{
		"contents": history,
	}
	if strings.TrimSpace(systemPrompt) != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []any{map[string]any{"text": systemPrompt}},
		}
	}
	if len(tools) > 0 {
		body["tools"] = []any{map[string]any{
			"functionDeclarations": toFunctionDecls(tools),
		}}
	}

	b, err := json.Marshal(body)
	if err != nil {
		return llm.InvokeResult{}, err
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", r.BaseURL, url.PathEscape(r.Model))
	u, err := url.Parse(endpoint)
	if err != nil {
		return llm.InvokeResult{}, err
	}
	q := u.Query()
	q.Set("key", r.APIKey)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(b))
	if err != nil {
		return llm.InvokeResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(httpReq)
	if err != nil {
		return llm.InvokeResult{}, &llm.ProviderError{Provider: r.Provider(), Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	rawBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return llm.InvokeResult{}, &llm.ProviderError{
			Provider:   r.Provider(),
			StatusCode: resp.StatusCode,
			Message:    "generateContent failed: " + strings.TrimSpace(string(rawBytes)),
		}
	}

	var raw map[string]any
	if err := json.Unmarshal(rawBytes, &raw); err != nil {
		return llm.InvokeResult{}, &llm.ProviderError{Provider: r.Provider(), Message: "invalid generateContent response: " + err.Error()}
	}
	return fromResponse(raw)
}

func toFunctionDecls(tools []llm.ToolDeclaration) []any {
	out := make([]any, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			// Gemini's Schema is a restricted subset; strip JSON-schema-only
			// fields so requests don't fail validation.
			"parameters": sanitizeSchema(params),
		})
	}
	return out
}

func sanitizeSchema(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			if k == "additionalProperties" {
				continue
			}
			out[k] = sanitizeSchema(vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = sanitizeSchema(x[i])
		}
		return out
	default:
		return v
	}
}

// fromResponse reads candidates[0].content as the assistant payload to
// append verbatim and extracts text parts and functionCall parts.
func fromResponse(raw map[string]any) (llm.InvokeResult, error) {
	cands, ok := raw["candidates"].([]any)
	if !ok || len(cands) == 0 {
		return llm.InvokeResult{}, fmt.Errorf("generateContent response missing candidates")
	}
	c0, ok := cands[0].(map[string]any)
	if !ok {
		return llm.InvokeResult{}, fmt.Errorf("generateContent first candidate malformed")
	}
	content, _ := c0["content"].(map[string]any)
	if content == nil {
		content = map[string]any{"role": "model", "parts": []any{}}
	}

	res := llm.InvokeResult{Assistant: llm.Message(content)}

	var textParts []string
	if parts, ok := content["parts"].([]any); ok {
		for _, pAny := range parts {
			p, ok := pAny.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := p["text"].(string); t != "" {
				textParts = append(textParts, t)
				continue
			}
			if fc, ok := p["functionCall"].(map[string]any); ok {
				name, _ := fc["name"].(string)
				args, _ := fc["args"].(map[string]any)
				if args == nil {
					args = map[string]any{}
				}
				res.Calls = append(res.Calls, llm.FunctionCallRecord{
					Name: name,
					Args: args,
				})
			}
		}
	}
	res.Text = strings.Join(textParts, "")
	return res, nil
}
