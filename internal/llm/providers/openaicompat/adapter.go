// Package openaicompat implements the chat-completions dialect used by
// Kimi/Moonshot and other OpenAI-compatible endpoints.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Warp-Terra/repo-agent/internal/llm"
)

const defaultBaseURL = "https://api.moonshot.cn/v1"

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
		Client:  &http.Client{Timeout: 0},
	}
}

func (r *Runtime) Provider() string { return "kimi" }
func (r *Runtime) ModelID() string  { return r.Model }

func (r *Runtime) AppendUser(history *[]llm.Message, text string) {
	*history = append(*history, llm.Message{
		"role":    "user",
		"content": text,
	})
}

func (r *Runtime) AppendAssistantText(history *[]llm.Message, text string) {
	*history = append(*history, llm.Message{
		"role":    "assistant",
		"content": text,
	})
}

// AppendToolResults appends one tool message per result, correlated to
// the requesting call by tool_call_id.
func (r *Runtime) AppendToolResults(history *[]llm.Message, results []llm.ToolResult) {
	for _, tr := range results {
		*history = append(*history, llm.Message{
			"role":         "tool",
			"tool_call_id": tr.Call.CallID,
			"content":      tr.Result,
		})
	}
}

func (r *Runtime) Invoke(ctx context.Context, history []llm.Message, tools []llm.ToolDeclaration, systemPrompt string) (llm.InvokeResult, error) {
	if r.Client == nil {
		r.Client = &http.Client{Timeout: 0}
	}

	messages := make([]any, 0, len(history)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, map[string]any{
			"role":    "system",
			"content": systemPrompt,
		})
	}
	for _, m := range history {
		messages = append(messages, m)
	}

	body := map[string]any{
		"model":       r.Model,
		"messages":    messages,
		"temperature": 0,
	}
	if len(tools) > 0 {
		body["tools"] = toTools(tools)
		body["tool_choice"] = "auto"
	}

	b, err := json.Marshal(body)
	if err != nil {
		return llm.InvokeResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return llm.InvokeResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+r.APIKey)

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
			Message:    "chat completion failed: " + strings.TrimSpace(string(rawBytes)),
		}
	}

	var raw map[string]any
	if err := json.Unmarshal(rawBytes, &raw); err != nil {
		return llm.InvokeResult{}, &llm.ProviderError{Provider: r.Provider(), Message: "invalid chat completion response: " + err.Error()}
	}
	return fromResponse(raw)
}

func toTools(tools []llm.ToolDeclaration) []any {
	out := make([]any, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return out
}

// fromResponse extracts choices[0].message, decodes tool-call arguments
// leniently, and synthesizes the assistant message to replay, keeping
// the original argument text and call ids intact.
func fromResponse(raw map[string]any) (llm.InvokeResult, error) {
	choices, ok := raw["choices"].([]any)
	if !ok || len(choices) == 0 {
		return llm.InvokeResult{}, fmt.Errorf("chat completion response missing choices")
	}
	c0, ok := choices[0].(map[string]any)
	if !ok {
		return llm.InvokeResult{}, fmt.Errorf("chat completion first choice malformed")
	}
	msg, _ := c0["message"].(map[string]any)
	if msg == nil {
		msg = map[string]any{}
	}

	content, _ := msg["content"].(string)
	assistant := llm.Message{
		"role":    "assistant",
		"content": content,
	}

	var res llm.InvokeResult
	if tcs, ok := msg["tool_calls"].([]any); ok && len(tcs) > 0 {
		replay := make([]any, 0, len(tcs))
		for _, tcAny := range tcs {
			tc, ok := tcAny.(map[string]any)
			if !ok {
				continue
			}
			fn, _ := tc["function"].(map[string]any)
			if fn == nil {
				continue
			}
			id, _ := tc["id"].(string)
			name, _ := fn["name"].(string)
			argText, _ := fn["arguments"].(string)

			args := map[string]any{}
			if strings.TrimSpace(argText) != "" {
				// Models occasionally emit truncated or non-object argument
				// JSON; treat anything undecodable as an empty argument set.
				var decoded map[string]any
				if err := json.Unmarshal([]byte(argText), &decoded); err == nil && decoded != nil {
					args = decoded
				}
			}

			res.Calls = append(res.Calls, llm.FunctionCallRecord{
				Name:   name,
				Args:   args,
				CallID: id,
			})
			replay = append(replay, map[string]any{
				"id":   id,
				"type": "function",
				"function": map[string]any{
					"name":      name,
					"arguments": argText,
				},
			})
		}
		assistant["tool_calls"] = replay
	}

	res.Text = content
	res.Assistant = assistant
	return res, nil
}
