package google

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Warp-Terra/repo-agent/internal/llm"
)

func TestInvokeSendsContentsAndParsesFunctionCalls(t *testing.T) {
	var gotBody map[string]any
	var gotPath, gotKey string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{
				map[string]any{
					"content": map[string]any{
						"role": "model",
						"parts": []any{
							map[string]any{"text": "looking at "},
							map[string]any{"functionCall": map[string]any{
								"name": "read_file",
								"args": map[string]any{"path": "main.go"},
							}},
							map[string]any{"text": "it now"},
						},
					},
				},
			},
		})
	}))
	defer srv.Close()

	rt := New("test-key", "gemini-2.5-flash", srv.URL)
	var history []llm.Message
	rt.AppendUser(&history, "what does main do?")

	tools := []llm.ToolDeclaration{{
		Name:        "read_file",
		Description: "read a file",
		Parameters: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{"path": map[string]any{"type": "string"}},
			"additionalProperties": false,
		},
	}}

	res, err := rt.Invoke(context.Background(), history, tools, "you are helpful")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if gotPath != "/v1beta/models/gemini-2.5-flash:generateContent" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("key = %q", gotKey)
	}
	if _, ok := gotBody["systemInstruction"]; !ok {
		t.Error("request missing systemInstruction")
	}
	contents, _ := gotBody["contents"].([]any)
	if len(contents) != 1 {
		t.Fatalf("contents = %v", gotBody["contents"])
	}
	toolsField, _ := gotBody["tools"].([]any)
	if len(toolsField) != 1 {
		t.Fatalf("tools = %v", gotBody["tools"])
	}
	decls := toolsField[0].(map[string]any)["functionDeclarations"].([]any)
	params := decls[0].(map[string]any)["parameters"].(map[string]any)
	if _, ok := params["additionalProperties"]; ok {
		t.Error("additionalProperties should be stripped from parameters")
	}

	if res.Text != "looking at it now" {
		t.Errorf("Text = %q", res.Text)
	}
	if len(res.Calls) != 1 || res.Calls[0].Name != "read_file" {
		t.Fatalf("Calls = %+v", res.Calls)
	}
	if res.Calls[0].Args["path"] != "main.go" {
		t.Errorf("Args = %v", res.Calls[0].Args)
	}
	if res.Calls[0].CallID != "" {
		t.Errorf("CallID = %q, want empty", res.Calls[0].CallID)
	}
	if res.Assistant.Role() != "model" {
		t.Errorf("Assistant role = %q", res.Assistant.Role())
	}
}

func TestInvokeNon2xxReturnsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded, please retry in 3.0s"}}`))
	}))
	defer srv.Close()

	rt := New("k", "gemini-2.5-flash", srv.URL)
	_, err := rt.Invoke(context.Background(), nil, nil, "")
	var perr *llm.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *llm.ProviderError", err)
	}
	if perr.StatusCode != 429 {
		t.Errorf("StatusCode = %d", perr.StatusCode)
	}
	if !llm.IsRateLimited(err) {
		t.Error("429 response should read as rate-limited")
	}
}

func TestHistoryAppendShapes(t *testing.T) {
	rt := New("k", "m", "")
	var history []llm.Message

	rt.AppendUser(&history, "hi")
	rt.AppendAssistantText(&history, "hello")
	rt.AppendToolResults(&history, []llm.ToolResult{
		{Call: llm.FunctionCallRecord{Name: "list_dir"}, Result: "a.go"},
		{Call: llm.FunctionCallRecord{Name: "read_file"}, Result: "package main"},
	})

	if len(history) != 3 {
		t.Fatalf("len(history) = %d", len(history))
	}
	if history[0].Role() != "user" || history[1].Role() != "model" || history[2].Role() != "tool" {
		t.Fatalf("roles = %q %q %q", history[0].Role(), history[1].Role(), history[2].Role())
	}
	parts, _ := history[2]["parts"].([]any)
	if len(parts) != 2 {
		t.Fatalf("tool message parts = %v", history[2]["parts"])
	}
	fr := parts[0].(map[string]any)["functionResponse"].(map[string]any)
	if fr["name"] != "list_dir" {
		t.Errorf("functionResponse name = %v", fr["name"])
	}
}
