package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/Warp-Terra/repo-agent/internal/llm"
)

// EventFunc receives turn progress events. Handlers must not block; the
// session layer appends to its ring and returns.
type EventFunc func(eventType string, payload map[string]any)

func emitEvent(emit EventFunc, eventType string, payload map[string]any) {
	if emit != nil {
		emit(eventType, payload)
	}
}

func previewOf(s string) string {
	runes := []rune(s)
	if len(runes) <= 200 {
		return s
	}
	return string(runes[:200]) + "..."
}

// RunTurn drives one full exchange: append the user input, call the
// model, execute requested tools, feed results back, and repeat until
// the model answers in text or a tool budget forces a local answer.
//
// Consecutive identical calls are answered from cache without counting
// against the effective budget. The returned string is the final answer;
// a non-nil error means the turn failed and the caller should roll the
// user message back.
func RunTurn(
	ctx context.Context,
	rt llm.Runtime,
	reg *Registry,
	history *[]llm.Message,
	userInput string,
	emit EventFunc,
	sleep llm.SleepFunc,
) (string, error) {
	tools := reg.Declarations()
	rt.AppendUser(history, userInput)

	effectiveCalls := 0
	rawCalls := 0
	resultCache := map[string]string{}
	lastSignature := ""
	var resultPreviews []string

	for {
		res, err := llm.CallWithRetry(ctx, llm.RetryEventFunc(emit), sleep, func() (llm.InvokeResult, error) {
			return rt.Invoke(ctx, *history, tools, SystemPrompt)
		})
		if err != nil {
			return "", err
		}
		if res.Assistant != nil {
			*history = append(*history, res.Assistant)
		}

		if len(res.Calls) == 0 {
			if res.Text == "" {
				return "(模型未返回文本内容)", nil
			}
			return res.Text, nil
		}

		results := make([]llm.ToolResult, 0, len(res.Calls))
		for _, call := range res.Calls {
			rawCalls++
			if rt.Provider() == "kimi" && call.CallID == "" {
				call.CallID = fmt.Sprintf("call_%d", rawCalls)
			}

			emitEvent(emit, "tool_call", map[string]any{
				"index": rawCalls,
				"name":  call.Name,
				"args":  call.Args,
			})

			signature := callSignature(call.Name, call.Args)
			cached, haveCached := resultCache[signature]

			var result string
			if signature == lastSignature && haveCached {
				result = cached
				emitEvent(emit, "tool_deduplicated", map[string]any{
					"name": call.Name,
					"args": call.Args,
				})
			} else {
				effectiveCalls++
				result = reg.Execute(call.Name, call.Args)
				resultCache[signature] = result
			}

			preview := previewOf(result)
			emitEvent(emit, "tool_result", map[string]any{
				"name":    call.Name,
				"preview": preview,
			})
			resultPreviews = append(resultPreviews, fmt.Sprintf("%s: %s", call.Name, preview))
			results = append(results, llm.ToolResult{Call: call, Result: result})
			lastSignature = signature
		}

		rt.AppendToolResults(history, results)

		if effectiveCalls >= MaxToolCallsPerTurn {
			emitEvent(emit, "warning", map[string]any{
				"message": fmt.Sprintf("已达到单轮最大有效工具调用次数 (%d)，强制结束。", MaxToolCallsPerTurn),
			})
			answer := buildToolCapAnswer(effectiveCalls, rawCalls, false, lastPreviews(resultPreviews, 5))
			rt.AppendAssistantText(history, answer)
			return answer, nil
		}

		if rawCalls >= MaxRawToolCallsPerTurn {
			emitEvent(emit, "warning", map[string]any{
				"message": fmt.Sprintf("原始工具请求次数过多 (%d/%d)，疑似重复循环，强制结束。", rawCalls, MaxRawToolCallsPerTurn),
			})
			answer := buildToolCapAnswer(effectiveCalls, rawCalls, true, lastPreviews(resultPreviews, 5))
			rt.AppendAssistantText(history, answer)
			return answer, nil
		}
	}
}

func lastPreviews(previews []string, n int) []string {
	if len(previews) <= n {
		return previews
	}
	return previews[len(previews)-n:]
}

// buildToolCapAnswer composes the local fallback answer returned when a
// tool budget is exhausted, so no further model request is spent.
func buildToolCapAnswer(effectiveCalls, rawCalls int, rawBreached bool, previews []string) string {
	var lines []string
	if rawBreached {
		lines = append(lines, fmt.Sprintf(
			"本轮检测到工具请求过多（原始请求 %d/%d），可能存在重复调用循环，已停止继续调用模型。",
			rawCalls, MaxRawToolCallsPerTurn))
	} else {
		lines = append(lines, fmt.Sprintf(
			"本轮已达到工具调用上限（有效调用 %d/%d），为降低请求次数已停止继续调用模型。",
			effectiveCalls, MaxToolCallsPerTurn))
	}
	if len(previews) > 0 {
		lines = append(lines, "已获取信息摘要：")
		for _, p := range previews {
			lines = append(lines, "- "+p)
		}
	}
	lines = append(lines, "如需更精确结果，请缩小提问范围后重试。")
	return strings.Join(lines, "\n")
}
