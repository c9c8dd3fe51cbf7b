package translator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/delorenj/anthropic-max-proxy/internal/modelmap"
)

// ResponseToDownstream converts a non-streaming upstream (Anthropic)
// response body into a downstream (OpenAI) chat completion response body.
// model is the externally-requested model name, echoed back unchanged the
// way OpenAI's API does.
func ResponseToDownstream(raw []byte, model string) ([]byte, error) {
	var upstream map[string]any
	if err := json.Unmarshal(raw, &upstream); err != nil {
		return nil, fmt.Errorf("decoding upstream response: %w", err)
	}

	blocks, _ := upstream["content"].([]any)
	text, toolCalls, err := translateContentBlocks(blocks)
	if err != nil {
		return nil, err
	}

	message := map[string]any{
		"role": "assistant",
	}
	if text != "" {
		message["content"] = text
	} else {
		message["content"] = nil
	}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	stopReason, _ := upstream["stop_reason"].(string)
	finishReason := modelmap.FinishReason(stopReason)

	usage, _ := upstream["usage"].(map[string]any)
	inputTokens := intFromAny(usage["input_tokens"])
	outputTokens := intFromAny(usage["output_tokens"])

	id, _ := upstream["id"].(string)
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}

	downstream := map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []any{
			map[string]any{
				"index":         0,
				"message":       message,
				"finish_reason": finishReason,
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     inputTokens,
			"completion_tokens": outputTokens,
			"total_tokens":      inputTokens + outputTokens,
		},
	}

	return json.Marshal(downstream)
}

// translateContentBlocks splits upstream content blocks into concatenated
// text and a list of downstream tool_calls entries. A block whose type
// string names a tool invocation this proxy doesn't recognize (e.g. a
// future "server_tool_use"-style variant) aborts translation with
// UnsupportedToolError rather than silently discarding the call.
func translateContentBlocks(blocks []any) (text string, toolCalls []any, err error) {
	for i, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok {
			continue
		}
		blockType, _ := block["type"].(string)
		switch blockType {
		case "text":
			if t, ok := block["text"].(string); ok {
				text += t
			}
		case "tool_use":
			id, _ := block["id"].(string)
			if id == "" {
				id = fmt.Sprintf("call_%d", i)
			}
			name, _ := block["name"].(string)
			input := block["input"]
			if input == nil {
				input = map[string]any{}
			}
			args, marshalErr := json.Marshal(input)
			if marshalErr != nil {
				return "", nil, fmt.Errorf("encoding tool_use input: %w", marshalErr)
			}
			toolCalls = append(toolCalls, map[string]any{
				"id":   id,
				"type": "function",
				"function": map[string]any{
					"name":      name,
					"arguments": string(args),
				},
			})
		case "thinking", "redacted_thinking":
			// Pass-through content the downstream protocol has no slot for;
			// dropping it silently is acceptable since it carries no
			// tool-call information.
		default:
			if strings.Contains(blockType, "tool_use") {
				return "", nil, &UnsupportedToolError{Type: blockType}
			}
		}
	}
	return text, toolCalls, nil
}

func intFromAny(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
