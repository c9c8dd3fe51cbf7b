// Package translator converts between the OpenAI chat-completions wire
// shape and the Anthropic messages wire shape, for both the non-streaming
// request/response bodies (this file and response.go) and the streaming
// SSE transcoding (stream.go).
//
// Both protocols are loosely typed JSON, so request and response bodies are
// modeled as map[string]any trees rather than closed structs: nested values
// the translator copies without inspecting (message content, tool parameter
// schemas, tool_result content) are carried through as-is. Top-level fields
// outside the translation rules are not copied into the translated body.
package translator

import (
	"encoding/json"
	"fmt"

	"github.com/delorenj/anthropic-max-proxy/internal/modelmap"
)

// defaultMaxTokens is used when the downstream request omits max_tokens.
const defaultMaxTokens = 4096

// UnsupportedToolError is returned by ResponseToDownstream when an upstream
// content block names a tool invocation type the translator does not
// understand (a type containing "tool_use" other than "tool_use" itself).
// The call is aborted rather than silently dropping tool information.
// RequestToUpstream never returns it: downstream tool declarations whose
// type isn't "function" are skipped.
type UnsupportedToolError struct {
	Type string
}

func (e *UnsupportedToolError) Error() string {
	return fmt.Sprintf("unsupported tool type %q", e.Type)
}

// RequestToUpstream converts a downstream (OpenAI-shaped) chat completion
// request body into an upstream (Anthropic-shaped) messages request body.
func RequestToUpstream(raw []byte) ([]byte, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decoding downstream request: %w", err)
	}

	upstream := map[string]any{}

	model, _ := body["model"].(string)
	upstream["model"] = modelmap.Resolve(model)

	messages, _ := body["messages"].([]any)
	system, anthropicMessages, err := translateMessages(messages)
	if err != nil {
		return nil, err
	}
	upstream["messages"] = anthropicMessages
	if system != "" {
		upstream["system"] = system
	}

	if maxTokens, ok := numberField(body, "max_tokens"); ok {
		upstream["max_tokens"] = maxTokens
	} else {
		upstream["max_tokens"] = defaultMaxTokens
	}

	if v, ok := body["temperature"]; ok {
		upstream["temperature"] = v
	}
	if v, ok := body["top_p"]; ok {
		upstream["top_p"] = v
	}

	if stop, ok := body["stop"]; ok {
		switch s := stop.(type) {
		case string:
			upstream["stop_sequences"] = []any{s}
		case []any:
			upstream["stop_sequences"] = s
		}
	}

	if tools, ok := body["tools"].([]any); ok {
		upstreamTools, err := translateTools(tools)
		if err != nil {
			return nil, err
		}
		if len(upstreamTools) > 0 {
			upstream["tools"] = upstreamTools
		}
	}

	if stream, ok := body["stream"].(bool); ok {
		upstream["stream"] = stream
	}

	return json.Marshal(upstream)
}

// translateMessages lifts system-role messages into a single joined system
// string and rewrites tool-role messages into Anthropic's tool_result
// shape. User and assistant messages pass through with content unchanged;
// any other role is dropped.
func translateMessages(messages []any) (system string, out []any, err error) {
	var systemParts []string
	out = make([]any, 0, len(messages))

	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		content := msg["content"]

		switch role {
		case "system":
			if text, ok := content.(string); ok {
				systemParts = append(systemParts, text)
			}
		case "user", "assistant":
			out = append(out, map[string]any{"role": role, "content": content})
		case "tool":
			out = append(out, map[string]any{
				"role": "user",
				"content": []any{
					map[string]any{
						"type":        "tool_result",
						"tool_use_id": msg["tool_call_id"],
						"content":     content,
					},
				},
			})
		}
	}

	joined := ""
	for i, part := range systemParts {
		if i > 0 {
			joined += "\n\n"
		}
		joined += part
	}
	return joined, out, nil
}

// translateTools converts OpenAI "function" tool entries to Anthropic tool
// entries. Entries whose type isn't "function" are skipped.
func translateTools(tools []any) ([]any, error) {
	out := make([]any, 0, len(tools))
	for _, t := range tools {
		tool, ok := t.(map[string]any)
		if !ok {
			continue
		}
		toolType, _ := tool["type"].(string)
		if toolType != "function" {
			continue
		}
		fn, _ := tool["function"].(map[string]any)
		name, _ := fn["name"].(string)
		description, _ := fn["description"].(string)
		parameters := fn["parameters"]
		if parameters == nil {
			parameters = map[string]any{}
		}
		out = append(out, map[string]any{
			"name":         name,
			"description":  description,
			"input_schema": parameters,
		})
	}
	return out, nil
}

// numberField reads a numeric field as an int, accepting both float64 (the
// shape encoding/json produces for JSON numbers) and int.
func numberField(body map[string]any, key string) (int, bool) {
	v, ok := body[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
