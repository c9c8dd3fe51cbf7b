package translator

import (
	"encoding/json"
	"testing"
)

func decodeUpstream(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decoding translated request: %v", err)
	}
	return m
}

func TestRequestToUpstreamLiftsSystemMessage(t *testing.T) {
	input := `{
		"model": "claude-sonnet",
		"messages": [
			{"role": "system", "content": "You are terse."},
			{"role": "user", "content": "hi"}
		]
	}`

	out, err := RequestToUpstream([]byte(input))
	if err != nil {
		t.Fatalf("RequestToUpstream: %v", err)
	}
	upstream := decodeUpstream(t, out)

	if upstream["system"] != "You are terse." {
		t.Errorf("system = %v, want lifted system string", upstream["system"])
	}
	if upstream["model"] != "claude-sonnet-4-20250514" {
		t.Errorf("model = %v, want resolved alias", upstream["model"])
	}
	msgs, _ := upstream["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("messages = %v, want exactly the user message", msgs)
	}
}

func TestRequestToUpstreamJoinsMultipleSystemMessages(t *testing.T) {
	input := `{
		"model": "m",
		"messages": [
			{"role": "system", "content": "first"},
			{"role": "system", "content": "second"},
			{"role": "user", "content": "hi"}
		]
	}`
	out, err := RequestToUpstream([]byte(input))
	if err != nil {
		t.Fatalf("RequestToUpstream: %v", err)
	}
	upstream := decodeUpstream(t, out)
	if upstream["system"] != "first\n\nsecond" {
		t.Errorf("system = %v, want joined system strings", upstream["system"])
	}
}

func TestRequestToUpstreamDefaultsMaxTokens(t *testing.T) {
	out, err := RequestToUpstream([]byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("RequestToUpstream: %v", err)
	}
	upstream := decodeUpstream(t, out)
	if upstream["max_tokens"] != float64(defaultMaxTokens) {
		t.Errorf("max_tokens = %v, want default %d", upstream["max_tokens"], defaultMaxTokens)
	}
}

func TestRequestToUpstreamPreservesExplicitMaxTokens(t *testing.T) {
	out, err := RequestToUpstream([]byte(`{"model":"m","messages":[{"role":"user","content":"hi"}],"max_tokens":256}`))
	if err != nil {
		t.Fatalf("RequestToUpstream: %v", err)
	}
	upstream := decodeUpstream(t, out)
	if upstream["max_tokens"] != float64(256) {
		t.Errorf("max_tokens = %v, want 256", upstream["max_tokens"])
	}
}

func TestRequestToUpstreamWrapsStringStop(t *testing.T) {
	out, err := RequestToUpstream([]byte(`{"model":"m","messages":[{"role":"user","content":"hi"}],"stop":"STOP"}`))
	if err != nil {
		t.Fatalf("RequestToUpstream: %v", err)
	}
	upstream := decodeUpstream(t, out)
	seqs, _ := upstream["stop_sequences"].([]any)
	if len(seqs) != 1 || seqs[0] != "STOP" {
		t.Errorf("stop_sequences = %v, want [\"STOP\"]", seqs)
	}
}

func TestRequestToUpstreamTranslatesFunctionTool(t *testing.T) {
	input := `{
		"model": "m",
		"messages": [{"role": "user", "content": "what's the weather"}],
		"tools": [
			{"type": "function", "function": {"name": "get_weather", "description": "d", "parameters": {"type": "object"}}},
			{"type": "retrieval"}
		]
	}`
	out, err := RequestToUpstream([]byte(input))
	if err != nil {
		t.Fatalf("RequestToUpstream: %v", err)
	}
	upstream := decodeUpstream(t, out)
	tools, _ := upstream["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("tools = %v, want exactly the function tool (retrieval skipped)", tools)
	}
	tool, _ := tools[0].(map[string]any)
	if tool["name"] != "get_weather" {
		t.Errorf("tool name = %v, want get_weather", tool["name"])
	}
	if _, ok := tool["input_schema"]; !ok {
		t.Errorf("tool missing input_schema: %v", tool)
	}
}

func TestRequestToUpstreamRewritesToolResultMessage(t *testing.T) {
	input := `{
		"model": "m",
		"messages": [
			{"role": "user", "content": "weather?"},
			{"role": "tool", "tool_call_id": "call_1", "content": "72F and sunny"}
		]
	}`
	out, err := RequestToUpstream([]byte(input))
	if err != nil {
		t.Fatalf("RequestToUpstream: %v", err)
	}
	upstream := decodeUpstream(t, out)
	msgs, _ := upstream["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v, want 2", msgs)
	}
	toolMsg, _ := msgs[1].(map[string]any)
	if toolMsg["role"] != "user" {
		t.Errorf("tool_result message role = %v, want user", toolMsg["role"])
	}
	content, _ := toolMsg["content"].([]any)
	if len(content) != 1 {
		t.Fatalf("tool_result content = %v, want one block", content)
	}
	block, _ := content[0].(map[string]any)
	if block["type"] != "tool_result" || block["tool_use_id"] != "call_1" || block["content"] != "72F and sunny" {
		t.Errorf("unexpected tool_result block: %v", block)
	}
}

func TestRequestToUpstreamPropagatesStreamFlag(t *testing.T) {
	out, err := RequestToUpstream([]byte(`{"model":"m","messages":[{"role":"user","content":"hi"}],"stream":true}`))
	if err != nil {
		t.Fatalf("RequestToUpstream: %v", err)
	}
	upstream := decodeUpstream(t, out)
	if upstream["stream"] != true {
		t.Errorf("stream = %v, want true", upstream["stream"])
	}
}
