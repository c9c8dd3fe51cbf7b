// Package modelmap holds the static translation tables between the
// OpenAI-style model/finish-reason vocabulary the proxy exposes downstream
// and the Anthropic-style vocabulary it speaks upstream.
package modelmap

// aliases maps an external (OpenAI-style) model name to the upstream
// (Anthropic) model id. Unknown names pass through unchanged in Resolve.
var aliases = map[string]string{
	// Direct Anthropic model ids, accepted as-is for callers that already
	// know the dated upstream name.
	"claude-3-5-sonnet-20241022": "claude-3-5-sonnet-20241022",
	"claude-3-5-haiku-20241022":  "claude-3-5-haiku-20241022",
	"claude-3-opus-20240229":     "claude-3-opus-20240229",
	"claude-3-sonnet-20240229":   "claude-3-sonnet-20240229",
	"claude-3-haiku-20240307":    "claude-3-haiku-20240307",
	"claude-sonnet-4-20250514":   "claude-sonnet-4-20250514",
	"claude-opus-4-20250514":     "claude-opus-4-20250514",

	// Convenience aliases.
	"claude-3.5-sonnet": "claude-3-5-sonnet-20241022",
	"claude-3.5-haiku":  "claude-3-5-haiku-20241022",

	// Semantic "latest" aliases.
	"claude-sonnet-4": "claude-sonnet-4-20250514",
	"claude-opus-4":   "claude-opus-4-20250514",
	"claude-sonnet":   "claude-sonnet-4-20250514",
	"claude-opus":     "claude-opus-4-20250514",
}

// Resolve translates an external model name to its upstream id. Unknown
// names, including upstream ids already in their resolved form, pass
// through unchanged. Resolve is idempotent.
func Resolve(name string) string {
	if upstream, ok := aliases[name]; ok {
		return upstream
	}
	return name
}

// Aliases returns the alias table for enumeration by the /v1/models handler.
// The returned map must not be mutated by callers.
func Aliases() map[string]string {
	return aliases
}

// finishReasons maps an Anthropic stop_reason to an OpenAI finish_reason.
// Anything absent from this table, including the pause_turn and refusal
// variants the upstream has added since this table was last reviewed,
// defaults to "stop".
var finishReasons = map[string]string{
	"end_turn":      "stop",
	"max_tokens":    "length",
	"stop_sequence": "stop",
	"tool_use":      "tool_calls",
}

// FinishReason translates an Anthropic stop_reason into the OpenAI
// finish_reason vocabulary. Unknown reasons map to "stop".
func FinishReason(stopReason string) string {
	if reason, ok := finishReasons[stopReason]; ok {
		return reason
	}
	return "stop"
}
