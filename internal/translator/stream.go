package translator

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/delorenj/anthropic-max-proxy/internal/modelmap"
)

// doneLine is the terminal sentinel every downstream streaming session ends
// with, success or failure.
const doneLine = "data: [DONE]\n\n"

// SSEWriter serializes downstream chat.completion.chunk events to an
// http.ResponseWriter as OpenAI-style SSE: no event: lines, just data: JSON,
// flushed immediately so the client sees each chunk as it's produced.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter prepares w for event-stream output. It sets the SSE headers;
// callers must not have written a status code yet.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: flusher}
}

func (s *SSEWriter) writeChunk(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding SSE chunk: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// WriteDone writes the terminal sentinel line.
func (s *SSEWriter) WriteDone() {
	_, _ = io.WriteString(s.w, doneLine)
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// WriteError writes a single error-carrying data chunk followed by the
// terminal sentinel, for the case where the upstream rejected the request
// before streaming began.
func (s *SSEWriter) WriteError(message string) {
	_ = s.writeChunk(map[string]any{"error": map[string]any{"message": message, "type": "upstream_error"}})
	s.WriteDone()
}

// chunkState carries the pieces of downstream chunks that persist across
// the life of one stream: the message id surfaced by message_start, and the
// model name the caller requested.
type chunkState struct {
	id    string
	model string
}

func (s chunkState) base(delta map[string]any, finishReason any) map[string]any {
	id := s.id
	if id == "" {
		id = "chatcmpl-anthropic"
	}
	return map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   s.model,
		"choices": []any{
			map[string]any{
				"index":         0,
				"delta":         delta,
				"finish_reason": finishReason,
			},
		},
	}
}

// TranscodeStream drives the upstream event stream in r, pairing each
// event: line with its subsequent data: line and emitting the corresponding
// downstream chunk(s) to sseW, in the order the upstream events arrived. It
// always ends by writing the terminal sentinel, regardless of how the
// upstream stream ends. Malformed data lines are logged and skipped; they
// do not abort the stream.
//
// logf receives one message per skipped malformed line; pass a no-op to
// suppress.
func TranscodeStream(r io.Reader, sseW *SSEWriter, model string, logf func(msg string, args ...any)) error {
	defer sseW.WriteDone()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	state := chunkState{model: model}
	currentEvent := ""

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}
			if !gjson.Valid(payload) {
				logf("skipping malformed SSE data line", "event", currentEvent)
				continue
			}
			if err := emitForEvent(sseW, &state, currentEvent, gjson.Parse(payload)); err != nil {
				return err
			}
		default:
			// Blank lines and any other SSE framing (ids, retry:, comments)
			// carry no semantic content for this protocol pair.
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading upstream stream: %w", err)
	}
	return nil
}

func emitForEvent(sseW *SSEWriter, state *chunkState, event string, data gjson.Result) error {
	switch event {
	case "message_start":
		if id := data.Get("message.id"); id.Exists() {
			state.id = id.String()
		}
		return sseW.writeChunk(state.base(map[string]any{"role": "assistant", "content": ""}, nil))

	case "content_block_start":
		block := data.Get("content_block")
		if block.Get("type").String() != "tool_use" {
			return nil
		}
		return sseW.writeChunk(state.base(map[string]any{
			"tool_calls": []any{map[string]any{
				"index": data.Get("index").Int(),
				"id":    block.Get("id").String(),
				"type":  "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": "",
				},
			}},
		}, nil))

	case "content_block_delta":
		delta := data.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			return sseW.writeChunk(state.base(map[string]any{"content": delta.Get("text").String()}, nil))
		case "input_json_delta":
			return sseW.writeChunk(state.base(map[string]any{
				"tool_calls": []any{map[string]any{
					"index":    data.Get("index").Int(),
					"function": map[string]any{"arguments": delta.Get("partial_json").String()},
				}},
			}, nil))
		}
		return nil

	case "message_delta":
		stopReason := data.Get("delta.stop_reason")
		if !stopReason.Exists() || stopReason.String() == "" {
			return nil
		}
		return sseW.writeChunk(state.base(map[string]any{}, modelmap.FinishReason(stopReason.String())))

	case "message_stop":
		return sseW.writeChunk(state.base(map[string]any{}, "stop"))

	default:
		// Ping, error, and any other upstream event kinds are suppressed.
		return nil
	}
}
