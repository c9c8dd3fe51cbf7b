// Package proxyserver wires the OAuth client, token manager, and
// translator into the proxy's HTTP surface: auth endpoints, a models list,
// and the completions dispatcher.
package proxyserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/delorenj/anthropic-max-proxy/internal/metrics"
	"github.com/delorenj/anthropic-max-proxy/internal/modelmap"
	"github.com/delorenj/anthropic-max-proxy/internal/proxyconfig"
	"github.com/delorenj/anthropic-max-proxy/internal/proxyerr"
	"github.com/delorenj/anthropic-max-proxy/internal/tokenstore"
	"github.com/delorenj/anthropic-max-proxy/internal/translator"
	"github.com/delorenj/anthropic-max-proxy/internal/version"
)

// maxRequestBody caps the downstream request body this proxy will read into
// memory before translating it.
const maxRequestBody = 32 << 20 // 32MiB, generous for multimodal payloads

// Server holds the dependencies every handler needs. It is constructed once
// at startup and is safe for concurrent use; the only shared mutable state
// is tokens, which owns its own mutex.
type Server struct {
	cfg     *proxyconfig.Config
	tokens  *tokenstore.Manager
	metrics *metrics.Metrics
	logger  *slog.Logger

	headerClient  *http.Client // bounds connect+headers only, for streaming calls
	boundedClient *http.Client // bounds the full round trip, for non-streaming calls
}

// New constructs a Server and its upstream HTTP clients.
func New(cfg *proxyconfig.Config, tokens *tokenstore.Manager, m *metrics.Metrics, logger *slog.Logger) *Server {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: cfg.RequestTimeout}).DialContext,
		TLSHandshakeTimeout:   cfg.RequestTimeout,
		ResponseHeaderTimeout: cfg.RequestTimeout,
	}
	return &Server{
		cfg:           cfg,
		tokens:        tokens,
		metrics:       m,
		logger:        logger,
		headerClient:  &http.Client{Transport: transport},
		boundedClient: &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
	}
}

// Routes builds the proxy's HTTP surface.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /auth/status", s.handleAuthStatus)
	mux.HandleFunc("GET /auth/start", s.handleAuthStart)
	mux.HandleFunc("POST /auth/callback", s.handleAuthCallback)
	mux.HandleFunc("POST /auth/logout", s.handleAuthLogout)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"authenticated": s.tokens.IsAuthenticated(),
		"version":       version.Parse(),
	})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, _ *http.Request) {
	authenticated, expiresAt, isExpired := s.tokens.Status()
	resp := map[string]any{"authenticated": authenticated}
	if authenticated {
		resp["expires_at"] = expiresAt.Unix()
		resp["is_expired"] = isExpired
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAuthStart(w http.ResponseWriter, _ *http.Request) {
	url, verifier, err := s.tokens.StartAuthFlow()
	if err != nil {
		proxyerr.WriteJSON(w, fmt.Errorf("starting OAuth flow: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url":       url,
		"verifier":  verifier,
		"next_step": "open url in a browser, then POST the resulting code to /auth/callback",
	})
}

type authCallbackRequest struct {
	Code     string `json:"code"`
	Verifier string `json:"verifier"`
}

func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	var body authCallbackRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&body); err != nil {
		proxyerr.WriteJSON(w, proxyerr.Wrap(proxyerr.BadRequest, "invalid JSON body", err))
		return
	}
	if body.Code == "" {
		proxyerr.WriteJSON(w, proxyerr.New(proxyerr.BadRequest, "code is required"))
		return
	}
	if err := s.tokens.CompleteAuthFlow(r.Context(), body.Code, body.Verifier); err != nil {
		proxyerr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleAuthLogout(w http.ResponseWriter, _ *http.Request) {
	if err := s.tokens.Clear(); err != nil {
		proxyerr.WriteJSON(w, fmt.Errorf("clearing tokens: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	aliases := modelmap.Aliases()
	data := make([]any, 0, len(aliases))
	now := time.Now().Unix()
	for name := range aliases {
		data = append(data, map[string]any{
			"id":       name,
			"object":   "model",
			"created":  now,
			"owned_by": "anthropic",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		proxyerr.WriteJSON(w, proxyerr.Wrap(proxyerr.BadRequest, "reading request body", err))
		return
	}
	if !gjson.ValidBytes(raw) {
		proxyerr.WriteJSON(w, proxyerr.New(proxyerr.BadRequest, "invalid JSON body"))
		s.metrics.RecordRequest("chat_completions", "bad_request")
		return
	}

	token, err := s.tokens.GetValidToken(r.Context())
	if err != nil {
		proxyerr.WriteJSON(w, err)
		s.metrics.RecordRequest("chat_completions", "unauthenticated")
		return
	}

	upstreamBody, err := translator.RequestToUpstream(raw)
	if err != nil {
		proxyerr.WriteJSON(w, proxyerr.Wrap(proxyerr.BadRequest, "translating request", err))
		s.metrics.RecordRequest("chat_completions", "bad_request")
		return
	}

	model := gjson.GetBytes(raw, "model").String()
	stream := gjson.GetBytes(raw, "stream").Bool()

	if stream {
		s.dispatchStreaming(w, r, token, upstreamBody, model)
		return
	}
	s.dispatchNonStreaming(w, r, token, upstreamBody, model)
}

func (s *Server) newUpstreamRequest(ctx context.Context, token string, body []byte) (*http.Request, error) {
	endpoint := strings.TrimRight(s.cfg.APIURL, "/") + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", s.cfg.AnthropicAPIVersion)
	req.Header.Set("anthropic-beta", strings.Join(s.cfg.AnthropicBetas, ","))
	return req, nil
}

func (s *Server) dispatchNonStreaming(w http.ResponseWriter, r *http.Request, token string, upstreamBody []byte, model string) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	req, err := s.newUpstreamRequest(ctx, token, upstreamBody)
	if err != nil {
		proxyerr.WriteJSON(w, err)
		return
	}

	start := time.Now()
	resp, err := s.boundedClient.Do(req)
	s.metrics.ObserveUpstreamDuration(false, time.Since(start))
	if err != nil {
		proxyerr.WriteJSON(w, proxyerr.Wrap(proxyerr.UpstreamUnavailable, "calling upstream", err))
		s.metrics.RecordRequest("chat_completions", "upstream_unavailable")
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		proxyerr.WriteJSON(w, proxyerr.Wrap(proxyerr.UpstreamUnavailable, "reading upstream response", err))
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		proxyerr.WriteJSON(w, proxyerr.WrapUpstream(resp.StatusCode, string(respBody)))
		s.metrics.RecordRequest("chat_completions", "upstream_rejected")
		return
	}

	downstream, err := translator.ResponseToDownstream(respBody, model)
	if err != nil {
		proxyerr.WriteJSON(w, proxyerr.Wrap(proxyerr.Internal, "translating response", err))
		s.metrics.RecordRequest("chat_completions", "translate_error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(downstream)
	s.metrics.RecordRequest("chat_completions", "ok")
}

func (s *Server) dispatchStreaming(w http.ResponseWriter, r *http.Request, token string, upstreamBody []byte, model string) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	req, err := s.newUpstreamRequest(ctx, token, upstreamBody)
	if err != nil {
		sseW := translator.NewSSEWriter(w)
		sseW.WriteError(err.Error())
		return
	}

	start := time.Now()
	resp, err := s.headerClient.Do(req)
	s.metrics.ObserveUpstreamDuration(true, time.Since(start))
	if err != nil {
		sseW := translator.NewSSEWriter(w)
		sseW.WriteError(fmt.Sprintf("calling upstream: %s", err))
		s.metrics.RecordRequest("chat_completions", "upstream_unavailable")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		sseW := translator.NewSSEWriter(w)
		sseW.WriteError(string(body))
		s.metrics.RecordRequest("chat_completions", "upstream_rejected")
		return
	}

	sseW := translator.NewSSEWriter(w)
	reader := newChunkBoundedReader(ctx, cancel, resp.Body, s.cfg.RequestTimeout)
	if err := translator.TranscodeStream(reader, sseW, model, s.logger.Debug); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("stream transcoding ended with error", "error", err)
		s.metrics.RecordRequest("chat_completions", "stream_error")
		return
	}
	s.metrics.RecordRequest("chat_completions", "ok")
}

// chunkBoundedReader wraps an upstream response body so that each
// individual Read is bounded by timeout: if no bytes arrive within timeout,
// ctx is cancelled, which aborts the underlying connection read. This gives
// streaming upstream calls a per-chunk deadline rather than a per-stream one.
type chunkBoundedReader struct {
	ctx     context.Context
	cancel  context.CancelFunc
	r       io.Reader
	timeout time.Duration
}

func newChunkBoundedReader(ctx context.Context, cancel context.CancelFunc, r io.Reader, timeout time.Duration) io.Reader {
	return &chunkBoundedReader{ctx: ctx, cancel: cancel, r: r, timeout: timeout}
}

func (c *chunkBoundedReader) Read(p []byte) (int, error) {
	timer := time.AfterFunc(c.timeout, c.cancel)
	defer timer.Stop()
	n, err := c.r.Read(p)
	if err != nil && c.ctx.Err() != nil {
		return n, c.ctx.Err()
	}
	return n, err
}
