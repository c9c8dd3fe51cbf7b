package tokenstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/delorenj/anthropic-max-proxy/internal/oauthclient"
	"github.com/delorenj/anthropic-max-proxy/internal/proxyconfig"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func newTestManager(t *testing.T, tokenFile string) *Manager {
	t.Helper()
	cfg := &proxyconfig.Config{TokenFile: tokenFile, RequestTimeout: 5 * time.Second}
	m, err := NewManager(cfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, filepath.Join(dir, "tokens.json"))

	want := &oauthclient.TokenSet{
		AccessToken:  "access-abc",
		RefreshToken: "refresh-xyz",
		ExpiresAt:    time.Now().Add(time.Hour).Truncate(time.Second),
	}
	if err := m.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got := m.Load()
	if got == nil || got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken {
		t.Fatalf("Load() = %+v, want %+v", got, want)
	}
}

func TestSaveWritesOwnerOnlyPermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.json")
	m := newTestManager(t, path)

	if err := m.Save(&oauthclient.TokenSet{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now()}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat token file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("token file permissions = %o, want 0600", perm)
	}
}

func TestLoadTreatsCorruptFileAsUnauthenticated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.json")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	m := newTestManager(t, path)
	if m.IsAuthenticated() {
		t.Fatal("corrupt token file should read back as unauthenticated")
	}
}

func TestClearRemovesFileAndCache(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, filepath.Join(dir, "tokens.json"))

	if err := m.Save(&oauthclient.TokenSet{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := m.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if m.IsAuthenticated() {
		t.Fatal("expected unauthenticated after Clear")
	}
	if _, err := os.Stat(m.cfg.TokenFile); !os.IsNotExist(err) {
		t.Fatalf("expected token file removed, stat err = %v", err)
	}
}

func TestClearToleratesMissingFile(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, filepath.Join(dir, "tokens.json"))
	if err := m.Clear(); err != nil {
		t.Fatalf("Clear on nonexistent file should not error: %v", err)
	}
}

func TestGetValidTokenReturnsUnauthenticatedWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, filepath.Join(dir, "tokens.json"))

	_, err := m.GetValidToken(context.Background())
	if err == nil {
		t.Fatal("expected an error when no tokens are stored")
	}
}

func TestGetValidTokenSkipsRefreshWhenFresh(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, filepath.Join(dir, "tokens.json"))
	_ = m.Save(&oauthclient.TokenSet{AccessToken: "still-good", RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour)})

	token, err := m.GetValidToken(context.Background())
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if token != "still-good" {
		t.Fatalf("token = %q, want %q (no refresh expected)", token, "still-good")
	}
}

func TestGetValidTokenRefreshesWhenNearExpiry(t *testing.T) {
	var refreshCalls int32
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		refreshCalls++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond) // widen the window for concurrent callers to collide
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "refreshed-token",
			"refresh_token": "refreshed-refresh",
			"expires_in":    3600,
		})
	}))
	defer server.Close()

	dir := t.TempDir()
	cfg := &proxyconfig.Config{
		TokenFile:      filepath.Join(dir, "tokens.json"),
		TokenURL:       server.URL,
		RequestTimeout: 5 * time.Second,
	}
	m, err := NewManager(cfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	// Within the expiry buffer: a refresh must happen.
	_ = m.Save(&oauthclient.TokenSet{AccessToken: "stale", RefreshToken: "rt", ExpiresAt: time.Now().Add(10 * time.Second)})

	const concurrency = 8
	var wg sync.WaitGroup
	tokens := make([]string, concurrency)
	errs := make([]error, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.GetValidToken(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("GetValidToken[%d]: %v", i, err)
		}
		if tokens[i] != "refreshed-token" {
			t.Errorf("tokens[%d] = %q, want refreshed-token", i, tokens[i])
		}
	}

	mu.Lock()
	calls := refreshCalls
	mu.Unlock()
	if calls != 1 {
		t.Fatalf("refresh endpoint called %d times, want exactly 1 (singleflight collapse)", calls)
	}
}

func TestCompleteAuthFlowRequiresVerifier(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, filepath.Join(dir, "tokens.json"))

	err := m.CompleteAuthFlow(context.Background(), "some-code", "")
	if err == nil {
		t.Fatal("expected an error when no verifier is supplied or cached")
	}
}

func TestStartAuthFlowCachesVerifierForCompleteAuthFlow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "a", "refresh_token": "r", "expires_in": 3600,
		})
	}))
	defer server.Close()

	dir := t.TempDir()
	cfg := &proxyconfig.Config{
		TokenFile:      filepath.Join(dir, "tokens.json"),
		TokenURL:       server.URL,
		RequestTimeout: 5 * time.Second,
	}
	m, err := NewManager(cfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if _, _, err := m.StartAuthFlow(); err != nil {
		t.Fatalf("StartAuthFlow: %v", err)
	}
	if err := m.CompleteAuthFlow(context.Background(), "code-from-callback", ""); err != nil {
		t.Fatalf("CompleteAuthFlow with cached verifier: %v", err)
	}
	if !m.IsAuthenticated() {
		t.Fatal("expected authenticated after completing the flow")
	}
}
