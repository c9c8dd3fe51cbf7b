// Package tokenstore owns the persisted OAuth token file and the
// in-memory cache in front of it. It is constructed once at process
// startup and threaded explicitly through the HTTP handlers that need it;
// the original Python source's process-wide singleton is deliberately not
// reproduced here.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"github.com/delorenj/anthropic-max-proxy/internal/metrics"
	"github.com/delorenj/anthropic-max-proxy/internal/oauthclient"
	"github.com/delorenj/anthropic-max-proxy/internal/proxyconfig"
	"github.com/delorenj/anthropic-max-proxy/internal/proxyerr"
)

// expiryBuffer is subtracted from a token's stated lifetime when deciding
// whether to proactively refresh. It exists so a token that looks valid at
// dispatch time doesn't expire before the upstream receives it.
const expiryBuffer = 60 * time.Second

// Manager serializes all token file access behind a single mutex and
// collapses concurrent refreshes into one upstream call via singleflight,
// so N goroutines racing past expiry trigger exactly one refresh.
type Manager struct {
	cfg     *proxyconfig.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	tokens *oauthclient.TokenSet
	pkce   *oauthclient.PKCEChallenge
	group  singleflight.Group

	watcher *fsnotify.Watcher
}

// NewManager constructs a Manager bound to cfg.TokenFile, watching the
// containing directory so that an out-of-process write (a second proxy
// instance, or a manual `logout`) invalidates this process's in-memory
// cache rather than being silently shadowed by it. m may be nil.
func NewManager(cfg *proxyconfig.Config, logger *slog.Logger, m *metrics.Metrics) (*Manager, error) {
	mgr := &Manager{cfg: cfg, logger: logger, metrics: m}

	dir := filepath.Dir(cfg.TokenFile)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating token directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// A missing file watcher is not a fatal condition; tolerate it the
		// way Load tolerates a corrupt token file. Without it, the cached
		// token set is not invalidated by out-of-process writes.
		logger.Warn("token file watcher unavailable, disabling cache invalidation", "error", err)
		return mgr, nil
	}
	if err := watcher.Add(dir); err != nil {
		logger.Warn("watching token directory failed", "dir", dir, "error", err)
		_ = watcher.Close()
		return mgr, nil
	}
	mgr.watcher = watcher
	go mgr.watchLoop()
	return mgr, nil
}

// Close releases the directory watcher, if any.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) watchLoop() {
	for {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(m.cfg.TokenFile) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				m.mu.Lock()
				m.tokens = nil
				m.mu.Unlock()
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("token file watcher error", "error", err)
		}
	}
}

// Load returns the cached token set if present; otherwise it reads and
// parses the file. A parse error is treated as "no tokens", not a fatal
// condition; the caller can always re-authenticate.
func (m *Manager) Load() *oauthclient.TokenSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *Manager) loadLocked() *oauthclient.TokenSet {
	if m.tokens != nil {
		return m.tokens
	}

	data, err := os.ReadFile(m.cfg.TokenFile)
	if err != nil {
		return nil
	}
	var tokens oauthclient.TokenSet
	if err := json.Unmarshal(data, &tokens); err != nil {
		m.logger.Warn("token file is corrupt, treating as unauthenticated", "path", m.cfg.TokenFile, "error", err)
		return nil
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		return nil
	}
	m.tokens = &tokens
	return m.tokens
}

// Save writes tokens to the token file. The file is created with
// owner-only permissions before any credential bytes are written, and the
// write lands via rename so a crash never leaves a partially-written file
// at the final path.
func (m *Manager) Save(tokens *oauthclient.TokenSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(tokens)
}

func (m *Manager) saveLocked(tokens *oauthclient.TokenSet) error {
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding tokens: %w", err)
	}

	dir := filepath.Dir(m.cfg.TokenFile)
	tmp, err := os.CreateTemp(dir, ".tokens-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp token file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("restricting token file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing token file: %w", err)
	}
	if err := os.Rename(tmpPath, m.cfg.TokenFile); err != nil {
		return fmt.Errorf("committing token file: %w", err)
	}

	m.tokens = tokens
	return nil
}

// Clear drops the cache and unlinks the token file if present.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = nil
	m.pkce = nil
	if err := os.Remove(m.cfg.TokenFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing token file: %w", err)
	}
	return nil
}

// IsAuthenticated reports whether tokens are currently stored.
func (m *Manager) IsAuthenticated() bool {
	return m.Load() != nil
}

// Status reports presence and expiry for the /auth/status endpoint.
func (m *Manager) Status() (authenticated bool, expiresAt time.Time, isExpired bool) {
	tokens := m.Load()
	if tokens == nil {
		return false, time.Time{}, false
	}
	return true, tokens.ExpiresAt, time.Now().After(tokens.ExpiresAt.Add(-expiryBuffer))
}

// StartAuthFlow generates a fresh PKCE pair, stashes it in memory, and
// returns (authURL, verifier). The verifier is returned so a stateless
// caller can complete the flow out-of-band.
func (m *Manager) StartAuthFlow() (authURL, verifier string, err error) {
	pkce, err := oauthclient.GeneratePKCE()
	if err != nil {
		return "", "", err
	}
	m.mu.Lock()
	m.pkce = &pkce
	m.mu.Unlock()

	return oauthclient.BuildAuthURL(m.cfg, pkce), pkce.Verifier, nil
}

// CompleteAuthFlow exchanges code for tokens, using verifier if supplied or
// else the one cached by the most recent StartAuthFlow call.
func (m *Manager) CompleteAuthFlow(ctx context.Context, code, verifier string) error {
	m.mu.Lock()
	v := verifier
	if v == "" && m.pkce != nil {
		v = m.pkce.Verifier
	}
	m.mu.Unlock()

	if v == "" {
		return proxyerr.New(proxyerr.BadRequest, "no verifier supplied and none cached from /auth/start")
	}

	tokens, err := oauthclient.ExchangeCode(ctx, m.cfg, code, v)
	if err != nil {
		return proxyerr.Wrap(proxyerr.BadRequest, "code exchange failed", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.saveLocked(tokens); err != nil {
		return err
	}
	m.pkce = nil
	return nil
}

// GetValidToken returns a currently-valid access token, refreshing first if
// the cached token is within the expiry buffer of expiring. Concurrent
// callers arriving after expiry collapse into a single upstream refresh via
// singleflight; all of them observe its result.
func (m *Manager) GetValidToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	tokens := m.loadLocked()
	if tokens == nil {
		m.mu.Unlock()
		return "", proxyerr.New(proxyerr.Unauthenticated, "no tokens stored; visit /auth/start")
	}
	needsRefresh := time.Now().After(tokens.ExpiresAt.Add(-expiryBuffer))
	refreshToken := tokens.RefreshToken
	accessToken := tokens.AccessToken
	m.mu.Unlock()

	if !needsRefresh {
		return accessToken, nil
	}

	result, err, _ := m.group.Do("refresh", func() (any, error) {
		// Re-check under the singleflight key: another goroutine may have
		// already refreshed while this one waited to enter Do.
		m.mu.Lock()
		current := m.loadLocked()
		if current != nil && !time.Now().After(current.ExpiresAt.Add(-expiryBuffer)) {
			m.mu.Unlock()
			return current.AccessToken, nil
		}
		rt := refreshToken
		if current != nil {
			rt = current.RefreshToken
		}
		m.mu.Unlock()

		newTokens, err := oauthclient.Refresh(ctx, m.cfg, rt)
		if err != nil {
			m.logger.Warn("token refresh failed, clearing stored tokens", "error", err)
			_ = m.Clear()
			m.metrics.RecordRefresh("failed")
			return nil, proxyerr.Wrap(proxyerr.Unauthenticated, "refresh failed; re-authenticate", err)
		}
		if err := m.Save(newTokens); err != nil {
			return nil, fmt.Errorf("persisting refreshed tokens: %w", err)
		}
		m.metrics.RecordRefresh("ok")
		return newTokens.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}
