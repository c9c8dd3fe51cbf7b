// Package proxyconfig loads the proxy's runtime configuration from
// environment variables, with matching command-line flags of the same
// name, the way cmd/aigw's run command loads its own configuration.
package proxyconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds everything the proxy needs to bind a listener, reach the
// OAuth/API endpoints, and persist tokens. Every field is overridable via
// an ANTHROPIC_PROXY_-prefixed environment variable; see the env tags below
// for the exact names. cmd/anthropic-proxy embeds Config in its kong CLI.
type Config struct {
	Host string `default:"0.0.0.0" env:"ANTHROPIC_PROXY_HOST" help:"Bind host for the proxy HTTP server."`
	Port int    `default:"8100" env:"ANTHROPIC_PROXY_PORT" help:"Bind port for the proxy HTTP server."`

	ClientID            string `default:"9d1c250a-e61b-44d9-88ed-5944d1962f5e" env:"ANTHROPIC_PROXY_CLIENT_ID" help:"OAuth public client id."`
	OAuthURL            string `default:"https://claude.ai/oauth/authorize" env:"ANTHROPIC_PROXY_OAUTH_URL" help:"OAuth authorization endpoint."`
	TokenURL            string `default:"https://console.anthropic.com/v1/oauth/token" env:"ANTHROPIC_PROXY_TOKEN_URL" help:"OAuth token endpoint."`
	APIURL              string `default:"https://api.anthropic.com/v1" env:"ANTHROPIC_PROXY_API_URL" help:"Anthropic messages API base URL."`
	RedirectURI         string `default:"https://console.anthropic.com/oauth/code/callback" env:"ANTHROPIC_PROXY_REDIRECT_URI" help:"OAuth redirect URI (the issuer's code-display page)."`
	Scope               string `default:"org:create_api_key user:profile user:inference" env:"ANTHROPIC_PROXY_SCOPE" help:"OAuth scope string."`
	AnthropicAPIVersion string `default:"2023-06-01" env:"ANTHROPIC_PROXY_API_VERSION" help:"anthropic-version header sent upstream."`

	// AnthropicBetas is the comma-joined anthropic-beta header value. Kept
	// configurable rather than hard-coded, since the upstream's accepted
	// beta flag set changes more often than this binary gets rebuilt.
	AnthropicBetas []string `default:"oauth-2025-04-20,claude-code-20250219,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14" env:"ANTHROPIC_PROXY_BETAS" sep:"," help:"Comma-separated anthropic-beta flags sent on every completion request."`

	TokenFile string `env:"ANTHROPIC_PROXY_TOKEN_FILE" type:"path" help:"Path to the persisted OAuth token file. Defaults under the user's config directory."`

	LogLevel string `default:"info" env:"ANTHROPIC_PROXY_LOG_LEVEL" help:"slog level: debug, info, warn, or error."`

	RequestTimeout time.Duration `default:"120s" env:"ANTHROPIC_PROXY_REQUEST_TIMEOUT" help:"Timeout for non-streaming upstream calls and for connecting/first-byte of streaming calls."`
}

// Addr returns the host:port pair the HTTP server should bind.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ResolveTokenFile fills in the default token file path (under the user's
// XDG config directory) when the caller did not set one explicitly. This
// mirrors the BeforeApply path-expansion cmd/aigw performs for its own XDG
// directories.
func (c *Config) ResolveTokenFile() error {
	if c.TokenFile != "" {
		return nil
	}
	dir, err := configHome()
	if err != nil {
		return err
	}
	c.TokenFile = filepath.Join(dir, "anthropic-max-proxy", "tokens.json")
	return nil
}

// configHome resolves the base directory for user-specific configuration
// files, honoring XDG_CONFIG_HOME the way the freedesktop Base Directory
// spec requires, falling back to ~/.config.
func configHome() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return expandPath(xdg), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config"), nil
}

// expandPath expands a leading ~/ and any environment variables in path.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return os.ExpandEnv(path)
}
