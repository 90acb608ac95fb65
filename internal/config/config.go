// Package config provides configuration helpers for go-widget commands.
package config

import (
	"fmt"
	"os"
)

// Defaults for local development.
const (
	DefaultBackendURL = "http://localhost:8080"
	DefaultWebPort    = "3939"
)

// BackendURL returns the widget backend base URL from BACKEND_URL.
// Falls back to the local development default if not set.
func BackendURL() string {
	if u := os.Getenv("BACKEND_URL"); u != "" {
		return u
	}
	return DefaultBackendURL
}

// EmbedToken returns the embed token from EMBED_TOKEN.
// Exits with a usage hint if not set: the widget cannot request a
// session grant without it.
func EmbedToken() string {
	tok := os.Getenv("EMBED_TOKEN")
	if tok == "" {
		fmt.Fprintln(os.Stderr, "Error: EMBED_TOKEN environment variable is required")
		fmt.Fprintln(os.Stderr, "Usage: EMBED_TOKEN=<token> go run ./cmd/...")
		os.Exit(1)
	}
	return tok
}

// AgentSlug returns the agent slug from AGENT_SLUG, or the default display
// fallback used when the backend omits an agent name.
func AgentSlug() string {
	if s := os.Getenv("AGENT_SLUG"); s != "" {
		return s
	}
	return "voice-agent"
}

// LogLevel returns the log level from LOG_LEVEL or "info".
func LogLevel() string {
	if l := os.Getenv("LOG_LEVEL"); l != "" {
		return l
	}
	return "info"
}

// WebPort returns the harness web server port from WIDGET_PORT or the default.
func WebPort() string {
	if p := os.Getenv("WIDGET_PORT"); p != "" {
		return p
	}
	return DefaultWebPort
}
