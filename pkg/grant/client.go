// Package grant exchanges an embed credential for a one-time media
// session grant issued by the widget backend.
//
// The exchange is stateless: a grant is requested once per call attempt
// and discarded after the connect succeeds or fails. The embed
// credential is never logged.
package grant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/voicewire/go-widget/internal/httpc"
)

const tokenPath = "/api/embed/token"

// ErrMissingCredential indicates no embed credential was supplied.
// No network request is made in this case.
var ErrMissingCredential = errors.New("grant: embed credential is required")

// SessionGrant is a short-lived, single-use authorization for one media
// session, plus the connection details and display metadata the widget
// needs to start the call.
type SessionGrant struct {
	// ServerURL is the media server endpoint to connect to.
	ServerURL string `json:"livekitUrl"`

	// SessionToken is the single-use media session credential.
	SessionToken string `json:"livekitToken"`

	// RoomName is the server-side room for this session.
	RoomName string `json:"roomName"`

	// SessionID identifies the call for backend bookkeeping.
	SessionID string `json:"sessionId"`

	// WelcomeMessage is shown before the call starts.
	WelcomeMessage string `json:"welcomeMessage"`

	// AgentName is the configured agent's display name.
	AgentName string `json:"agentName"`
}

// GrantError is returned when the backend rejects the embed credential
// or cannot be reached. The reason is suitable for logs, not for
// display; the widget surfaces a generic failure message instead.
type GrantError struct {
	// StatusCode is the HTTP status, or 0 for transport failures.
	StatusCode int

	// Reason is the backend's error message, if any.
	Reason string

	// Cause is the underlying transport error, if any.
	Cause error
}

// Error implements the error interface.
func (e *GrantError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("grant: denied (HTTP %d): %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("grant: request failed: %s", e.Reason)
}

// Unwrap returns the underlying transport error.
func (e *GrantError) Unwrap() error {
	return e.Cause
}

// Client requests session grants from the widget backend.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  *slog.Logger
}

// NewClient creates a grant client for the given backend base URL.
// A nil httpClient uses the shared default.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = httpc.Client
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   httpClient,
		logger:  logger.With("component", "grant"),
	}
}

// RequestGrant exchanges the embed credential for a session grant.
//
// It is idempotent: callers may retry with the same credential until a
// grant is obtained. An empty credential fails immediately with
// ErrMissingCredential; backend rejection or unreachability returns a
// *GrantError.
func (c *Client) RequestGrant(ctx context.Context, embedCredential string) (*SessionGrant, error) {
	if strings.TrimSpace(embedCredential) == "" {
		return nil, ErrMissingCredential
	}

	body, err := json.Marshal(map[string]string{"embed_token": embedCredential})
	if err != nil {
		return nil, fmt.Errorf("grant: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("grant: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &GrantError{Reason: "backend unreachable", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &GrantError{
			StatusCode: resp.StatusCode,
			Reason:     readErrorReason(resp.Body),
		}
	}

	var g SessionGrant
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
		return nil, &GrantError{
			StatusCode: resp.StatusCode,
			Reason:     "malformed grant response",
			Cause:      err,
		}
	}

	if g.ServerURL == "" || g.SessionToken == "" {
		return nil, &GrantError{
			StatusCode: resp.StatusCode,
			Reason:     "incomplete grant response",
		}
	}

	c.logger.Debug("session grant issued",
		"session_id", g.SessionID,
		"room", g.RoomName,
		"agent", g.AgentName,
	)

	return &g, nil
}

// readErrorReason extracts the backend's error field when present,
// falling back to a bounded slice of the raw body.
func readErrorReason(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "no error detail"
	}

	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(raw))
}
