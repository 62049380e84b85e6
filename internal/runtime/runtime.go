// Package runtime talks to the external agent runtime server: session
// creation, prompting, idle probing and message retrieval. The supervisor
// and the workflow engine drive agents exclusively through the Client
// interface; tests substitute a mock.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/opencode-core/orchd/internal/types"
)

// Part is one content fragment of a runtime message.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Message is one runtime session message.
type Message struct {
	Role      string `json:"role"`
	CreatedAt int64  `json:"created"` // unix ms
	Parts     []Part `json:"parts"`
}

// Client is the session surface of the agent runtime.
type Client interface {
	// SessionCreate opens a session, optionally under a parent, and returns
	// its id.
	SessionCreate(ctx context.Context, parentID, title string) (string, error)
	// SessionPrompt sends one text prompt to an agent in the session.
	SessionPrompt(ctx context.Context, sessionID, agent, text string) error
	// SessionStatus returns the runtime's view of all sessions: id → status
	// ("idle", "running", ...).
	SessionStatus(ctx context.Context) (map[string]string, error)
	// SessionMessages returns the session's messages, oldest first.
	SessionMessages(ctx context.Context, sessionID string) ([]Message, error)
}

// LastAssistantText concatenates the text parts of the most recent assistant
// message; empty when none exists.
func LastAssistantText(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != "assistant" {
			continue
		}
		var b strings.Builder
		for _, p := range msgs[i].Parts {
			if p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return ""
}

// HTTPClient is the production Client over the runtime's HTTP API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a client against baseURL; empty reads
// ORCHD_RUNTIME_URL and falls back to the local default.
func NewHTTPClient(baseURL string) *HTTPClient {
	if baseURL == "" {
		baseURL = os.Getenv("ORCHD_RUNTIME_URL")
	}
	if baseURL == "" {
		baseURL = "http://127.0.0.1:4096"
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// envelope is the runtime's uniform response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// call performs one JSON request and decodes the data field into out (out
// may be nil when the caller only cares about success).
func (c *HTTPClient) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("runtime: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("runtime: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("runtime: %s %s: %w: %w", method, path, types.ErrRuntimeClient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("runtime: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runtime: %s %s: HTTP %d: %s: %w",
			method, path, resp.StatusCode, string(respBody), types.ErrRuntimeClient)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("runtime: unmarshal response: %w", err)
	}
	if env.Error != nil {
		return fmt.Errorf("runtime: %s %s: %s: %w", method, path, env.Error.Message, types.ErrRuntimeClient)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("runtime: decode data: %w", err)
		}
	}
	return nil
}

func (c *HTTPClient) SessionCreate(ctx context.Context, parentID, title string) (string, error) {
	req := map[string]any{"title": title}
	if parentID != "" {
		req["parentID"] = parentID
	}
	var data struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, "/session", req, &data); err != nil {
		return "", err
	}
	if data.ID == "" {
		return "", fmt.Errorf("runtime: session create returned no id: %w", types.ErrRuntimeClient)
	}
	return data.ID, nil
}

func (c *HTTPClient) SessionPrompt(ctx context.Context, sessionID, agent, text string) error {
	body := map[string]any{
		"agent": agent,
		"parts": []Part{{Type: "text", Text: text}},
	}
	return c.call(ctx, http.MethodPost, "/session/"+sessionID+"/message", body, nil)
}

func (c *HTTPClient) SessionStatus(ctx context.Context) (map[string]string, error) {
	var data map[string]struct {
		Type string `json:"type"`
	}
	if err := c.call(ctx, http.MethodGet, "/session/status", nil, &data); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(data))
	for id, s := range data {
		out[id] = s.Type
	}
	return out, nil
}

func (c *HTTPClient) SessionMessages(ctx context.Context, sessionID string) ([]Message, error) {
	var data []struct {
		Info struct {
			Role string `json:"role"`
			Time struct {
				Created int64 `json:"created"`
			} `json:"time"`
		} `json:"info"`
		Parts []Part `json:"parts"`
	}
	if err := c.call(ctx, http.MethodGet, "/session/"+sessionID+"/message", nil, &data); err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(data))
	for _, m := range data {
		out = append(out, Message{
			Role:      m.Info.Role,
			CreatedAt: m.Info.Time.Created,
			Parts:     m.Parts,
		})
	}
	return out, nil
}
