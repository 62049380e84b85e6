package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opencode-core/orchd/internal/types"
)

func TestLastAssistantText(t *testing.T) {
	// Concatenates text parts of the newest assistant message only
	msgs := []Message{
		{Role: "assistant", Parts: []Part{{Type: "text", Text: "old answer"}}},
		{Role: "user", Parts: []Part{{Type: "text", Text: "question"}}},
		{Role: "assistant", Parts: []Part{
			{Type: "text", Text: "Task completed"},
			{Type: "tool", Text: "ignored"},
			{Type: "text", Text: " successfully"},
		}},
	}
	if got := LastAssistantText(msgs); got != "Task completed successfully" {
		t.Errorf("got %q", got)
	}
	if got := LastAssistantText(nil); got != "" {
		t.Errorf("empty messages → %q", got)
	}
}

func TestHTTPClient_SessionFlow(t *testing.T) {
	// Create, prompt, probe and read back through the envelope format
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method + " " + r.URL.Path {
		case "POST /session":
			var req map[string]any
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req["parentID"] != "ses-parent" {
				t.Errorf("parentID = %v", req["parentID"])
			}
			_, _ = w.Write([]byte(`{"data":{"id":"ses-child"}}`))
		case "POST /session/ses-child/message":
			var req struct {
				Agent string `json:"agent"`
				Parts []Part `json:"parts"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Agent != "executor" || len(req.Parts) != 1 || req.Parts[0].Text != "go" {
				t.Errorf("prompt body = %+v", req)
			}
			_, _ = w.Write([]byte(`{}`))
		case "GET /session/status":
			_, _ = w.Write([]byte(`{"data":{"ses-child":{"type":"idle"}}}`))
		case "GET /session/ses-child/message":
			_, _ = w.Write([]byte(`{"data":[{"info":{"role":"assistant","time":{"created":5}},"parts":[{"type":"text","text":"done"}]}]}`))
		default:
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	ctx := context.Background()

	id, err := c.SessionCreate(ctx, "ses-parent", "retry attempt")
	if err != nil || id != "ses-child" {
		t.Fatalf("create = %q, %v", id, err)
	}
	if err := c.SessionPrompt(ctx, id, "executor", "go"); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	status, err := c.SessionStatus(ctx)
	if err != nil || status["ses-child"] != "idle" {
		t.Fatalf("status = %v, %v", status, err)
	}
	msgs, err := c.SessionMessages(ctx, id)
	if err != nil || LastAssistantText(msgs) != "done" {
		t.Fatalf("messages = %v, %v", msgs, err)
	}
}

func TestHTTPClient_ErrorEnvelope(t *testing.T) {
	// A data-level error or an HTTP failure both surface as runtime-client
	// errors
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/session":
			_, _ = w.Write([]byte(`{"error":{"message":"model overloaded"}}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	if _, err := c.SessionCreate(context.Background(), "", "t"); !errors.Is(err, types.ErrRuntimeClient) {
		t.Errorf("envelope error = %v, want runtime client kind", err)
	}
	if _, err := c.SessionStatus(context.Background()); !errors.Is(err, types.ErrRuntimeClient) {
		t.Errorf("http 500 = %v, want runtime client kind", err)
	}
}
