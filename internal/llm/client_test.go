package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAzureChatClientCompleteRoundTrip(t *testing.T) {
	var gotPath, gotAPIKey string
	var gotBody chatRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.String()
		gotAPIKey = r.Header.Get("api-key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"matches\":[]}"}}]}`))
	}))
	defer server.Close()

	client := NewAzureChatClient(server.URL, "secret-key", "reasoning-deployment", "2024-06-01")
	content, err := client.Complete(context.Background(), "You are a reasoning worker. Respond with strict JSON only.", "do the thing")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if content != `{"matches":[]}` {
		t.Fatalf("unexpected content: %q", content)
	}
	if !strings.Contains(gotPath, "/openai/deployments/reasoning-deployment/chat/completions") {
		t.Fatalf("unexpected path: %q", gotPath)
	}
	if !strings.Contains(gotPath, "api-version=2024-06-01") {
		t.Fatalf("expected api-version query param, got %q", gotPath)
	}
	if gotAPIKey != "secret-key" {
		t.Fatalf("expected api-key header to be forwarded, got %q", gotAPIKey)
	}
	if gotBody.Temperature != 0.2 {
		t.Fatalf("expected temperature 0.2, got %v", gotBody.Temperature)
	}
	if gotBody.ResponseFormat.Type != "json_object" {
		t.Fatalf("expected json_object response format, got %v", gotBody.ResponseFormat)
	}
	if len(gotBody.Messages) != 2 || gotBody.Messages[0].Role != "system" || gotBody.Messages[1].Role != "user" {
		t.Fatalf("unexpected messages: %+v", gotBody.Messages)
	}
}

func TestAzureChatClientNonJSONResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer server.Close()

	client := NewAzureChatClient(server.URL, "k", "d", "v")
	if _, err := client.Complete(context.Background(), "s", "u"); err == nil {
		t.Fatal("expected error for non-JSON response")
	}
}

func TestAzureChatClientNon2xxStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	client := NewAzureChatClient(server.URL, "k", "d", "v")
	if _, err := client.Complete(context.Background(), "s", "u"); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestAzureChatClientEmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":""}}]}`))
	}))
	defer server.Close()

	client := NewAzureChatClient(server.URL, "k", "d", "v")
	if _, err := client.Complete(context.Background(), "s", "u"); err == nil {
		t.Fatal("expected error for empty content")
	}
}
