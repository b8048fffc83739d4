package similarity

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/genai"
)

func TestGeminiEmbedder_RequestsSemanticSimilarity(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotPath, gotBody = r.URL.Path, string(body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"embeddings":[{"values":[0.5,0.25]}]}`)
	}))
	defer srv.Close()

	ctx := context.Background()
	g, err := newGeminiEmbedder(ctx, &genai.ClientConfig{
		APIKey:      "test-key",
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: srv.URL},
	}, "gemini-embedding-001")
	if err != nil {
		t.Fatalf("newGeminiEmbedder failed: %v", err)
	}

	vec, err := g.Embed(ctx, "Is revenue growing?")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.5 || vec[1] != 0.25 {
		t.Errorf("unexpected embedding %v", vec)
	}
	if !strings.HasSuffix(gotPath, "gemini-embedding-001:batchEmbedContents") {
		t.Errorf("unexpected request path %q", gotPath)
	}
	if !strings.Contains(gotBody, "SEMANTIC_SIMILARITY") {
		t.Errorf("task type missing from request body: %s", gotBody)
	}
	if !strings.Contains(gotBody, "Is revenue growing?") {
		t.Errorf("text missing from request body: %s", gotBody)
	}
}

func TestGeminiEmbedder_EmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"embeddings":[]}`)
	}))
	defer srv.Close()

	ctx := context.Background()
	g, err := newGeminiEmbedder(ctx, &genai.ClientConfig{
		APIKey:      "test-key",
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: srv.URL},
	}, "gemini-embedding-001")
	if err != nil {
		t.Fatalf("newGeminiEmbedder failed: %v", err)
	}
	if _, err := g.Embed(ctx, "x"); err == nil {
		t.Error("expected error for empty embeddings")
	}
}

func TestNewGeminiEmbedder_RequiresKey(t *testing.T) {
	if _, err := NewGeminiEmbedder(context.Background(), "", ""); err == nil {
		t.Error("expected error without API key")
	}
}
