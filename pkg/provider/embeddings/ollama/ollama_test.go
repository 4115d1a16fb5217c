package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func embedServer(t *testing.T, vectors [][]float32) (*httptest.Server, *int) {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		calls++
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model == "" || len(req.Input) != 1 {
			t.Errorf("request = %+v, want a model and exactly one input", req)
		}
		json.NewEncoder(w).Encode(map[string]any{"embeddings": vectors})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestEmbedReturnsVector(t *testing.T) {
	t.Parallel()

	srv, _ := embedServer(t, [][]float32{{0.1, 0.2, 0.3}})
	p, err := New(srv.URL, "nomic-embed-text")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	vec, err := p.Embed(context.Background(), "the user's cat is called Miso")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.1 {
		t.Errorf("vector = %v, want [0.1 0.2 0.3]", vec)
	}
}

func TestEmbedServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	p, err := New(srv.URL, "nomic-embed-text")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Embed(context.Background(), "hi"); err == nil {
		t.Error("want error on HTTP 500")
	}
}

func TestNewRequiresModel(t *testing.T) {
	t.Parallel()

	if _, err := New("", ""); err == nil {
		t.Error("want error for empty model")
	}
}

func TestDimensionsKnownModelsNeedNoServer(t *testing.T) {
	t.Parallel()

	cases := map[string]int{
		"nomic-embed-text":    768,
		"mxbai-embed-large":   1024,
		"all-minilm":          384,
		"all-minilm:22m":      384,
		"nomic-embed-text:v2": 768,
	}
	for model, want := range cases {
		p, err := New("http://localhost:1", model) // unreachable on purpose
		if err != nil {
			t.Fatalf("New(%q): %v", model, err)
		}
		if got := p.Dimensions(); got != want {
			t.Errorf("Dimensions(%q) = %d, want %d", model, got, want)
		}
	}
}

func TestDimensionsOverrideWins(t *testing.T) {
	t.Parallel()

	p, err := New("http://localhost:1", "nomic-embed-text", WithDimensions(512))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := p.Dimensions(); got != 512 {
		t.Errorf("Dimensions = %d, want the configured 512", got)
	}
}

func TestDimensionsProbesUnknownModelOnce(t *testing.T) {
	t.Parallel()

	srv, calls := embedServer(t, [][]float32{make([]float32, 1536)})
	p, err := New(srv.URL, "some-exotic-model")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := p.Dimensions(); got != 1536 {
		t.Errorf("Dimensions = %d, want the probed 1536", got)
	}
	p.Dimensions()
	if *calls != 1 {
		t.Errorf("probe requests = %d, want 1 (cached)", *calls)
	}
}
