package embeddings

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/postself/postself/internal/config"
)

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Input) != 1 || req.Input[0] != "some text" {
			t.Errorf("input = %v", req.Input)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"embedding": []float32{0.1, 0.2, 0.3}, "index": 0},
			},
		})
	}))
	defer srv.Close()

	c := New(config.EmbeddingsConfig{BaseURL: srv.URL, Model: "test-model", Dim: 3})
	vec, err := c.Generate(context.Background(), "some text")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(vec) != 3 || vec[1] != 0.2 {
		t.Errorf("vec = %v", vec)
	}
}

func TestGenerate_DimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{1, 2}, "index": 0}},
		})
	}))
	defer srv.Close()

	c := New(config.EmbeddingsConfig{BaseURL: srv.URL, Dim: 1024})
	if _, err := c.Generate(context.Background(), "text"); err == nil {
		t.Fatal("Generate should reject wrong-dimension vectors")
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	c := []float32{0, 1, 0}

	if got := CosineSimilarity(a, b); math.Abs(float64(got-1)) > 1e-6 {
		t.Errorf("identical vectors similarity = %v, want 1", got)
	}
	if got := CosineSimilarity(a, c); math.Abs(float64(got)) > 1e-6 {
		t.Errorf("orthogonal vectors similarity = %v, want 0", got)
	}
	if got := CosineSimilarity(a, []float32{1, 0}); got != 0 {
		t.Errorf("mismatched lengths similarity = %v, want 0", got)
	}
	if got := CosineSimilarity(a, []float32{0, 0, 0}); got != 0 {
		t.Errorf("zero vector similarity = %v, want 0", got)
	}
}

func TestTopK(t *testing.T) {
	query := []float32{1, 0}
	vectors := [][]float32{
		{0, 1},      // orthogonal
		{1, 0},      // identical
		{0.9, 0.1},  // close
		{-1, 0},     // opposite
	}

	got := TopK(query, vectors, 2)
	if len(got) != 2 {
		t.Fatalf("TopK returned %d indices, want 2", len(got))
	}
	if got[0] != 1 || got[1] != 2 {
		t.Errorf("TopK = %v, want [1 2]", got)
	}

	// k larger than the corpus returns everything.
	if got := TopK(query, vectors, 10); len(got) != 4 {
		t.Errorf("TopK with large k = %d indices, want 4", len(got))
	}
	if got := TopK(query, nil, 3); len(got) != 0 {
		t.Errorf("TopK on empty corpus = %v, want empty", got)
	}
}
