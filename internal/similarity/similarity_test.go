package similarity

import (
	"math"
	"testing"
)

func TestCosine_Symmetric(t *testing.T) {
	a := []float32{0.3, -0.7, 1.2}
	b := []float32{-0.5, 0.4, 0.9}
	if Cosine(a, b) != Cosine(b, a) {
		t.Errorf("Cosine(a,b) = %v, Cosine(b,a) = %v", Cosine(a, b), Cosine(b, a))
	}
}

func TestCosine_SelfSimilarity(t *testing.T) {
	a := []float32{3, 4}
	got := Cosine(a, a)
	if math.Abs(float64(got)-1) > 1e-6 {
		t.Errorf("Cosine(a,a) = %v, want 1", got)
	}
}

func TestCosine_ZeroCases(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
	}{
		{"orthogonal", []float32{1, 0}, []float32{0, 1}},
		{"mismatched length", []float32{1, 0}, []float32{1, 0, 0}},
		{"empty left", nil, []float32{1, 0}},
		{"empty right", []float32{1, 0}, nil},
		{"zero norm left", []float32{0, 0}, []float32{1, 0}},
		{"zero norm right", []float32{1, 0}, []float32{0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Cosine(tt.a, tt.b); got != 0 {
				t.Errorf("Cosine = %v, want 0", got)
			}
		})
	}
}

func TestCosine_Opposite(t *testing.T) {
	a := []float32{1, 2}
	b := []float32{-1, -2}
	got := Cosine(a, b)
	if math.Abs(float64(got)+1) > 1e-6 {
		t.Errorf("Cosine(a,-a) = %v, want -1", got)
	}
}

func TestSearch_RanksDescending(t *testing.T) {
	e := NewEngine(2)
	corpus := []Entry{
		{ID: "A", Vector: []float32{1, 0}},
		{ID: "B", Vector: []float32{0, 1}},
		{ID: "C", Vector: []float32{0.9, 0.1}},
	}

	matches := e.Search([]float32{1, 0}, corpus, 2)
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].ID != "A" || matches[1].ID != "C" {
		t.Errorf("order = [%s %s], want [A C]", matches[0].ID, matches[1].ID)
	}
	if math.Abs(float64(matches[0].Score)-1) > 1e-6 {
		t.Errorf("score[0] = %v, want ~1.0", matches[0].Score)
	}
	if math.Abs(float64(matches[1].Score)-0.9939) > 1e-3 {
		t.Errorf("score[1] = %v, want ~0.994", matches[1].Score)
	}
}

func TestSearch_ExcludesInvalidVectors(t *testing.T) {
	e := NewEngine(2)
	corpus := []Entry{
		{ID: "nil", Vector: nil},
		{ID: "short", Vector: []float32{1}},
		{ID: "long", Vector: []float32{1, 0, 0}},
		{ID: "ok", Vector: []float32{0, 1}},
	}

	matches := e.Search([]float32{1, 0}, corpus, 10)
	if len(matches) != 1 || matches[0].ID != "ok" {
		t.Fatalf("matches = %+v, want only 'ok'", matches)
	}
}

func TestSearch_TiesKeepCorpusOrder(t *testing.T) {
	e := NewEngine(2)
	// All entries parallel to the query: identical scores.
	corpus := []Entry{
		{ID: "first", Vector: []float32{2, 0}},
		{ID: "second", Vector: []float32{5, 0}},
		{ID: "third", Vector: []float32{1, 0}},
	}

	matches := e.Search([]float32{1, 0}, corpus, 3)
	want := []string{"first", "second", "third"}
	for i, w := range want {
		if matches[i].ID != w {
			t.Errorf("matches[%d] = %s, want %s", i, matches[i].ID, w)
		}
	}
}

func TestSearch_KBounds(t *testing.T) {
	e := NewEngine(2)
	corpus := []Entry{
		{ID: "A", Vector: []float32{1, 0}},
		{ID: "B", Vector: []float32{0, 1}},
	}

	if got := e.Search([]float32{1, 0}, corpus, 0); got != nil {
		t.Errorf("Search with k=0 = %+v, want nil", got)
	}
	if got := e.Search([]float32{1, 0}, corpus, 100); len(got) != 2 {
		t.Errorf("Search with k=100 returned %d, want all 2", len(got))
	}
	if got := e.Search([]float32{1, 0}, nil, 5); len(got) != 0 {
		t.Errorf("Search over empty corpus returned %d matches", len(got))
	}
}

func TestSearch_ZeroQueryScoresZeroButStable(t *testing.T) {
	e := NewEngine(2)
	corpus := []Entry{
		{ID: "A", Vector: []float32{1, 0}},
		{ID: "B", Vector: []float32{0, 1}},
	}

	matches := e.Search([]float32{0, 0}, corpus, 2)
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	for _, m := range matches {
		if m.Score != 0 {
			t.Errorf("score for %s = %v, want 0", m.ID, m.Score)
		}
	}
	if matches[0].ID != "A" || matches[1].ID != "B" {
		t.Errorf("order = [%s %s], want corpus order [A B]", matches[0].ID, matches[1].ID)
	}
}
