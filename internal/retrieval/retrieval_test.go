package retrieval

import (
	"testing"

	"github.com/pgvector/pgvector-go"
)

func TestCosineSimilarity_Orthogonal(t *testing.T) {
	a := pgvector.NewVector([]float32{1, 0})
	b := pgvector.NewVector([]float32{0, 1})
	if got := cosineSimilarity(a, b); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}

func TestCosineSimilarity_Identical(t *testing.T) {
	a := pgvector.NewVector([]float32{1, 2, 3})
	got := cosineSimilarity(a, a)
	if got < 0.999 || got > 1.001 {
		t.Fatalf("expected ~1, got %v", got)
	}
}

func TestCosineSimilarity_ZeroVector(t *testing.T) {
	a := pgvector.NewVector([]float32{0, 0})
	b := pgvector.NewVector([]float32{1, 1})
	if got := cosineSimilarity(a, b); got != 0 {
		t.Fatalf("expected 0 for zero vector, got %v", got)
	}
}

func TestJaccardOverlap(t *testing.T) {
	cases := []struct {
		a, b []string
		want float64
	}{
		{[]string{"Costa", "Greece"}, []string{"Costa"}, 0.5},
		{[]string{"Costa"}, []string{"Costa"}, 1.0},
		{[]string{"Costa"}, []string{"Alex"}, 0.0},
		{nil, nil, 0.0},
	}
	for _, c := range cases {
		if got := jaccardOverlap(c.a, c.b); got != c.want {
			t.Errorf("jaccardOverlap(%v, %v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}
