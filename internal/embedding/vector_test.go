package embedding

import (
	"context"
	"math"
	"testing"
)

func TestCosineSelfSimilarity(t *testing.T) {
	p := NewLocalProvider("multilingual-e5-base", 256, "cpu")
	vec, err := p.Embed(context.Background(), "the quick brown fox jumps over the lazy dog")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	if got := Cosine(vec, vec); math.Abs(got-1) > 1e-6 {
		t.Errorf("Cosine(v, v) = %v, want 1 within 1e-6", got)
	}

	negated := make([]float32, len(vec))
	for i, x := range vec {
		negated[i] = -x
	}
	if got := Cosine(vec, negated); math.Abs(got+1) > 1e-6 {
		t.Errorf("Cosine(v, -v) = %v, want -1 within 1e-6", got)
	}
}

func TestCosineOrthogonal(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}
	if got := Cosine(a, b); got != 0 {
		t.Errorf("Cosine(e1, e2) = %v, want 0", got)
	}
}

func TestCosineDegenerateInputs(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
	}{
		{"empty", nil, nil},
		{"mismatched lengths", []float32{1, 2}, []float32{1, 2, 3}},
		{"zero vector", []float32{0, 0, 0}, []float32{1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Cosine(tt.a, tt.b); got != 0 {
				t.Errorf("Cosine = %v, want 0", got)
			}
		})
	}
}

func TestNormalizeUnitLength(t *testing.T) {
	v := []float32{3, 4}
	normalize(v)
	norm := math.Sqrt(float64(v[0])*float64(v[0]) + float64(v[1])*float64(v[1]))
	if math.Abs(norm-1) > 1e-6 {
		t.Errorf("norm = %v, want 1", norm)
	}

	zero := []float32{0, 0}
	normalize(zero)
	if zero[0] != 0 || zero[1] != 0 {
		t.Errorf("normalize mutated a zero vector: %v", zero)
	}
}
