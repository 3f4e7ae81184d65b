package store

import (
	"testing"
)

func TestPgVector(t *testing.T) {
	tests := []struct {
		in   []float64
		want string
	}{
		{nil, "[]"},
		{[]float64{1}, "[1]"},
		{[]float64{0.1, -0.25, 3}, "[0.1,-0.25,3]"},
	}
	for _, tt := range tests {
		if got := pgVector(tt.in); got != tt.want {
			t.Errorf("pgVector(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseVector_RoundTrip(t *testing.T) {
	in := []float64{0.1, -0.25, 3, 1e-7}
	got, err := parseVector(pgVector(in))
	if err != nil {
		t.Fatalf("parseVector: %v", err)
	}
	if len(got) != len(in) {
		t.Fatalf("got %d elements, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("element %d = %v, want %v", i, got[i], in[i])
		}
	}
}

func TestParseVector_Whitespace(t *testing.T) {
	got, err := parseVector(" [1, 2 ,3] ")
	if err != nil {
		t.Fatalf("parseVector: %v", err)
	}
	if len(got) != 3 || got[2] != 3 {
		t.Errorf("got %v", got)
	}

	empty, err := parseVector("[]")
	if err != nil || len(empty) != 0 {
		t.Errorf("empty vector: %v, %v", empty, err)
	}
}

func TestParseVector_Malformed(t *testing.T) {
	for _, in := range []string{"", "1,2", "[1,x]", "[1,2"} {
		if _, err := parseVector(in); err == nil {
			t.Errorf("parseVector(%q) expected error", in)
		}
	}
}
