package pgutils

import (
	"strings"
	"testing"
)

func TestFormatVector(t *testing.T) {
	tests := []struct {
		v    []float32
		want string
	}{
		{nil, "[]"},
		{[]float32{}, "[]"},
		{[]float32{0.5}, "[0.5]"},
		{[]float32{0.1, 0.2, 0.3}, "[0.1,0.2,0.3]"},
		{[]float32{1, 2, 3}, "[1,2,3]"},
		{[]float32{-0.5, 0, 0.5}, "[-0.5,0,0.5]"},
		{[]float32{1000.5, -2000.25}, "[1000.5,-2000.25]"},
	}

	for _, tt := range tests {
		if got := FormatVector(tt.v); got != tt.want {
			t.Errorf("FormatVector(%v) = %q, want %q", tt.v, got, tt.want)
		}
	}
}

func TestFormatVectorFullDimension(t *testing.T) {
	v := make([]float32, 1024)
	for i := range v {
		v[i] = float32(i) * 0.125
	}

	got := FormatVector(v)
	if !strings.HasPrefix(got, "[") || !strings.HasSuffix(got, "]") {
		t.Fatalf("literal not bracketed: %q...", got[:16])
	}
	if n := strings.Count(got, ","); n != len(v)-1 {
		t.Errorf("got %d separators, want %d", n, len(v)-1)
	}
}
