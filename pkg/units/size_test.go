package units

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestHumanSize(t *testing.T) {
	tests := []struct {
		size float64
		want string
	}{
		{size: 0, want: "0B"},
		{size: 999, want: "999B"},
		{size: 1000, want: "1kB"},
		{size: 41 * MB, want: "41MB"},
		{size: 164 * MiB, want: "172MB"},
	}
	for _, tt := range tests {
		if got := HumanSize(tt.size); got != tt.want {
			t.Errorf("HumanSize(%v) = %q, want %q", tt.size, got, tt.want)
		}
	}
}

func TestSizeOf(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "model.onnx")
	if err := os.WriteFile(file, make([]byte, MiB/2), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := SizeOf(file); got != 0.5 {
		t.Errorf("SizeOf() = %v, want 0.5", got)
	}
	if got := SizeOf(filepath.Join(dir, "missing.onnx")); got != 0 {
		t.Errorf("SizeOf(missing) = %v, want 0", got)
	}
	if got := BytesOf(file); got != MiB/2 {
		t.Errorf("BytesOf() = %v", got)
	}
}

func TestReductionPercent(t *testing.T) {
	tests := []struct {
		name          string
		before, after float64
		want          float64
		wantOK        bool
	}{
		{name: "quarter", before: 164, after: 41, want: 75, wantOK: true},
		{name: "unchanged", before: 10, after: 10, want: 0, wantOK: true},
		{name: "grew", before: 10, after: 12, want: -20, wantOK: true},
		{name: "empty source", before: 0, after: 5, wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ReductionPercent(tt.before, tt.after)
			if ok != tt.wantOK {
				t.Fatalf("ReductionPercent() ok = %v, want %v", ok, tt.wantOK)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("ReductionPercent() = %v, want %v", got, tt.want)
			}
		})
	}
}
