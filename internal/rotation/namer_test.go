package rotation

import (
	"path/filepath"
	"testing"
	"time"
)

func TestNamerPath(t *testing.T) {
	at := time.Date(2024, 5, 15, 13, 30, 10, 42000, time.UTC)

	tests := []struct {
		pattern string
		attempt int
		want    string
	}{
		{"", 0, "2024-05-15_133010.mcap"},
		{"%Y%m%d-%H%M%S.%f", 0, "20240515-133010.000042.mcap"},
		{"rec.mcap", 0, "rec.mcap"},
		{"rec", 2, "rec-2.mcap"},
	}
	for _, tt := range tests {
		n, err := NewNamer("/data", tt.pattern, ".mcap")
		if err != nil {
			t.Fatalf("NewNamer(%q): %v", tt.pattern, err)
		}
		got := n.Path(at, tt.attempt)
		if want := filepath.Join("/data", tt.want); got != want {
			t.Errorf("Path(%q, %d) = %q, want %q", tt.pattern, tt.attempt, got, want)
		}
	}
}
