package security

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestContainedPath(t *testing.T) {
	base := t.TempDir()

	got, err := ContainedPath(base, "orders-dlq/20240101T000000Z.json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join(base, "orders-dlq", "20240101T000000Z.json"); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}

	tests := []struct {
		name string
		path string
		want error
	}{
		{name: "empty", path: "", want: ErrInvalidPath},
		{name: "parent", path: "../escape.json", want: ErrPathTraversal},
		{name: "nested parent", path: "a/../../escape.json", want: ErrPathTraversal},
		{name: "absolute", path: "/etc/passwd", want: ErrPathTraversal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ContainedPath(base, tt.path); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := ContainedPath("", "a.json"); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath for empty base, got %v", err)
	}
}
