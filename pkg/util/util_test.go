package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWithUserWritePermission(t *testing.T) {
	testCases := []struct {
		name     string
		input    os.FileMode
		expected os.FileMode
	}{
		{
			name:     "Read-only permission",
			input:    0444, // r--r--r--
			expected: 0644, // rw-r--r--
		},
		{
			name:     "Already has write permission",
			input:    0755,
			expected: 0755,
		},
		{
			name:     "No permissions",
			input:    0000,
			expected: 0200,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := WithUserWritePermission(tc.input)
			if result != tc.expected {
				t.Errorf("expected permission %o, but got %o", tc.expected, result)
			}
		})
	}
}

func TestWithTrailingSeparator(t *testing.T) {
	sep := string(filepath.Separator)
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"No separator", "/srv/data", "/srv/data" + sep},
		{"One separator", "/srv/data" + sep, "/srv/data" + sep},
		{"Repeated separators", "/srv/data" + sep + sep + sep, "/srv/data" + sep},
		{"Root", sep, sep},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := WithTrailingSeparator(tc.input); got != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, got)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory available: %v", err)
	}

	got, err := ExpandPath("~/backups")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join(home, "backups"); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	got, err = ExpandPath("/srv/backups")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/srv/backups" {
		t.Errorf("expected path to be returned unchanged, got %q", got)
	}
}

func TestInvertMap(t *testing.T) {
	inv := InvertMap(map[string]int{"a": 1, "b": 2})
	if inv[1] != "a" || inv[2] != "b" || len(inv) != 2 {
		t.Errorf("unexpected inverted map: %v", inv)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := WriteFileAtomic(path, []byte("first"), UserWritableFilePerms); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("second"), UserWritableFilePerms); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read file: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("expected content %q, got %q", "second", data)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temporary file left behind: %s", e.Name())
		}
	}
}
