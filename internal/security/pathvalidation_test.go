package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	safeDir := filepath.Join(tmpDir, "safe")
	unsafeDir := filepath.Join(tmpDir, "unsafe")
	for _, d := range []string{safeDir, unsafeDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	if err := os.Symlink(unsafeDir, filepath.Join(safeDir, "link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"file in dir", filepath.Join(safeDir, "scene.pcd"), false},
		{"new nested file", filepath.Join(safeDir, "a", "b", "scene.pcd"), false},
		{"dot dot", filepath.Join(safeDir, "..", "scene.pcd"), true},
		{"sibling", filepath.Join(unsafeDir, "scene.pcd"), true},
		{"through symlink", filepath.Join(safeDir, "link", "scene.pcd"), true},
		{"absolute elsewhere", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, safeDir)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrPathEscape) {
				t.Errorf("err = %v, want ErrPathEscape", err)
			}
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"scene-12.pcd":       "scene-12.pcd",
		"../../etc/passwd":   "etc_passwd",
		"model 1/instance#2": "model_1_instance_2",
		"":                   "unknown",
		"...":                "unknown",
		"a__b":               "a_b",
	}
	for in, want := range tests {
		if got := SanitizeFilename(in); got != want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	if got := SanitizeFilename(string(long)); len(got) != 128 {
		t.Errorf("len = %d, want 128", len(got))
	}
}

func TestSafeJoin(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	got, err := SafeJoin(dir, "../scene.pcd")
	if err != nil {
		t.Fatalf("SafeJoin: %v", err)
	}
	if want := filepath.Join(dir, "scene.pcd"); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("export dir not created: %v", err)
	}
	if _, err := SafeJoin("", "x"); err == nil {
		t.Error("empty dir should fail")
	}
}
