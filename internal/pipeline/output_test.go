package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateOutput(t *testing.T) {
	tmpDir := t.TempDir()
	inPath := filepath.Join(tmpDir, "chapter.txt")
	if err := os.WriteFile(inPath, []byte("본문"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		out     string
		wantErr string
	}{
		{name: "same file", out: inPath, wantErr: "input and output files are the same"},
		{name: "same file via dot", out: filepath.Join(tmpDir, ".", "chapter.txt"), wantErr: "input and output files are the same"},
		{name: "stdout", out: "-"},
		{name: "sibling", out: filepath.Join(tmpDir, "chapter.en.txt")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOutput(inPath, tt.out)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefaultOutputPath(t *testing.T) {
	cases := map[string]string{
		"novel/ch1.txt":  "novel/ch1.en.txt",
		"novel/ch1.md":   "novel/ch1.en.md",
		"novel/ch1.html": "novel/ch1.en.txt",
		"ch1":            "ch1.en.txt",
	}
	for in, want := range cases {
		if got := DefaultOutputPath(in); got != want {
			t.Errorf("DefaultOutputPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWriteOutput_PartialNeverReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chapter.en.txt")
	if err := os.WriteFile(path, []byte("finished earlier\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	written, err := WriteOutput(path, "half", true, true)
	if err != nil {
		t.Fatalf("WriteOutput failed: %v", err)
	}
	if written == path {
		t.Fatalf("partial output replaced the existing file")
	}
	old, _ := os.ReadFile(path)
	if string(old) != "finished earlier\n" {
		t.Errorf("existing file modified: %q", old)
	}
	got, _ := os.ReadFile(written)
	if string(got) != "half\n" {
		t.Errorf("partial file = %q", got)
	}

	written, err = WriteOutput(path, "complete\n", true, false)
	if err != nil || written != path {
		t.Fatalf("overwrite: written=%q err=%v", written, err)
	}
	got, _ = os.ReadFile(path)
	if string(got) != "complete\n" {
		t.Errorf("overwritten file = %q", got)
	}
}
