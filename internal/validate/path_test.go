package validate

import "testing"

func TestFilePathAccepts(t *testing.T) {
	for _, p := range []string{
		"src/main.rs",
		"README.md",
		"a/b/c/d.txt",
		".hidden",
		"src/.env",
		"src/...",
		".gitignore",
	} {
		if err := FilePath(p); err != nil {
			t.Errorf("FilePath(%q) = %v, want nil", p, err)
		}
	}
}

func TestFilePathRejects(t *testing.T) {
	for _, p := range []string{
		"",
		"/etc/passwd",
		"\\Windows\\System32",
		"a/b\x00c",
		"../etc/passwd",
		"src/../../etc/passwd",
		"foo/..",
	} {
		if err := FilePath(p); err == nil {
			t.Errorf("FilePath(%q) = nil, want error", p)
		}
	}
}

func TestFileSize(t *testing.T) {
	if err := FileSize(make([]byte, MaxFileSize)); err != nil {
		t.Fatalf("exact max size rejected: %v", err)
	}
	if err := FileSize(make([]byte, MaxFileSize+1)); err == nil {
		t.Fatal("oversized content accepted")
	}
}

func TestSessionID(t *testing.T) {
	if _, err := SessionID("not-a-uuid"); err == nil {
		t.Fatal("malformed session id accepted")
	}
	if _, err := SessionID("00000000-0000-0000-0000-000000000000"); err != nil {
		t.Fatalf("valid uuid rejected: %v", err)
	}
}
