package gitstatus

import (
	"testing"
	"time"
)

func TestWatchEmptyRepoPathIsNoOp(t *testing.T) {
	called := false
	cancel := Watch("", func(Status) { called = true })
	cancel()
	time.Sleep(50 * time.Millisecond)
	if called {
		t.Fatal("expected no callback for empty repoPath")
	}
}

func TestWatchNonexistentRepoDoesNotPanic(t *testing.T) {
	dir := t.TempDir()
	results := make(chan Status, 4)
	cancel := Watch(dir, func(s Status) { results <- s })
	defer cancel()

	select {
	case s := <-results:
		if s.Err == nil {
			t.Fatal("expected git status to fail in a non-repo directory")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial status computation")
	}
}

func TestParseBranch(t *testing.T) {
	porcelain := "# branch.oid abc123\n# branch.head main\n1 .M N... 100644 100644 100644 abc def file.go\n"
	if got := parseBranch(porcelain); got != "main" {
		t.Fatalf("expected branch 'main', got %q", got)
	}
}

func TestParseBranchMissing(t *testing.T) {
	if got := parseBranch("no branch info here\n"); got != "" {
		t.Fatalf("expected empty branch, got %q", got)
	}
}
