// Package gitstatus watches a session's git repository for changes and
// recomputes `git status` on a debounce, for forwarding as EVENT frames by
// the WS v3 Hub (SPEC_FULL.md §4.8 — a feature the distilled spec left
// implicit in "Events" but a complete hub needs a concrete source for).
package gitstatus

import (
	"bytes"
	"context"
	"log"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce is how long the watcher waits after the last filesystem event
// before recomputing status, coalescing bursts of writes (e.g. `git add -A`
// touching many files) into one recomputation.
const debounce = 150 * time.Millisecond

// watchTargets are the paths under a repo whose changes are worth reacting
// to: the ref pointer, the index, and the refs directory.
var watchTargets = []string{
	filepath.Join(".git", "HEAD"),
	filepath.Join(".git", "index"),
	filepath.Join(".git", "refs"),
}

// Status is the outcome of one `git status --porcelain=v2 --branch` run.
type Status struct {
	Branch string
	Raw    string
	Err    error
}

// Watch starts watching repoPath for changes and calls onChange with a
// freshly computed Status after each coalesced burst. It is a no-op (and
// returns a no-op cancel) if repoPath is empty. The returned cancel stops
// the watcher; it is idempotent.
func Watch(repoPath string, onChange func(Status)) (cancel func()) {
	if repoPath == "" {
		return func() {}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[WARN] gitstatus: failed to create watcher for %s: %v", repoPath, err)
		return func() {}
	}

	for _, target := range watchTargets {
		path := filepath.Join(repoPath, target)
		if err := w.Add(path); err != nil {
			// .git/refs may not exist yet in a brand new repo; best-effort.
			log.Printf("[DEBUG] gitstatus: not watching %s: %v", path, err)
		}
	}

	stop := make(chan struct{})
	var stopOnce sync.Once
	var timerMu sync.Mutex
	var timer *time.Timer

	fire := func() {
		onChange(computeStatus(repoPath))
	}

	go func() {
		for {
			select {
			case <-stop:
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				_ = event
				timerMu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, fire)
				timerMu.Unlock()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("[WARN] gitstatus: watcher error for %s: %v", repoPath, err)
			}
		}
	}()

	// Compute an initial status so subscribers aren't waiting on the first
	// filesystem event.
	go fire()

	return func() {
		stopOnce.Do(func() {
			close(stop)
			w.Close()
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timerMu.Unlock()
		})
	}
}

func computeStatus(repoPath string) Status {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain=v2", "--branch")
	cmd.Dir = repoPath
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return Status{Err: err}
	}

	raw := stdout.String()
	return Status{Branch: parseBranch(raw), Raw: raw}
}

func parseBranch(porcelain string) string {
	const prefix = "# branch.head "
	for _, line := range bytesSplitLines(porcelain) {
		if len(line) > len(prefix) && line[:len(prefix)] == prefix {
			return line[len(prefix):]
		}
	}
	return ""
}

func bytesSplitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
