package castlog

import (
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// existsPollInterval is how often the tailer checks for the file to appear
// before it exists yet, per the contract in spec.md §4.2.
const existsPollInterval = 200 * time.Millisecond

// Tailer delivers every newly appended complete line of a growing file, in
// order, until Stop is called. Grounded on the teacher's
// pkg/termsocket/manager.go monitorSession/readStreamContent pair: poll for
// existence, fsnotify thereafter, re-stat on every notification rather than
// trusting the event payload (some platforms coalesce events), and fall
// back to polling if the watcher itself can't be created.
type Tailer struct {
	path    string
	onLine  func(line []byte)
	onError func(err error)

	lastSize   int64
	lastOffset int64
	lastMTime  time.Time
	carry      []byte

	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewTailer constructs a Tailer. Call Start to begin delivery.
func NewTailer(path string, onLine func([]byte), onError func(error)) *Tailer {
	return &Tailer{
		path:    path,
		onLine:  onLine,
		onError: onError,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start begins delivering lines on a background goroutine.
func (t *Tailer) Start() {
	go t.run()
}

// Stop halts delivery. Idempotent; safe to call more than once.
func (t *Tailer) Stop() {
	t.closeOnce.Do(func() {
		close(t.stop)
	})
	<-t.stopped
}

func (t *Tailer) run() {
	defer close(t.stopped)

	if !t.waitForFile() {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[WARN] castlog: failed to create watcher for %s, falling back to polling: %v", t.path, err)
		t.pollLoop()
		return
	}
	defer watcher.Close()

	if err := watcher.Add(t.path); err != nil {
		log.Printf("[WARN] castlog: failed to watch %s, falling back to polling: %v", t.path, err)
		t.pollLoop()
		return
	}

	// Deliver whatever is already on disk before waiting on the watcher.
	if !t.readDelta() {
		return
	}

	for {
		select {
		case <-t.stop:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if !t.readDelta() {
					return
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[WARN] castlog: watcher error for %s: %v", t.path, err)
		}
	}
}

func (t *Tailer) pollLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if !t.readDelta() {
				return
			}
		}
	}
}

// waitForFile polls until the file exists or Stop is called. Returns false
// if Stop fired first.
func (t *Tailer) waitForFile() bool {
	if _, err := os.Stat(t.path); err == nil {
		return true
	}
	ticker := time.NewTicker(existsPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return false
		case <-ticker.C:
			if _, err := os.Stat(t.path); err == nil {
				return true
			}
		}
	}
}

// readDelta stats the file, reads any newly appended bytes, splits complete
// lines out of carry+delta, and delivers them. Returns false if the tailer
// should stop (fatal shrink, or the file vanished).
func (t *Tailer) readDelta() bool {
	info, err := os.Stat(t.path)
	if err != nil {
		t.reportError(err)
		return false
	}

	currentSize := info.Size()
	if currentSize < t.lastSize {
		if t.onError != nil {
			t.onError(errShrink{path: t.path})
		}
		return false
	}
	if currentSize == t.lastSize {
		t.lastMTime = info.ModTime()
		return true
	}

	f, err := os.Open(t.path)
	if err != nil {
		t.reportError(err)
		return true
	}
	defer f.Close()

	if _, err := f.Seek(t.lastOffset, io.SeekStart); err != nil {
		t.reportError(err)
		return true
	}

	delta := make([]byte, currentSize-t.lastOffset)
	n, err := io.ReadFull(f, delta)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		t.reportError(err)
		return true
	}
	delta = delta[:n]

	buf := append(t.carry, delta...)
	t.carry = nil

	start := 0
	for i, b := range buf {
		if b == '\n' {
			line := buf[start:i]
			if t.onLine != nil {
				t.onLine(line)
			}
			start = i + 1
		}
	}
	t.carry = append([]byte(nil), buf[start:]...)

	t.lastOffset = t.lastOffset + int64(n)
	t.lastSize = currentSize
	t.lastMTime = info.ModTime()
	return true
}

func (t *Tailer) reportError(err error) {
	if t.onError != nil {
		t.onError(err)
	}
}

type errShrink struct{ path string }

func (e errShrink) Error() string { return "file shrank: " + e.path }
