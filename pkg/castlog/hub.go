package castlog

import (
	"bufio"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/vibetunnel/vthub/pkg/external"
	"github.com/vibetunnel/vthub/pkg/hubcore"
)

// DeliveryKind tags an Event handed to a subscriber.
type DeliveryKind int

const (
	DeliverHeader DeliveryKind = iota
	DeliverOutput
	DeliverResize
	DeliverExit
	DeliverError
)

// Event is what a Hub listener receives. Historical is true for events
// produced by history replay; false for events observed live.
type Event struct {
	Kind       DeliveryKind
	Historical bool
	Header     *Header
	Data       string
	ExitCode   int
	Err        error
}

// Listener receives Hub events for one subscription.
type Listener func(Event)

// Hub is the per-session, tailed-file, fan-out broadcaster described in
// spec.md §4.3: it replays pruned history to new subscribers, then streams
// live events thereafter. Grounded on the teacher's
// pkg/termsocket/manager.go Manager (GetOrCreateBuffer/SubscribeToBufferChanges/
// monitorSession), generalized from "one terminal buffer per session" to
// "replay-then-tail cast events per session".
type Hub struct {
	sm external.SessionManager

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// NewHub constructs a Hub backed by sm for session path/sidecar lookups.
func NewHub(sm external.SessionManager) *Hub {
	return &Hub{sm: sm, sessions: make(map[string]*sessionState)}
}

type listenerRecord struct {
	fn        Listener
	deliverMu sync.Mutex
	removed   bool
	replaying bool
	buffer    []Event
}

func (ls *listenerRecord) deliver(ev Event) {
	ls.deliverMu.Lock()
	defer ls.deliverMu.Unlock()
	if !ls.removed {
		ls.fn(ev)
	}
}

type sessionState struct {
	id string

	mu        sync.Mutex
	listeners map[int]*listenerRecord
	nextID    int

	tailer  *Tailer
	stopped bool
}

// Subscribe attaches listener to sessionID: it first replays pruned
// history, then live-tails. The returned function unsubscribes; it is
// idempotent and blocks until no further delivery to listener can occur.
func (h *Hub) Subscribe(sessionID string, listener Listener) func() {
	ss := h.getOrCreateSession(sessionID)

	ss.mu.Lock()
	id := ss.nextID
	ss.nextID++
	ls := &listenerRecord{fn: listener, replaying: true}
	ss.listeners[id] = ls
	needsTailer := ss.tailer == nil && !ss.stopped
	ss.mu.Unlock()

	if needsTailer {
		h.startTailing(ss)
	}

	go h.runHistoryReplay(sessionID, ss, ls)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.unsubscribe(sessionID, ss, id, ls)
		})
	}
}

func (h *Hub) getOrCreateSession(sessionID string) *sessionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	ss, ok := h.sessions[sessionID]
	if !ok {
		ss = &sessionState{id: sessionID, listeners: make(map[int]*listenerRecord)}
		h.sessions[sessionID] = ss
	}
	return ss
}

func (h *Hub) unsubscribe(sessionID string, ss *sessionState, id int, ls *listenerRecord) {
	ss.mu.Lock()
	delete(ss.listeners, id)
	empty := len(ss.listeners) == 0
	var tailer *Tailer
	if empty {
		tailer = ss.tailer
		ss.tailer = nil
		ss.stopped = true
	}
	ss.mu.Unlock()

	// Wait for any in-flight delivery to this listener to finish before
	// marking it removed, so the caller never observes a delivery after
	// unsubscribe returns.
	ls.deliverMu.Lock()
	ls.removed = true
	ls.deliverMu.Unlock()

	if tailer != nil {
		tailer.Stop()
		h.mu.Lock()
		if h.sessions[sessionID] == ss {
			delete(h.sessions, sessionID)
		}
		h.mu.Unlock()
	}
}

func (h *Hub) startTailing(ss *sessionState) {
	paths, err := h.sm.GetSessionPaths(ss.id)
	if err != nil {
		h.broadcastError(ss, hubcore.NotFound(ss.id))
		return
	}

	t := NewTailer(paths.StdoutPath,
		func(line []byte) { h.onLiveLine(ss, line) },
		func(err error) { h.onTailError(ss, err) },
	)

	ss.mu.Lock()
	if ss.stopped {
		ss.mu.Unlock()
		return
	}
	ss.tailer = t
	ss.mu.Unlock()

	t.Start()
}

func (h *Hub) onTailError(ss *sessionState, err error) {
	if _, isShrink := err.(errShrink); isShrink || os.IsNotExist(err) {
		h.broadcastError(ss, hubcore.Fatal(ss.id, err))
		ss.mu.Lock()
		t := ss.tailer
		ss.tailer = nil
		ss.stopped = true
		ss.mu.Unlock()
		if t != nil {
			// Stop asynchronously: Stop() blocks on the tailer's own
			// goroutine, which is the one invoking this callback.
			go t.Stop()
		}
		h.mu.Lock()
		delete(h.sessions, ss.id)
		h.mu.Unlock()
		return
	}
	log.Printf("[WARN] castlog: tail error for session %s: %v", ss.id, err)
}

func (h *Hub) onLiveLine(ss *sessionState, raw []byte) {
	parsed := ParseLine(raw)

	var ev Event
	switch parsed.Kind {
	case KindHeader:
		// A subscriber has already received a Header through history
		// replay; headers observed live are dropped (spec.md §4.3).
		return
	case KindOutput:
		ev = Event{Kind: DeliverOutput, Data: parsed.Data}
	case KindResize:
		ev = Event{Kind: DeliverResize, Data: parsed.Data}
	case KindExit:
		ev = Event{Kind: DeliverExit, ExitCode: parsed.ExitCode}
	case KindInput:
		// Recorded user input is never forwarded to viewers.
		return
	case KindUnknown:
		// Leniency: some producers write non-asciinema chunks; treat them
		// as raw output rather than dropping them.
		ev = Event{Kind: DeliverOutput, Data: string(parsed.Raw)}
	default:
		return
	}

	h.broadcastLive(ss, ev)
}

func (h *Hub) broadcastLive(ss *sessionState, ev Event) {
	ss.mu.Lock()
	var direct []*listenerRecord
	for _, ls := range ss.listeners {
		if ls.replaying {
			ls.buffer = append(ls.buffer, ev)
		} else {
			direct = append(direct, ls)
		}
	}
	ss.mu.Unlock()

	for _, ls := range direct {
		ls.deliver(ev)
	}
}

func (h *Hub) broadcastError(ss *sessionState, err error) {
	ss.mu.Lock()
	listeners := make([]*listenerRecord, 0, len(ss.listeners))
	for _, ls := range ss.listeners {
		listeners = append(listeners, ls)
	}
	ss.mu.Unlock()

	ev := Event{Kind: DeliverError, Err: err}
	for _, ls := range listeners {
		ls.deliver(ev)
	}
}

// runHistoryReplay performs the replay algorithm of spec.md §4.3 for one
// listener, buffering concurrent live events in the meantime, then flushes
// the buffer and transitions the listener to direct live delivery.
func (h *Hub) runHistoryReplay(sessionID string, ss *sessionState, ls *listenerRecord) {
	result, err := h.computeHistory(sessionID)
	if err != nil {
		ls.deliver(Event{Kind: DeliverError, Err: err})
	} else {
		if result.header != nil {
			ls.deliver(Event{Kind: DeliverHeader, Historical: true, Header: result.header})
		}
		for _, ev := range result.events {
			ev.Historical = true
			ls.deliver(ev)
		}
	}

	ss.mu.Lock()
	buffered := ls.buffer
	ls.buffer = nil
	ls.replaying = false
	ss.mu.Unlock()

	for _, ev := range buffered {
		ls.deliver(ev)
	}
}

type historyResult struct {
	header *Header
	events []Event
}

// computeHistory implements spec.md §4.3's history-replay algorithm. It is
// independent per call — late joiners get their own pass over the current
// file contents.
func (h *Hub) computeHistory(sessionID string) (historyResult, *hubcore.HubError) {
	paths, err := h.sm.GetSessionPaths(sessionID)
	if err != nil {
		return historyResult{}, hubcore.NotFound(sessionID)
	}

	storedInfo, err := h.sm.LoadSessionInfo(sessionID)
	if err != nil {
		return historyResult{}, hubcore.Wrap(err, hubcore.ErrIOFailure, sessionID)
	}
	existed := storedInfo != nil
	storedOffset := int64(0)
	if existed {
		storedOffset = storedInfo.LastClearOffset
	}

	f, err := os.Open(paths.StdoutPath)
	if err != nil {
		if os.IsNotExist(err) {
			return historyResult{}, hubcore.NotFound(sessionID)
		}
		return historyResult{}, hubcore.Wrap(err, hubcore.ErrIOFailure, sessionID)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return historyResult{}, hubcore.Wrap(err, hubcore.ErrIOFailure, sessionID)
	}
	fileSize := info.Size()

	startOffset := storedOffset
	if startOffset > fileSize {
		startOffset = fileSize
	}
	if startOffset < 0 {
		startOffset = 0
	}

	var header *Header
	if firstLine, ferr := readFirstLine(f); ferr == nil {
		parsed := ParseLine(firstLine)
		if parsed.Kind == KindHeader {
			header = parsed.Header
		}
	}

	if _, err := f.Seek(startOffset, io.SeekStart); err != nil {
		return historyResult{}, hubcore.Wrap(err, hubcore.ErrIOFailure, sessionID)
	}

	reader := bufio.NewReader(f)
	var events []Event
	currentResize := ""
	lastClearIndex := -1
	lastResizeBeforeClear := ""
	lastClearOffset := startOffset
	runningOffset := startOffset

	for {
		lineBytes, rerr := reader.ReadBytes('\n')
		if rerr != nil {
			// Incomplete trailing fragment (or EOF with nothing more):
			// not a complete line yet, stop here.
			break
		}
		line := lineBytes[:len(lineBytes)-1]
		fileOffsetAfterLine := runningOffset + int64(len(line)) + 1

		parsed := ParseLine(line)
		switch parsed.Kind {
		case KindOutput:
			data := parsed.Data
			if ContainsPruningSequence([]byte(data)) {
				if _, offAfter, ok := FindLastPrunePoint([]byte(data)); ok {
					lastResizeBeforeClear = currentResize
					bytesAfterPrune := len(data) - offAfter
					lastClearOffset = fileOffsetAfterLine - int64(bytesAfterPrune)
					// Only the substring after the prune point survives:
					// an inline clear ("before\x1b[3Jafter") still owes the
					// reader "after" as its own Output event, not the whole
					// line (spec.md §8 scenario 1).
					data = data[offAfter:]
					lastClearIndex = len(events)
				}
			}
			if data != "" {
				events = append(events, Event{Kind: DeliverOutput, Data: data})
			}
		case KindResize:
			currentResize = parsed.Data
			events = append(events, Event{Kind: DeliverResize, Data: parsed.Data})
		case KindExit:
			events = append(events, Event{Kind: DeliverExit, ExitCode: parsed.ExitCode})
		case KindHeader, KindInput, KindUnknown:
			// Headers are handled once above; input/unknown lines are
			// dropped during replay.
		}

		runningOffset = fileOffsetAfterLine
	}

	// lastClearIndex already names the first event to keep: either the
	// truncated tail of an inline-prune line, or whatever line comes right
	// after a prune that consumed its whole line.
	startIndex := 0
	if lastClearIndex >= 0 {
		startIndex = lastClearIndex
	}
	if startIndex > len(events) {
		startIndex = len(events)
	}

	if existed && lastClearOffset > storedOffset {
		_ = h.sm.SaveSessionInfo(sessionID, &external.SessionInfo{LastClearOffset: lastClearOffset})
	}

	if lastClearIndex >= 0 && lastResizeBeforeClear != "" {
		if cols, rows, ok := parseResize(lastResizeBeforeClear); ok {
			overridden := *zeroHeaderIfNil(header)
			overridden.Width = cols
			overridden.Height = rows
			header = &overridden
		}
	}

	return historyResult{header: header, events: events[startIndex:]}, nil
}

func zeroHeaderIfNil(h *Header) *Header {
	if h != nil {
		return h
	}
	return &Header{}
}

func readFirstLine(f *os.File) ([]byte, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	reader := bufio.NewReader(f)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return line[:len(line)-1], nil
}

func parseResize(s string) (cols, rows int, ok bool) {
	parts := strings.SplitN(s, "x", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	c, err1 := strconv.Atoi(parts[0])
	r, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return c, r, true
}

// ParseResizeDims decodes a DeliverResize event's Data ("COLSxROWS") for
// callers outside this package, e.g. the WS v3 Hub feeding a terminal
// buffer from the same resize records replay/live-tail already parse.
func ParseResizeDims(s string) (cols, rows int, ok bool) {
	return parseResize(s)
}
