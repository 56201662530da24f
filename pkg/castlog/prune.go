package castlog

import "bytes"

// prunePoint is one of the ANSI sequences whose effect is to clear the
// visible terminal state, adapted from the escape-sequence scanning in
// the teacher's EscapeParser (pkg/protocol/escape_parser.go) but narrowed
// to the specific fixed byte strings that matter for replay pruning rather
// than a general CSI/OSC state machine.
type prunePoint struct {
	kind string
	seq  []byte
}

var prunePoints = []prunePoint{
	// Longest/most specific sequences first so a tie in end offset prefers
	// the more descriptive kind.
	{"cursor-home-clear2", []byte("\x1b[H\x1b[2J")},
	{"cursor-home-clear", []byte("\x1b[H\x1b[J")},
	{"alt-screen-enter", []byte("\x1b[?1049h")},
	{"alt-screen-exit", []byte("\x1b[?1049l")},
	{"alt-screen-enter-legacy", []byte("\x1b[?47h")},
	{"alt-screen-exit-legacy", []byte("\x1b[?47l")},
	{"scrollback-clear", []byte("\x1b[3J")},
	{"screen-clear", []byte("\x1b[2J")},
	{"full-reset", []byte("\x1bc")},
}

// ContainsPruningSequence is the cheap substring fast-path check that
// should run before FindLastPrunePoint, per the codec's scanning strategy.
func ContainsPruningSequence(data []byte) bool {
	for _, p := range prunePoints {
		if bytes.Contains(data, p.seq) {
			return true
		}
	}
	return false
}

// FindLastPrunePoint scans data for every known prune sequence and returns
// the kind and byte offset immediately after the rightmost match. It
// reports ok=false if no prune sequence is present.
func FindLastPrunePoint(data []byte) (kind string, offsetAfter int, ok bool) {
	bestEnd := -1
	for _, p := range prunePoints {
		idx := bytes.LastIndex(data, p.seq)
		if idx < 0 {
			continue
		}
		end := idx + len(p.seq)
		if end > bestEnd {
			bestEnd = end
			kind = p.kind
			ok = true
		}
	}
	return kind, bestEnd, ok
}
