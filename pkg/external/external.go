// Package external declares the narrow interfaces the core consumes from
// its collaborators that are explicitly out of scope for this repository:
// the native PTY spawner, the on-disk session directory layout, and the
// terminal-buffer renderer. Per spec.md §1 and §6, the core only ever
// talks to these through the interfaces below — it never spawns a PTY,
// lays out a session directory, or renders terminal cells itself.
package external

// SessionPaths is the subset of a session's on-disk layout the cast output
// hub needs to find its append-only log.
type SessionPaths struct {
	StdoutPath string
}

// SessionInfo is the persisted sidecar the hub reads before replay and
// writes after replay advances the prune point. LastClearOffset must never
// decrease across writes (spec.md §8).
type SessionInfo struct {
	LastClearOffset int64 `json:"lastClearOffset"`
}

// SessionManager is the on-disk session directory layout, consumed by the
// Cast Output Hub (spec.md §6).
type SessionManager interface {
	GetSessionPaths(sessionID string) (SessionPaths, error)
	LoadSessionInfo(sessionID string) (*SessionInfo, error)
	SaveSessionInfo(sessionID string, info *SessionInfo) error
}

// PtySessionDetails is what the WS v3 Hub needs to know about a session to
// route client frames and start a Git-Status Watcher.
type PtySessionDetails struct {
	WorkingDir  string
	GitRepoPath string
	Command     string
	Pid         int
}

// PtyManager is the native PTY spawner, consumed by the WS v3 Hub to route
// input/resize/kill for locally-owned sessions (spec.md §6).
type PtyManager interface {
	GetSession(sessionID string) (*PtySessionDetails, error)
	SendInput(sessionID string, text string, key string) error
	ResizeSession(sessionID string, cols, rows int) error
	KillSession(sessionID string, signal string) error
	ResetSessionSize(sessionID string) error
	ListSessions() ([]string, error)
}

// TerminalManager renders a session's live terminal buffer and hands the
// WS v3 Hub already-encoded snapshots to forward as SNAPSHOT_VT frames
// (spec.md §6, §4.5).
type TerminalManager interface {
	SubscribeToBufferChanges(sessionID string, onSnapshot func(encoded []byte)) (cancel func(), err error)
}
