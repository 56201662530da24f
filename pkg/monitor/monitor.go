// Package monitor implements the Session Monitor: lifecycle and activity
// detection over live PTY output, emitted as a single notification stream
// the WS v3 Hub subscribes to for global broadcast (spec.md §4.7).
package monitor

import (
	"strings"
	"sync"
	"time"
)

// assistantIdleDebounce and assistantFinishedDelay are vars, not consts, so
// tests can shrink them instead of sleeping for real durations.
var (
	assistantIdleDebounce  = 2 * time.Second
	assistantFinishedDelay = 1 * time.Second
)

const (
	commandMinDuration = 3000 * time.Millisecond
	exitGracePeriod    = 5 * time.Second
)

var workingPhrases = []string{"thinking...", "analyzing", "working on", "let me"}
var finishedPhrases = []string{"i've completed", "i've finished", "done!", "here's", "the task is complete"}

// NotificationType tags the shape of a Notification.
type NotificationType string

const (
	NotificationSessionStart   NotificationType = "SessionStart"
	NotificationSessionExit    NotificationType = "SessionExit"
	NotificationBell           NotificationType = "Bell"
	NotificationCommandFinished NotificationType = "CommandFinished"
	NotificationCommandError   NotificationType = "CommandError"
	NotificationAssistantTurn  NotificationType = "AssistantTurn"
)

// Notification is one event on the monitor's stream.
type Notification struct {
	Type        NotificationType
	SessionID   string
	SessionName string
	Timestamp   time.Time
	ExitCode    int
	DurationMs  int64
	Command     string
}

// Listener receives monitor notifications, in emission order.
type Listener func(Notification)

type sessionState struct {
	mu sync.Mutex

	id, name  string
	isRunning bool

	isAssistantSession    bool
	assistantWorking      bool
	assistantIdleNotified bool
	idleTimer             *time.Timer
	finishedTimer         *time.Timer

	lastCommand   string
	commandStart  time.Time
	hasCommand    bool

	removeTimer *time.Timer
}

// Monitor tracks per-session lifecycle and activity state.
type Monitor struct {
	mu        sync.Mutex
	sessions  map[string]*sessionState
	listeners []Listener

	now func() time.Time
}

// New constructs an empty Monitor.
func New() *Monitor {
	return &Monitor{
		sessions: make(map[string]*sessionState),
		now:      time.Now,
	}
}

// OnNotification registers a listener for the global notification stream.
func (m *Monitor) OnNotification(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Monitor) emit(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = m.now()
	}
	m.mu.Lock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l(n)
	}
}

// SessionStarted registers a new session and emits SessionStart.
func (m *Monitor) SessionStarted(id, name, command string) {
	ss := &sessionState{
		id:                 id,
		name:               name,
		isRunning:          true,
		isAssistantSession: strings.Contains(strings.ToLower(command), "claude"),
	}
	m.mu.Lock()
	m.sessions[id] = ss
	m.mu.Unlock()

	m.emit(Notification{Type: NotificationSessionStart, SessionID: id, SessionName: name})
}

// SessionExited emits SessionExit, cancels pending debounces, and removes
// the session's state after a 5s grace period.
func (m *Monitor) SessionExited(id string, code *int) {
	ss := m.get(id)
	if ss == nil {
		return
	}

	ss.mu.Lock()
	ss.isRunning = false
	if ss.idleTimer != nil {
		ss.idleTimer.Stop()
	}
	if ss.finishedTimer != nil {
		ss.finishedTimer.Stop()
	}
	name := ss.name
	ss.mu.Unlock()

	exitCode := 0
	if code != nil {
		exitCode = *code
	}
	m.emit(Notification{Type: NotificationSessionExit, SessionID: id, SessionName: name, ExitCode: exitCode})

	ss.mu.Lock()
	ss.removeTimer = time.AfterFunc(exitGracePeriod, func() {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
	})
	ss.mu.Unlock()
}

// TrackPtyOutput scans a raw output chunk for BEL and assistant-phrase
// markers. It does not record a last-activity timestamp; sessionState has
// no such field.
func (m *Monitor) TrackPtyOutput(id string, chunk []byte) {
	ss := m.get(id)
	if ss == nil {
		return
	}

	if containsByte(chunk, 0x07) {
		ss.mu.Lock()
		name := ss.name
		ss.mu.Unlock()
		m.emit(Notification{Type: NotificationBell, SessionID: id, SessionName: name})
	}

	ss.mu.Lock()
	isAssistant := ss.isAssistantSession
	ss.mu.Unlock()
	if !isAssistant {
		return
	}

	lower := strings.ToLower(string(chunk))
	if containsAny(lower, workingPhrases) {
		m.markAssistantActive(ss)
	}
	if containsAny(lower, finishedPhrases) {
		m.scheduleAssistantFinished(ss)
	}
}

func (m *Monitor) markAssistantActive(ss *sessionState) {
	ss.mu.Lock()
	ss.assistantWorking = true
	ss.assistantIdleNotified = false
	if ss.idleTimer != nil {
		ss.idleTimer.Stop()
		ss.idleTimer = nil
	}
	ss.mu.Unlock()
}

func (m *Monitor) scheduleAssistantFinished(ss *sessionState) {
	ss.mu.Lock()
	if ss.finishedTimer != nil {
		ss.finishedTimer.Stop()
	}
	ss.finishedTimer = time.AfterFunc(assistantFinishedDelay, func() {
		m.transitionToIdle(ss)
	})
	ss.mu.Unlock()
}

func (m *Monitor) transitionToIdle(ss *sessionState) {
	ss.mu.Lock()
	ss.assistantWorking = false
	if ss.idleTimer != nil {
		ss.idleTimer.Stop()
	}
	id, name := ss.id, ss.name
	ss.idleTimer = time.AfterFunc(assistantIdleDebounce, func() {
		m.fireAssistantTurnIfStillIdle(ss, id, name)
	})
	ss.mu.Unlock()
}

func (m *Monitor) fireAssistantTurnIfStillIdle(ss *sessionState, id, name string) {
	ss.mu.Lock()
	if ss.assistantWorking || ss.assistantIdleNotified {
		ss.mu.Unlock()
		return
	}
	ss.assistantIdleNotified = true
	ss.mu.Unlock()

	m.emit(Notification{Type: NotificationAssistantTurn, SessionID: id, SessionName: name})
}

// UpdateCommand records the start of a new foreground command.
func (m *Monitor) UpdateCommand(id, command string) {
	ss := m.get(id)
	if ss == nil {
		return
	}
	ss.mu.Lock()
	ss.lastCommand = command
	ss.commandStart = m.now()
	ss.hasCommand = true
	ss.mu.Unlock()
}

// HandleCommandCompletion emits CommandFinished or CommandError if the
// command ran at least 3000ms.
func (m *Monitor) HandleCommandCompletion(id string, exitCode int) {
	ss := m.get(id)
	if ss == nil {
		return
	}

	ss.mu.Lock()
	if !ss.hasCommand {
		ss.mu.Unlock()
		return
	}
	duration := m.now().Sub(ss.commandStart)
	command := ss.lastCommand
	name := ss.name
	ss.lastCommand = ""
	ss.hasCommand = false
	ss.mu.Unlock()

	if duration < commandMinDuration {
		return
	}

	notifType := NotificationCommandFinished
	if exitCode != 0 {
		notifType = NotificationCommandError
	}
	m.emit(Notification{
		Type:        notifType,
		SessionID:   id,
		SessionName: name,
		ExitCode:    exitCode,
		DurationMs:  duration.Milliseconds(),
		Command:     command,
	})
}

func (m *Monitor) get(id string) *sessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func containsByte(data []byte, b byte) bool {
	for _, c := range data {
		if c == b {
			return true
		}
	}
	return false
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
