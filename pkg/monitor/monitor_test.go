package monitor

import (
	"sync"
	"testing"
	"time"
)

func collectNotifications(m *Monitor) (*[]Notification, *sync.Mutex) {
	var mu sync.Mutex
	var got []Notification
	m.OnNotification(func(n Notification) {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	})
	return &got, &mu
}

func TestSessionStartedEmitsNotification(t *testing.T) {
	m := New()
	got, mu := collectNotifications(m)

	m.SessionStarted("s1", "shell", "bash")

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 1 || (*got)[0].Type != NotificationSessionStart {
		t.Fatalf("expected SessionStart, got %+v", *got)
	}
}

func TestIsAssistantSessionDetection(t *testing.T) {
	m := New()
	m.SessionStarted("s1", "claude session", "claude --resume")
	ss := m.get("s1")
	if !ss.isAssistantSession {
		t.Fatal("expected command containing 'claude' to be flagged as assistant session")
	}
}

func TestBellDetection(t *testing.T) {
	m := New()
	got, mu := collectNotifications(m)
	m.SessionStarted("s1", "shell", "bash")

	m.TrackPtyOutput("s1", []byte("before\x07after"))

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, n := range *got {
		if n.Type == NotificationBell {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a Bell notification, got %+v", *got)
	}
}

func TestCommandCompletionBelowThresholdIsSuppressed(t *testing.T) {
	m := New()
	fixed := time.Now()
	m.now = func() time.Time { return fixed }
	got, mu := collectNotifications(m)

	m.SessionStarted("s1", "shell", "bash")
	m.UpdateCommand("s1", "ls")
	m.now = func() time.Time { return fixed.Add(500 * time.Millisecond) }
	m.HandleCommandCompletion("s1", 0)

	mu.Lock()
	defer mu.Unlock()
	for _, n := range *got {
		if n.Type == NotificationCommandFinished || n.Type == NotificationCommandError {
			t.Fatalf("expected no completion notification under 3000ms, got %+v", n)
		}
	}
}

func TestCommandCompletionAboveThresholdEmits(t *testing.T) {
	m := New()
	fixed := time.Now()
	m.now = func() time.Time { return fixed }
	got, mu := collectNotifications(m)

	m.SessionStarted("s1", "shell", "bash")
	m.UpdateCommand("s1", "sleep 5")
	m.now = func() time.Time { return fixed.Add(4 * time.Second) }
	m.HandleCommandCompletion("s1", 0)

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, n := range *got {
		if n.Type == NotificationCommandFinished {
			found = true
			if n.DurationMs < 3000 {
				t.Errorf("expected durationMs >= 3000, got %d", n.DurationMs)
			}
		}
	}
	if !found {
		t.Fatalf("expected CommandFinished, got %+v", *got)
	}
}

func TestCommandErrorOnNonZeroExit(t *testing.T) {
	m := New()
	fixed := time.Now()
	m.now = func() time.Time { return fixed }
	got, mu := collectNotifications(m)

	m.SessionStarted("s1", "shell", "bash")
	m.UpdateCommand("s1", "false")
	m.now = func() time.Time { return fixed.Add(4 * time.Second) }
	m.HandleCommandCompletion("s1", 1)

	mu.Lock()
	defer mu.Unlock()
	if len(*got) == 0 || (*got)[len(*got)-1].Type != NotificationCommandError {
		t.Fatalf("expected CommandError, got %+v", *got)
	}
}

func TestAssistantTurnAfterIdleDebounce(t *testing.T) {
	origIdle, origFinished := assistantIdleDebounce, assistantFinishedDelay
	assistantIdleDebounce = 20 * time.Millisecond
	assistantFinishedDelay = 10 * time.Millisecond
	defer func() { assistantIdleDebounce, assistantFinishedDelay = origIdle, origFinished }()

	m := New()
	got, mu := collectNotifications(m)
	m.SessionStarted("s1", "assistant", "claude")

	m.TrackPtyOutput("s1", []byte("Thinking..."))
	m.TrackPtyOutput("s1", []byte("I've completed the task"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		for _, n := range *got {
			if n.Type == NotificationAssistantTurn {
				mu.Unlock()
				return
			}
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected an AssistantTurn notification")
}

func TestSessionExitedEmitsAndSchedulesRemoval(t *testing.T) {
	m := New()
	got, mu := collectNotifications(m)
	m.SessionStarted("s1", "shell", "bash")

	code := 2
	m.SessionExited("s1", &code)

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, n := range *got {
		if n.Type == NotificationSessionExit && n.ExitCode == 2 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected SessionExit with code 2, got %+v", *got)
	}
}
