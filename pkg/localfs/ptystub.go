package localfs

import (
	"fmt"

	"github.com/vibetunnel/vthub/pkg/external"
)

// UnavailablePtyManager is a placeholder external.PtyManager for
// deployments that run vthubd without a real PTY spawner wired in (PTY
// spawning is explicitly out of scope for this repository — spec.md §1).
// Every call fails with a descriptive error instead of the Hub panicking on
// a nil collaborator.
type UnavailablePtyManager struct{}

func (UnavailablePtyManager) GetSession(sessionID string) (*external.PtySessionDetails, error) {
	return nil, fmt.Errorf("localfs: no PtyManager configured, cannot look up session %s", sessionID)
}

func (UnavailablePtyManager) SendInput(sessionID, text, key string) error {
	return fmt.Errorf("localfs: no PtyManager configured, cannot send input to session %s", sessionID)
}

func (UnavailablePtyManager) ResizeSession(sessionID string, cols, rows int) error {
	return fmt.Errorf("localfs: no PtyManager configured, cannot resize session %s", sessionID)
}

func (UnavailablePtyManager) KillSession(sessionID, signal string) error {
	return fmt.Errorf("localfs: no PtyManager configured, cannot kill session %s", sessionID)
}

func (UnavailablePtyManager) ResetSessionSize(sessionID string) error {
	return fmt.Errorf("localfs: no PtyManager configured, cannot reset size for session %s", sessionID)
}

func (UnavailablePtyManager) ListSessions() ([]string, error) {
	return nil, nil
}

var _ external.PtyManager = UnavailablePtyManager{}
