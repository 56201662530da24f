// Package localfs is a minimal, concrete SessionManager over the on-disk
// control-directory layout described in spec.md §2 and §6:
// <controlDir>/<sessionId>/stdout is the append-only cast log, and
// <controlDir>/<sessionId>/session-info.json is the lastClearOffset
// sidecar. Grounded on the teacher's path conventions in
// pkg/session/session.go (Path/StreamOutPath/Info.Save/LoadInfo), narrowed
// to exactly the two paths the Cast Output Hub needs — everything else
// about session lifecycle (spawning, command tracking, full Info) belongs
// to the out-of-scope PtyManager/SessionManager proper.
package localfs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vibetunnel/vthub/pkg/external"
)

const (
	stdoutFilename      = "stdout"
	sessionInfoFilename = "session-info.json"
)

// SessionManager implements external.SessionManager over a control directory.
type SessionManager struct {
	controlDir string
}

// NewSessionManager creates a SessionManager rooted at controlDir.
func NewSessionManager(controlDir string) *SessionManager {
	return &SessionManager{controlDir: controlDir}
}

func (m *SessionManager) sessionPath(sessionID string) string {
	return filepath.Join(m.controlDir, sessionID)
}

// GetSessionPaths returns the stdout cast log path for a session.
func (m *SessionManager) GetSessionPaths(sessionID string) (external.SessionPaths, error) {
	path := m.sessionPath(sessionID)
	if _, err := os.Stat(path); err != nil {
		return external.SessionPaths{}, fmt.Errorf("session %s: %w", sessionID, err)
	}
	return external.SessionPaths{StdoutPath: filepath.Join(path, stdoutFilename)}, nil
}

// LoadSessionInfo reads the lastClearOffset sidecar. It returns (nil, nil)
// if the sidecar doesn't exist yet — callers must not create one on the
// hub's behalf (spec.md §4.3 step 5).
func (m *SessionManager) LoadSessionInfo(sessionID string) (*external.SessionInfo, error) {
	data, err := os.ReadFile(filepath.Join(m.sessionPath(sessionID), sessionInfoFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var info external.SessionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SaveSessionInfo writes the lastClearOffset sidecar with last-writer-wins
// semantics (a plain overwrite — concurrent writers are not expected per
// spec.md §5).
func (m *SessionManager) SaveSessionInfo(sessionID string, info *external.SessionInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.sessionPath(sessionID), sessionInfoFilename), data, 0644)
}
