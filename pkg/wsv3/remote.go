package wsv3

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RemoteConfig is one upstream peer server in an HQ-mode deployment
// (spec.md §4.5.1).
type RemoteConfig struct {
	ID    string
	Name  string
	URL   string
	Token string
}

// handshakeTimeout bounds how long dialing an upstream remote may take.
const handshakeTimeout = 5 * time.Second

type downstreamTarget struct {
	client *Client
	flags  SubscribeFlags
}

// RemoteRegistry tracks which sessions are owned by which peer remote, and
// manages one lazily-opened outbound WebSocket per remote with an
// aggregated (bitwise-OR) subscription per session.
type RemoteRegistry struct {
	mu           sync.Mutex
	configs      map[string]RemoteConfig
	sessionOwner map[string]string // sessionId -> remoteId
	conns        map[string]*remoteConn
}

// NewRemoteRegistry constructs a registry from the configured peer remotes.
func NewRemoteRegistry(configs []RemoteConfig) *RemoteRegistry {
	byID := make(map[string]RemoteConfig, len(configs))
	for _, c := range configs {
		byID[c.ID] = c
	}
	return &RemoteRegistry{
		configs:      byID,
		sessionOwner: make(map[string]string),
		conns:        make(map[string]*remoteConn),
	}
}

// RegisterSession records that sessionID is owned by remoteID.
func (r *RemoteRegistry) RegisterSession(sessionID, remoteID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionOwner[sessionID] = remoteID
}

// UnregisterSession forgets a session's remote ownership.
func (r *RemoteRegistry) UnregisterSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessionOwner, sessionID)
}

// OwnerOf reports the remote owning sessionID, if any.
func (r *RemoteRegistry) OwnerOf(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.sessionOwner[sessionID]
	return id, ok
}

func (r *RemoteRegistry) getOrCreateConn(remoteID string) *remoteConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, ok := r.conns[remoteID]
	if !ok {
		rc = newRemoteConn(r.configs[remoteID])
		r.conns[remoteID] = rc
	}
	return rc
}

// AddDownstream registers a local client's subscription to a
// remote-owned session and recomputes/sends the aggregate upstream.
func (r *RemoteRegistry) AddDownstream(remoteID, sessionID, clientID string, flags SubscribeFlags, client *Client) {
	rc := r.getOrCreateConn(remoteID)
	rc.addDownstream(sessionID, clientID, flags, client)
}

// RemoveDownstream unregisters a local client's subscription and
// recomputes/sends the aggregate upstream.
func (r *RemoteRegistry) RemoveDownstream(remoteID, sessionID, clientID string) {
	r.mu.Lock()
	rc, ok := r.conns[remoteID]
	r.mu.Unlock()
	if !ok {
		return
	}
	rc.removeDownstream(sessionID, clientID)
}

// ForwardFrame forwards a client-originated frame (input/resize/kill)
// verbatim to the owning remote.
func (r *RemoteRegistry) ForwardFrame(remoteID string, f Frame) {
	rc := r.getOrCreateConn(remoteID)
	rc.send(Encode(f))
}

// remoteConn is one outbound connection to a peer remote, with its
// aggregated per-session subscriptions and downstream fan-out targets.
type remoteConn struct {
	cfg RemoteConfig

	mu           sync.Mutex
	conn         *websocket.Conn
	sessionFlags map[string]SubscribeFlags
	downstream   map[string]map[string]*downstreamTarget // sessionId -> clientId -> target

	writeMu sync.Mutex
}

func newRemoteConn(cfg RemoteConfig) *remoteConn {
	return &remoteConn{
		cfg:          cfg,
		sessionFlags: make(map[string]SubscribeFlags),
		downstream:   make(map[string]map[string]*downstreamTarget),
	}
}

func (rc *remoteConn) addDownstream(sessionID, clientID string, flags SubscribeFlags, client *Client) {
	rc.mu.Lock()
	if rc.downstream[sessionID] == nil {
		rc.downstream[sessionID] = make(map[string]*downstreamTarget)
	}
	rc.downstream[sessionID][clientID] = &downstreamTarget{client: client, flags: flags}
	aggregate := rc.aggregateLocked(sessionID)
	changed := rc.sessionFlags[sessionID] != aggregate
	rc.sessionFlags[sessionID] = aggregate
	rc.mu.Unlock()

	if changed {
		rc.sendSubscribe(sessionID, aggregate)
	}
}

func (rc *remoteConn) removeDownstream(sessionID, clientID string) {
	rc.mu.Lock()
	if targets, ok := rc.downstream[sessionID]; ok {
		delete(targets, clientID)
		if len(targets) == 0 {
			delete(rc.downstream, sessionID)
		}
	}
	aggregate := rc.aggregateLocked(sessionID)
	changed := rc.sessionFlags[sessionID] != aggregate
	rc.sessionFlags[sessionID] = aggregate
	rc.mu.Unlock()

	if changed {
		rc.sendSubscribe(sessionID, aggregate)
	}
}

func (rc *remoteConn) aggregateLocked(sessionID string) SubscribeFlags {
	var agg SubscribeFlags
	for _, t := range rc.downstream[sessionID] {
		agg |= t.flags
	}
	return agg
}

func (rc *remoteConn) sendSubscribe(sessionID string, flags SubscribeFlags) {
	rc.mu.Lock()
	connected := rc.conn != nil
	rc.mu.Unlock()
	if !connected {
		// Connecting re-applies every recorded aggregate, this session's
		// included, so sending it again here would duplicate the frame.
		rc.ensureConnected()
		return
	}
	if flags == 0 {
		rc.send(Encode(Frame{Type: Unsubscribe, SessionID: sessionID}))
		return
	}
	rc.send(Encode(Frame{Type: Subscribe, SessionID: sessionID, Payload: EncodeSubscribePayload(flags)}))
}

// send writes raw bytes upstream, connecting lazily if needed. Failures are
// logged and do not propagate (spec.md §4.5.1 send robustness).
func (rc *remoteConn) send(raw []byte) {
	conn := rc.ensureConnected()
	if conn == nil {
		log.Printf("[WARN] wsv3: remote %s unavailable, dropping frame", rc.cfg.ID)
		return
	}
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		log.Printf("[WARN] wsv3: write to remote %s failed: %v", rc.cfg.ID, err)
	}
}

func (rc *remoteConn) ensureConnected() *websocket.Conn {
	rc.mu.Lock()
	if rc.conn != nil {
		c := rc.conn
		rc.mu.Unlock()
		return c
	}
	rc.mu.Unlock()

	conn, err := dialRemote(rc.cfg)
	if err != nil {
		log.Printf("[WARN] wsv3: handshake with remote %s failed: %v", rc.cfg.ID, err)
		return nil
	}

	rc.mu.Lock()
	rc.conn = conn
	aggregates := make(map[string]SubscribeFlags, len(rc.sessionFlags))
	for sid, flags := range rc.sessionFlags {
		aggregates[sid] = flags
	}
	rc.mu.Unlock()

	// Re-apply the aggregate subscriptions as one burst immediately after
	// the handshake succeeds.
	for sid, flags := range aggregates {
		rc.sendSubscribe(sid, flags)
	}

	go rc.readLoop(conn)
	return conn
}

func (rc *remoteConn) readLoop(conn *websocket.Conn) {
	defer func() {
		rc.mu.Lock()
		if rc.conn == conn {
			rc.conn = nil
		}
		rc.mu.Unlock()
		conn.Close()
	}()

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		f, err := Decode(raw)
		if err != nil {
			continue
		}
		rc.fanOutDownstream(f)
	}
}

func (rc *remoteConn) fanOutDownstream(f Frame) {
	rc.mu.Lock()
	targets := make([]*downstreamTarget, 0)
	for _, t := range rc.downstream[f.SessionID] {
		targets = append(targets, t)
	}
	rc.mu.Unlock()

	for _, t := range targets {
		if !shouldForward(f.Type, t.flags) {
			continue
		}
		t.client.enqueue(Encode(f))
	}
}

func shouldForward(msgType MessageType, flags SubscribeFlags) bool {
	switch msgType {
	case Stdout:
		return flags&FlagStdout != 0
	case SnapshotVT:
		return flags&FlagSnapshots != 0
	case Event:
		return flags&FlagEvents != 0
	case ErrorFrame:
		return true
	default:
		return false
	}
}

func dialRemote(cfg RemoteConfig) (*websocket.Conn, error) {
	url, err := toWebSocketURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	conn, _, err := dialer.Dial(url, header)
	return conn, err
}

func toWebSocketURL(raw string) (string, error) {
	switch {
	case strings.HasPrefix(raw, "https://"):
		raw = "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		raw = "ws://" + strings.TrimPrefix(raw, "http://")
	case strings.HasPrefix(raw, "ws://"), strings.HasPrefix(raw, "wss://"):
		// already a websocket URL
	default:
		return "", fmt.Errorf("wsv3: unsupported remote URL scheme: %s", raw)
	}
	return strings.TrimSuffix(raw, "/") + "/ws", nil
}
