package wsv3

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vibetunnel/vthub/pkg/castlog"
	"github.com/vibetunnel/vthub/pkg/external"
	"github.com/vibetunnel/vthub/pkg/gitstatus"
	"github.com/vibetunnel/vthub/pkg/monitor"
	"github.com/vibetunnel/vthub/pkg/ownership"
	"github.com/vibetunnel/vthub/pkg/terminal"
)

// maxOutboxBytes bounds a client's queued STDOUT/EVENT backlog before the
// hub closes the connection (spec.md §5 backpressure policy).
const maxOutboxBytes = 4 << 20 // 4 MiB

// clientSendRate and clientSendBurst throttle how fast one client's send
// loop drains frames onto its socket, so a burst of buffered STDOUT from a
// noisy session can't monopolize the underlying connection's write side.
const (
	clientSendRate  = 500
	clientSendBurst = 500
)

// Sender is the minimal send/close surface the Hub needs from a WebSocket
// connection. The concrete implementation wraps gorilla/websocket; tests
// use an in-memory fake.
type Sender interface {
	Send(frame []byte) error
	Close() error
}

// Hub is the per-connection subscription state machine of spec.md §4.5. It
// owns no connections itself — callers register a Client per accepted
// socket and feed it decoded frames.
type Hub struct {
	castHub    *castlog.Hub
	terminal   external.TerminalManager
	pty        external.PtyManager
	sessionMon *monitor.Monitor
	ownership  *ownership.Service // nil disables input ownership enforcement

	remotes *RemoteRegistry // nil if this process is not an HQ

	mu               sync.Mutex
	clients          map[string]*Client
	globalListenerOn bool
}

// NewHub wires the WS v3 Hub to its collaborators. ownershipSvc and remotes
// may be nil.
func NewHub(castHub *castlog.Hub, terminal external.TerminalManager, pty external.PtyManager, sessionMon *monitor.Monitor, ownershipSvc *ownership.Service, remotes *RemoteRegistry) *Hub {
	h := &Hub{
		castHub:    castHub,
		terminal:   terminal,
		pty:        pty,
		sessionMon: sessionMon,
		ownership:  ownershipSvc,
		remotes:    remotes,
		clients:    make(map[string]*Client),
	}
	if ownershipSvc != nil {
		ownershipSvc.OnChange(h.broadcastOwnership)
	}
	return h
}

// broadcastOwnership tells every client subscribed to sessionId with
// FlagEvents who now drives its input, so UIs can show who's typing.
func (h *Hub) broadcastOwnership(c ownership.Change) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, cl := range h.clients {
		clients = append(clients, cl)
	}
	h.mu.Unlock()

	for _, cl := range clients {
		cl.mu.Lock()
		sub, ok := cl.subs[c.SessionID]
		cl.mu.Unlock()
		if ok && sub.flags&FlagEvents != 0 {
			cl.sendEvent(c.SessionID, map[string]any{
				"kind":         "ownership",
				"owner":        c.NewOwner,
				"pendingInput": c.PendingInput,
			})
		}
	}
}

type subscription struct {
	flags          SubscribeFlags
	cancelStdout   func()
	cancelSnapshot func()
	cancelFeed     func()
	cancelGit      func()
	remoteID       string
}

// Client is one connected WS v3 socket's subscription state.
type Client struct {
	id   string
	hub  *Hub
	conn Sender

	mu   sync.Mutex
	subs map[string]*subscription

	outbox      chan []byte
	outboxBytes int

	pendingSnapMu sync.Mutex
	pendingSnap   map[string][]byte
	snapWake      chan struct{}

	sendLimiter *rate.Limiter

	closeOnce sync.Once
	closed    chan struct{}
}

// Connect registers a new client and sends WELCOME. Callers must call
// Client.Dispatch for every frame received on the socket, and Close on
// disconnect.
func (h *Hub) Connect(id string, conn Sender) *Client {
	c := &Client{
		id:          id,
		hub:         h,
		conn:        conn,
		subs:        make(map[string]*subscription),
		outbox:      make(chan []byte, 1024),
		pendingSnap: make(map[string][]byte),
		snapWake:    make(chan struct{}, 1),
		sendLimiter: rate.NewLimiter(clientSendRate, clientSendBurst),
		closed:      make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()

	go c.sendLoop()

	welcome, _ := json.Marshal(map[string]any{"ok": true, "version": 3})
	c.enqueue(Encode(Frame{Type: Welcome, Payload: welcome}))

	return c
}

// Close cancels every subscription the client holds and removes it from
// the hub. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[string]*subscription)
		c.mu.Unlock()

		for _, s := range subs {
			cancelSub(s)
		}

		if c.hub.ownership != nil {
			c.hub.ownership.ReleaseAllForClient(c.id)
		}

		c.hub.mu.Lock()
		delete(c.hub.clients, c.id)
		c.hub.mu.Unlock()

		close(c.closed)
		c.conn.Close()
	})
}

func cancelSub(s *subscription) {
	if s.cancelStdout != nil {
		s.cancelStdout()
	}
	if s.cancelSnapshot != nil {
		s.cancelSnapshot()
	}
	if s.cancelFeed != nil {
		s.cancelFeed()
	}
	if s.cancelGit != nil {
		s.cancelGit()
	}
}

func (c *Client) sendLoop() {
	for {
		select {
		case <-c.closed:
			return
		case frame, ok := <-c.outbox:
			if !ok {
				return
			}
			c.mu.Lock()
			c.outboxBytes -= len(frame)
			c.mu.Unlock()
			_ = c.sendLimiter.Wait(context.Background())
			if err := c.conn.Send(frame); err != nil {
				log.Printf("[WARN] wsv3: send failed for client %s: %v", c.id, err)
				go c.Close()
				return
			}
		case <-c.snapWake:
			c.flushSnapshots()
		}
	}
}

func (c *Client) flushSnapshots() {
	c.pendingSnapMu.Lock()
	pending := c.pendingSnap
	c.pendingSnap = make(map[string][]byte)
	c.pendingSnapMu.Unlock()

	for sessionID, payload := range pending {
		if err := c.conn.Send(Encode(Frame{Type: SnapshotVT, SessionID: sessionID, Payload: payload})); err != nil {
			log.Printf("[WARN] wsv3: snapshot send failed for client %s: %v", c.id, err)
			go c.Close()
			return
		}
	}
}

// enqueue queues a non-coalesced frame (WELCOME, STDOUT, EVENT, ERROR).
// Exceeding maxOutboxBytes closes the connection per the backpressure
// policy in spec.md §5.
func (c *Client) enqueue(frame []byte) {
	c.mu.Lock()
	c.outboxBytes += len(frame)
	over := c.outboxBytes > maxOutboxBytes
	c.mu.Unlock()

	if over {
		log.Printf("[WARN] wsv3: client %s exceeded outbox limit, closing", c.id)
		go c.Close()
		return
	}

	select {
	case c.outbox <- frame:
	case <-c.closed:
	}
}

// enqueueSnapshot replaces the pending snapshot for a session — only the
// latest matters, per the coalescing policy in spec.md §5.
func (c *Client) enqueueSnapshot(sessionID string, payload []byte) {
	c.pendingSnapMu.Lock()
	c.pendingSnap[sessionID] = payload
	c.pendingSnapMu.Unlock()

	select {
	case c.snapWake <- struct{}{}:
	default:
	}
}

func (c *Client) sendError(sessionID, message string) {
	payload, _ := json.Marshal(map[string]string{"message": message})
	c.enqueue(Encode(Frame{Type: ErrorFrame, SessionID: sessionID, Payload: payload}))
}

func (c *Client) sendEvent(sessionID string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.enqueue(Encode(Frame{Type: Event, SessionID: sessionID, Payload: payload}))
}

// Dispatch decodes and routes one raw binary message received from the
// client's socket.
func (c *Client) Dispatch(raw []byte) {
	f, err := Decode(raw)
	if err != nil {
		c.sendError("", "malformed frame")
		return
	}

	switch f.Type {
	case Ping:
		c.enqueue(Encode(Frame{Type: Pong, Payload: f.Payload}))
	case Subscribe:
		c.handleSubscribe(f)
	case Unsubscribe:
		c.handleUnsubscribe(f.SessionID)
	case InputText:
		c.handleOwnedInput(f, string(f.Payload), func() error { return c.hub.pty.SendInput(f.SessionID, string(f.Payload), "") })
	case InputKey:
		c.handleOwnedInput(f, "", func() error { return c.hub.pty.SendInput(f.SessionID, "", string(f.Payload)) })
	case Resize:
		c.handleResize(f)
	case Kill:
		signal := string(f.Payload)
		if signal == "" {
			signal = "SIGTERM"
		}
		c.routeInput(f, func() error { return c.hub.pty.KillSession(f.SessionID, signal) })
	case ResetSize:
		c.routeInput(f, func() error { return c.hub.pty.ResetSessionSize(f.SessionID) })
	default:
		c.sendError(f.SessionID, fmt.Sprintf("unknown message type %d", f.Type))
	}
}

func (c *Client) handleResize(f Frame) {
	if _, _, err := DecodeResizePayload(f.Payload); err != nil {
		c.sendError(f.SessionID, "malformed RESIZE payload")
		return
	}
	cols, rows, _ := DecodeResizePayload(f.Payload)
	c.routeInput(f, func() error { return c.hub.pty.ResizeSession(f.SessionID, int(cols), int(rows)) })
}

// handleOwnedInput claims or refreshes input ownership for an INPUT_TEXT or
// INPUT_KEY frame (spec.md §4.6: ownership records are created on first
// input) before routing it on. A client that isn't the current owner of a
// still-live record is rejected rather than allowed to race the owner;
// pendingText carries INPUT_TEXT's payload for cross-device echo and is
// empty for INPUT_KEY.
func (c *Client) handleOwnedInput(f Frame, pendingText string, localCall func() error) {
	if c.hub.ownership != nil {
		if !c.hub.ownership.HasOwnership(f.SessionID, c.id) {
			c.sendError(f.SessionID, "input ownership held by another client")
			return
		}
		c.hub.ownership.UpdatePending(f.SessionID, c.id, pendingText)
	}
	c.routeInput(f, localCall)
}

// routeInput sends to the local PtyManager, or forwards the original frame
// upstream verbatim if the session belongs to a remote (spec.md §4.5).
func (c *Client) routeInput(f Frame, localCall func() error) {
	if c.hub.remotes != nil {
		if remoteID, ok := c.hub.remotes.OwnerOf(f.SessionID); ok {
			c.hub.remotes.ForwardFrame(remoteID, f)
			return
		}
	}
	if err := localCall(); err != nil {
		c.sendError(f.SessionID, err.Error())
	}
}

func (c *Client) handleUnsubscribe(sessionID string) {
	c.mu.Lock()
	s, ok := c.subs[sessionID]
	delete(c.subs, sessionID)
	c.mu.Unlock()
	if !ok {
		return
	}
	cancelSub(s)

	if c.hub.remotes != nil && s.remoteID != "" {
		c.hub.remotes.RemoveDownstream(s.remoteID, sessionID, c.id)
	}
}

func (c *Client) handleSubscribe(f Frame) {
	flags, err := DecodeSubscribePayload(f.Payload)
	if err != nil {
		c.sendError(f.SessionID, "malformed SUBSCRIBE payload")
		return
	}

	if f.SessionID == "" {
		c.subscribeGlobal(flags)
		return
	}

	if c.hub.remotes != nil {
		if remoteID, ok := c.hub.remotes.OwnerOf(f.SessionID); ok {
			c.subscribeRemote(remoteID, f.SessionID, flags)
			return
		}
	}

	c.subscribeLocal(f.SessionID, flags)
}

func (c *Client) subscribeGlobal(flags SubscribeFlags) {
	c.mu.Lock()
	prior, had := c.subs[""]
	c.mu.Unlock()
	if had {
		cancelSub(prior)
	}

	sub := &subscription{flags: flags}
	if flags&FlagEvents != 0 {
		c.hub.ensureGlobalListener()
		c.sendEvent("", map[string]any{"type": "connected", "timestamp": time.Now().UTC().Format(time.RFC3339)})
	}

	c.mu.Lock()
	c.subs[""] = sub
	c.mu.Unlock()
}

func (h *Hub) ensureGlobalListener() {
	h.mu.Lock()
	already := h.globalListenerOn
	h.globalListenerOn = true
	h.mu.Unlock()
	if already || h.sessionMon == nil {
		return
	}
	h.sessionMon.OnNotification(func(n monitor.Notification) {
		h.broadcastGlobal(n)
	})
}

func (h *Hub) broadcastGlobal(n monitor.Notification) {
	payload, err := json.Marshal(map[string]any{
		"type":        n.Type,
		"sessionId":   n.SessionID,
		"sessionName": n.SessionName,
		"timestamp":   n.Timestamp.UTC().Format(time.RFC3339),
		"exitCode":    n.ExitCode,
		"durationMs":  n.DurationMs,
		"command":     n.Command,
	})
	if err != nil {
		return
	}

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		sub, ok := c.subs[""]
		c.mu.Unlock()
		if ok && sub.flags&FlagEvents != 0 {
			c.enqueue(Encode(Frame{Type: Event, SessionID: n.SessionID, Payload: payload}))
		}
	}
}

func (c *Client) subscribeLocal(sessionID string, flags SubscribeFlags) {
	c.mu.Lock()
	prior, had := c.subs[sessionID]
	c.mu.Unlock()
	if had {
		cancelSub(prior)
	}

	sub := &subscription{flags: flags}

	if flags&FlagStdout != 0 {
		sub.cancelStdout = c.hub.castHub.Subscribe(sessionID, func(ev castlog.Event) {
			c.deliverCastEvent(sessionID, ev)
		})
	}

	if flags&FlagSnapshots != 0 && c.hub.terminal != nil {
		// The default terminal.Manager needs PTY output fed into it to have
		// anything to snapshot; an externally supplied TerminalManager is
		// assumed to already be driven by the real PTY and doesn't need this.
		if mgr, ok := c.hub.terminal.(*terminal.Manager); ok {
			sub.cancelFeed = c.hub.castHub.Subscribe(sessionID, func(ev castlog.Event) {
				feedTerminalManager(mgr, sessionID, ev)
			})
		}

		cancel, err := c.hub.terminal.SubscribeToBufferChanges(sessionID, func(encoded []byte) {
			c.enqueueSnapshot(sessionID, encoded)
		})
		if err == nil {
			sub.cancelSnapshot = cancel
		}
	}

	if flags&FlagEvents != 0 {
		sub.cancelGit = c.startGitStatus(sessionID)
	}

	c.mu.Lock()
	c.subs[sessionID] = sub
	c.mu.Unlock()
}

func (c *Client) startGitStatus(sessionID string) func() {
	if c.hub.pty == nil {
		return nil
	}
	details, err := c.hub.pty.GetSession(sessionID)
	if err != nil || details == nil || details.GitRepoPath == "" {
		return nil
	}
	return gitstatus.Watch(details.GitRepoPath, func(s gitstatus.Status) {
		if s.Err != nil {
			c.sendEvent(sessionID, map[string]any{"kind": "gitStatus", "error": s.Err.Error()})
			return
		}
		c.sendEvent(sessionID, map[string]any{"kind": "gitStatus", "branch": s.Branch})
	})
}

// feedTerminalManager drives a session's terminal.Manager buffer from the
// same cast events a STDOUT subscriber would see, so SNAPSHOT_VT has real
// content to encode instead of an empty grid.
func feedTerminalManager(mgr *terminal.Manager, sessionID string, ev castlog.Event) {
	switch ev.Kind {
	case castlog.DeliverHeader:
		if ev.Header != nil && ev.Header.Width > 0 && ev.Header.Height > 0 {
			mgr.Resize(sessionID, ev.Header.Width, ev.Header.Height)
		}
	case castlog.DeliverOutput:
		mgr.Feed(sessionID, 0, 0, []byte(ev.Data))
	case castlog.DeliverResize:
		if cols, rows, ok := castlog.ParseResizeDims(ev.Data); ok {
			mgr.Resize(sessionID, cols, rows)
		}
	case castlog.DeliverExit:
		mgr.Remove(sessionID)
	}
}

// deliverCastEvent translates a Cast Output Hub event into the appropriate
// WS v3 frame, honoring the current subscription's flags.
func (c *Client) deliverCastEvent(sessionID string, ev castlog.Event) {
	c.mu.Lock()
	sub, ok := c.subs[sessionID]
	c.mu.Unlock()
	if !ok {
		return
	}

	switch ev.Kind {
	case castlog.DeliverHeader:
		if sub.flags&FlagEvents != 0 {
			c.sendEvent(sessionID, map[string]any{"kind": "header", "width": ev.Header.Width, "height": ev.Header.Height})
		}
	case castlog.DeliverOutput:
		c.enqueue(Encode(Frame{Type: Stdout, SessionID: sessionID, Payload: []byte(ev.Data)}))
	case castlog.DeliverResize:
		if sub.flags&FlagEvents != 0 {
			c.sendEvent(sessionID, map[string]any{"kind": "resize", "size": ev.Data})
		}
	case castlog.DeliverExit:
		c.sendEvent(sessionID, map[string]any{"kind": "exit", "exitCode": ev.ExitCode})
	case castlog.DeliverError:
		c.sendError(sessionID, ev.Err.Error())
	}
}

func (c *Client) subscribeRemote(remoteID, sessionID string, flags SubscribeFlags) {
	c.mu.Lock()
	prior, had := c.subs[sessionID]
	c.mu.Unlock()
	if had {
		cancelSub(prior)
	}

	sub := &subscription{flags: flags, remoteID: remoteID}
	c.mu.Lock()
	c.subs[sessionID] = sub
	c.mu.Unlock()

	c.hub.remotes.AddDownstream(remoteID, sessionID, c.id, flags, c)
}
