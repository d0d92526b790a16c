// Package relay manages WebSocket connections for both agents and consoles,
// and routes messages between them.
//
// Agents are long-lived processes identified by a stable UUID that survives
// reconnects; consoles are authenticated web clients that address individual
// agents and receive fleet-wide broadcasts. The relay owns the identity
// registry, the session table, and the console group, and guarantees at most
// one live session per agent UUID at all times.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fleetrelay/fleetrelay/hub/artifact"
	"github.com/fleetrelay/fleetrelay/hub/auth"
	"github.com/fleetrelay/fleetrelay/hub/store"
	"github.com/fleetrelay/fleetrelay/pkg/protocol"
)

// transport is the write side of one connection. The relay never reads
// through it; each connection has exactly one read loop.
type transport interface {
	writeEnvelope(env protocol.Envelope) error
	close() error
}

// wsTransport wraps a websocket connection with a write mutex. The same
// mutex serializes keepalive pings and message writes.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) writeEnvelope(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) close() error {
	return t.conn.Close()
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Relay routes messages between agent and console sessions.
type Relay struct {
	store        store.Store
	authProvider auth.Provider
	artifacts    *artifact.Store
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	reg          *registry

	maxConsoleMessageSize int64 // max WebSocket message size from consoles
	maxAgentMessageSize   int64 // max WebSocket message size from agents
	downloadPath          string
}

// Options configures the Relay.
type Options struct {
	AllowedOrigins     []string // for WebSocket origin check
	MaxConsoleMsgBytes int64    // max WebSocket message size from consoles (default 64KB)
	MaxAgentMsgBytes   int64    // max WebSocket message size from agents (default 1MB)
	MaxFileBytes       int64    // max decoded file transfer size
	DownloadPath       string   // URL path prefix for persisted downloads (default "/downloads")
}

// New creates a new Relay.
func New(s store.Store, ap auth.Provider, artifacts *artifact.Store, logger *slog.Logger, opts Options) *Relay {
	consoleLimit := opts.MaxConsoleMsgBytes
	if consoleLimit == 0 {
		consoleLimit = 64 * 1024 // 64KB default
	}
	agentLimit := opts.MaxAgentMsgBytes
	if agentLimit == 0 {
		agentLimit = 1024 * 1024 // 1MB default
	}
	// Ensure the agent limit can accommodate base64-encoded file transfers.
	if opts.MaxFileBytes > 0 {
		fileLimit := int64(float64(opts.MaxFileBytes)*1.4) + 4096
		if fileLimit > agentLimit {
			agentLimit = fileLimit
		}
	}
	downloadPath := opts.DownloadPath
	if downloadPath == "" {
		downloadPath = "/downloads"
	}

	return &Relay{
		store:                 s,
		authProvider:          ap,
		artifacts:             artifacts,
		logger:                logger.With("component", "relay"),
		upgrader:              makeUpgrader(opts.AllowedOrigins),
		reg:                   newRegistry(),
		maxConsoleMessageSize: consoleLimit,
		maxAgentMessageSize:   agentLimit,
		downloadPath:          downloadPath,
	}
}

// FleetList returns the current console-visible fleet view.
func (r *Relay) FleetList() []protocol.AgentInfo {
	return r.reg.fleetList()
}

// HandleAgentWS handles WebSocket connections from agents. Agents are not
// authenticated: any socket claiming a UUID is trusted, and registration may
// arrive either as a ?uuid= query parameter at the handshake or as a later
// agent.register message.
func (r *Relay) HandleAgentWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("agent websocket upgrade failed", "error", err)
		return
	}

	sess := r.newSession(conn, req, roleAgent)
	r.reg.add(sess)

	tr := sess.conn.(*wsTransport)
	conn.SetReadLimit(r.maxAgentMessageSize)
	cancelKeepalive := startWSKeepalive(conn, &tr.mu)
	defer cancelKeepalive()
	defer func() { _ = conn.Close() }()

	r.logger.Info("agent connected", "handle", sess.handle, "addr", sess.remoteAddr)

	if identity := req.URL.Query().Get("uuid"); identity != "" {
		r.registerAgent(sess, identity)
	}

	defer r.cleanupSession(sess)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debug("agent read error", "handle", sess.handle, "error", err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			r.logger.Warn("invalid message from agent", "handle", sess.handle, "error", err)
			r.sendError(sess, "invalid message")
			continue
		}

		r.dispatch(sess, env, r.handleAgentMessage)
	}
}

// HandleConsoleWS handles WebSocket connections from consoles. The auth gate
// runs here: the connection is refused unless it presents a valid token.
// Security note: a token in a query parameter is required because browsers
// cannot set custom headers during the WebSocket handshake; access logs
// should be configured to exclude query parameters.
func (r *Relay) HandleConsoleWS(w http.ResponseWriter, req *http.Request) {
	tokenStr := req.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = req.Header.Get("Authorization")
		if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
			tokenStr = tokenStr[7:]
		}
	}

	identity, err := r.authProvider.ValidateToken(req.Context(), tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("console websocket upgrade failed", "error", err)
		return
	}

	sess := r.newSession(conn, req, roleConsole)
	r.reg.add(sess)

	tr := sess.conn.(*wsTransport)
	conn.SetReadLimit(r.maxConsoleMessageSize)
	cancelKeepalive := startWSKeepalive(conn, &tr.mu)
	defer cancelKeepalive()
	defer func() { _ = conn.Close() }()

	r.logger.Info("console connected", "handle", sess.handle, "user", identity.Username)

	defer r.cleanupSession(sess)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debug("console read error", "handle", sess.handle, "error", err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		if !sess.allowMessage() {
			r.logger.Debug("console message rate limited", "handle", sess.handle)
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			r.logger.Warn("invalid message from console", "handle", sess.handle, "error", err)
			r.sendError(sess, "invalid message")
			continue
		}

		r.dispatch(sess, env, r.handleConsoleMessage)
	}
}

func (r *Relay) newSession(conn *websocket.Conn, req *http.Request, rl role) *session {
	return &session{
		handle:      uuid.New().String(),
		role:        rl,
		connectedAt: time.Now(),
		remoteAddr:  clientAddr(req),
		conn:        &wsTransport{conn: conn},
	}
}

// clientAddr extracts the best-effort client address, honoring proxies.
func clientAddr(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return req.RemoteAddr
}

// dispatch runs one message handler, converting a handler panic into a
// scoped error response so a malformed message can never take down the
// relay or unrelated sessions.
func (r *Relay) dispatch(sess *session, env protocol.Envelope, handle func(*session, protocol.Envelope)) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("message handler panicked", "type", env.Type, "handle", sess.handle, "panic", p)
			r.sendError(sess, "internal error")
		}
	}()
	handle(sess, env)
}

// cleanupSession runs when a connection's read loop ends. A session that was
// superseded by a newer registration is already gone from the registry; its
// disconnect is a no-op and must not disturb the current binding.
func (r *Relay) cleanupSession(sess *session) {
	changed, present := r.reg.unregisterIfCurrent(sess.handle)
	if !present {
		r.logger.Info("session superseded, skipping cleanup", "handle", sess.handle, "uuid", sess.identity)
		return
	}

	if changed {
		ctx := context.Background()
		if err := r.store.SetAgentOnline(ctx, sess.identity, false); err != nil {
			r.logger.Warn("failed to mark agent offline", "uuid", sess.identity, "error", err)
		}
		r.audit(ctx, "agent.disconnect", sess.identity, nil)
	}

	r.logger.Info("session disconnected", "handle", sess.handle, "uuid", sess.identity, "role", sess.role)
	r.broadcastFleetUpdate()
}

// registerAgent binds a UUID to a session, evicting any stale session for
// the same UUID, then broadcasts the updated fleet list exactly once.
func (r *Relay) registerAgent(sess *session, identity string) {
	evicted, ok := r.reg.register(sess.handle, identity)
	if !ok {
		return
	}

	ctx := context.Background()
	if evicted != nil {
		r.logger.Warn("agent reconnect: evicted previous session", "uuid", identity, "old_handle", evicted.handle)
		r.audit(ctx, "agent.supersede", identity, json.RawMessage(
			fmt.Sprintf(`{"old_addr":%q,"new_addr":%q}`, evicted.remoteAddr, sess.remoteAddr)))
	}

	now := time.Now()
	if err := r.store.UpsertAgent(ctx, &store.Agent{
		ID:        identity,
		Addr:      sess.remoteAddr,
		Online:    true,
		FirstSeen: now,
		LastSeen:  now,
	}); err != nil {
		r.logger.Warn("failed to upsert agent", "uuid", identity, "error", err)
	}
	r.audit(ctx, "agent.register", identity, nil)

	r.logger.Info("agent registered", "uuid", identity, "handle", sess.handle)
	r.sendInfo(sess, "registered")
	r.broadcastFleetUpdate()
}

func (r *Relay) handleAgentMessage(sess *session, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeAgentRegister:
		var reg protocol.AgentRegister
		if err := decode(env.Payload, &reg); err != nil || reg.UUID == "" {
			r.sendError(sess, "missing uuid")
			return
		}
		r.registerAgent(sess, reg.UUID)

	case protocol.TypeCommandResult:
		var res protocol.CommandResult
		if err := decode(env.Payload, &res); err != nil {
			r.sendError(sess, "malformed command result")
			return
		}
		r.broadcastToConsoles(protocol.TypeCommandResponse, protocol.CommandResponse{
			UUID:      res.UUID,
			Command:   res.Command,
			Output:    Sanitize(res.Output),
			Error:     Sanitize(res.Error),
			Timestamp: r.stamp(),
		})

	case protocol.TypeFileOpResult:
		var res protocol.FileOpResult
		if err := decode(env.Payload, &res); err != nil {
			r.sendError(sess, "malformed file operation result")
			return
		}
		r.broadcastToConsoles(protocol.TypeFileOpResponse, protocol.FileOpResponse{
			UUID:      res.UUID,
			Operation: res.Operation,
			Success:   res.Success,
			Data:      res.Data,
			Error:     res.Error,
			Timestamp: r.stamp(),
		})

	case protocol.TypeUploadResult:
		var res protocol.UploadResult
		if err := decode(env.Payload, &res); err != nil {
			r.sendError(sess, "malformed upload result")
			return
		}
		r.broadcastToConsoles(protocol.TypeUploadResponse, protocol.UploadResponse{
			UUID:      res.UUID,
			Success:   res.Success,
			Path:      res.Path,
			Error:     res.Error,
			Timestamp: r.stamp(),
		})

	case protocol.TypeDownloadResult:
		var res protocol.DownloadResult
		if err := decode(env.Payload, &res); err != nil {
			r.sendError(sess, "malformed download result")
			return
		}
		r.handleDownloadResult(res)

	case protocol.TypeScreenshotResult:
		var res protocol.ScreenshotResult
		if err := decode(env.Payload, &res); err != nil {
			r.sendError(sess, "malformed screenshot result")
			return
		}
		r.broadcastToConsoles(protocol.TypeScreenshotResponse, protocol.ScreenshotResponse{
			UUID:        res.UUID,
			Success:     res.Success,
			ImageBase64: res.ImageBase64,
			Error:       res.Error,
			Timestamp:   r.stamp(),
		})

	default:
		r.logger.Warn("unknown agent message type", "type", env.Type, "handle", sess.handle)
		r.sendError(sess, fmt.Sprintf("unknown message type %q", env.Type))
	}
}

// handleDownloadResult persists a pulled file and relays the outcome. An
// agent-reported success is downgraded to a failure when the payload is
// missing, cannot be decoded, or cannot be written; the raw payload, when
// present, is still relayed so the console does not lose the bytes.
func (r *Relay) handleDownloadResult(res protocol.DownloadResult) {
	resp := protocol.DownloadResponse{
		UUID:      res.UUID,
		Success:   res.Success,
		Path:      res.Path,
		Data:      res.Data,
		Error:     res.Error,
		Timestamp: r.stamp(),
	}

	if res.Success {
		switch {
		case res.Data == "":
			resp.Success = false
			resp.Error = "agent reported success but sent no file data"
		default:
			name, raw, err := r.artifacts.PersistEncoded(res.Data, filepath.Base(res.Path))
			if err != nil {
				r.logger.Warn("failed to persist download", "uuid", res.UUID, "path", res.Path, "error", err)
				resp.Success = false
				resp.Error = err.Error()
			} else {
				resp.SavedAs = name
				resp.URL = r.downloadPath + "/" + name
				ctx := context.Background()
				if err := r.store.CreateArtifact(ctx, &store.Artifact{
					ID:           uuid.New().String(),
					AgentID:      res.UUID,
					StoredName:   name,
					OriginalPath: res.Path,
					Size:         int64(len(raw)),
					CreatedAt:    time.Now(),
				}); err != nil {
					r.logger.Warn("failed to record artifact", "name", name, "error", err)
				}
				r.audit(ctx, "download.saved", res.UUID, json.RawMessage(
					fmt.Sprintf(`{"name":%q,"size":%d}`, name, len(raw))))
			}
		}
	}

	r.broadcastToConsoles(protocol.TypeDownloadResponse, resp)
}

func (r *Relay) handleConsoleMessage(sess *session, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeConsoleJoin:
		if r.reg.joinConsoles(sess.handle) {
			r.logger.Info("console joined group", "handle", sess.handle)
			r.sendTo(sess, protocol.TypeFleetUpdate, protocol.FleetUpdate{Agents: r.reg.fleetList()})
		}

	case protocol.TypeConsoleLeave:
		r.reg.leaveConsoles(sess.handle)
		r.logger.Info("console left group", "handle", sess.handle)

	case protocol.TypeListRequest:
		r.sendTo(sess, protocol.TypeFleetUpdate, protocol.FleetUpdate{Agents: r.reg.fleetList()})

	case protocol.TypeCommandRequest:
		var req protocol.CommandRequest
		if err := decode(env.Payload, &req); err != nil || req.TargetUUID == "" || req.Command == "" {
			r.sendError(sess, "missing target_uuid or command")
			return
		}
		target, found := r.reg.resolve(req.TargetUUID)
		if !found {
			r.sendError(sess, fmt.Sprintf("agent %s is not connected", req.TargetUUID))
			return
		}
		r.sendTo(target, protocol.TypeCommandRun, protocol.CommandRun{
			Command:          req.Command,
			UseSharedContext: req.UseSharedContext,
		})
		r.sendTo(sess, protocol.TypeCommandSent, protocol.CommandSent{
			TargetUUID: req.TargetUUID,
			Command:    req.Command,
			Timestamp:  r.stamp(),
		})
		r.audit(context.Background(), "command.sent", req.TargetUUID, json.RawMessage(
			fmt.Sprintf(`{"command":%q}`, req.Command)))

	case protocol.TypeFileOpRequest:
		var req protocol.FileOpRequest
		if err := decode(env.Payload, &req); err != nil || req.TargetUUID == "" || req.Operation == "" {
			r.sendError(sess, "missing target_uuid or operation")
			return
		}
		target, found := r.reg.resolve(req.TargetUUID)
		if !found {
			r.sendError(sess, fmt.Sprintf("agent %s is not connected", req.TargetUUID))
			return
		}
		r.sendTo(target, protocol.TypeFileOpExec, protocol.FileOpExec{
			Operation: req.Operation,
			Path:      req.Path,
			FileData:  req.FileData,
		})
		r.sendTo(sess, protocol.TypeFileOpSent, protocol.FileOpSent{
			TargetUUID: req.TargetUUID,
			Operation:  req.Operation,
			Path:       req.Path,
			Timestamp:  r.stamp(),
		})

	case protocol.TypeFileUpload:
		var req protocol.FileUpload
		if err := decode(env.Payload, &req); err != nil || req.TargetUUID == "" || req.Path == "" || req.Data == "" {
			r.sendError(sess, "missing target_uuid, path, or data")
			return
		}
		target, found := r.reg.resolve(req.TargetUUID)
		if !found {
			r.sendError(sess, fmt.Sprintf("agent %s is not connected", req.TargetUUID))
			return
		}
		r.sendTo(target, protocol.TypeFilePush, protocol.FilePush{Path: req.Path, Data: req.Data})
		r.sendInfo(sess, fmt.Sprintf("upload sent to %s", req.TargetUUID))

	case protocol.TypeFileDownload:
		var req protocol.FileDownload
		if err := decode(env.Payload, &req); err != nil || req.TargetUUID == "" || req.Path == "" {
			r.sendError(sess, "missing target_uuid or path")
			return
		}
		target, found := r.reg.resolve(req.TargetUUID)
		if !found {
			r.sendError(sess, fmt.Sprintf("agent %s is not connected", req.TargetUUID))
			return
		}
		r.sendTo(target, protocol.TypeFilePull, protocol.FilePull{Path: req.Path})
		r.sendInfo(sess, fmt.Sprintf("download requested from %s", req.TargetUUID))

	case protocol.TypeScreenshotRequest:
		var req protocol.ScreenshotRequest
		if err := decode(env.Payload, &req); err != nil || req.TargetUUID == "" {
			r.sendError(sess, "missing target_uuid")
			return
		}
		target, found := r.reg.resolve(req.TargetUUID)
		if !found {
			r.sendError(sess, fmt.Sprintf("agent %s is not connected", req.TargetUUID))
			return
		}
		r.sendTo(target, protocol.TypeScreenshotCapture, protocol.ScreenshotCapture{
			DisplayIndex: req.DisplayIndex,
		})

	case protocol.TypeAgentRestart:
		var req protocol.TargetRequest
		if err := decode(env.Payload, &req); err != nil || req.TargetUUID == "" {
			r.sendError(sess, "missing target_uuid")
			return
		}
		target, found := r.reg.resolve(req.TargetUUID)
		if !found {
			r.sendError(sess, fmt.Sprintf("agent %s is not connected", req.TargetUUID))
			return
		}
		r.sendTo(target, protocol.TypeAgentRestart, struct{}{})
		r.sendInfo(sess, fmt.Sprintf("restart sent to %s", req.TargetUUID))

	case protocol.TypeContextReset:
		var req protocol.TargetRequest
		if err := decode(env.Payload, &req); err != nil || req.TargetUUID == "" {
			r.sendError(sess, "missing target_uuid")
			return
		}
		target, found := r.reg.resolve(req.TargetUUID)
		if !found {
			r.sendError(sess, fmt.Sprintf("agent %s is not connected", req.TargetUUID))
			return
		}
		r.sendTo(target, protocol.TypeContextReset, struct{}{})
		r.sendInfo(sess, fmt.Sprintf("context reset sent to %s", req.TargetUUID))

	default:
		r.logger.Warn("unknown console message type", "type", env.Type, "handle", sess.handle)
		r.sendError(sess, fmt.Sprintf("unknown message type %q", env.Type))
	}
}

// broadcastFleetUpdate pushes the current fleet list to every console in the
// group. Called exactly once per registry mutation or disconnect.
func (r *Relay) broadcastFleetUpdate() {
	r.broadcastToConsoles(protocol.TypeFleetUpdate, protocol.FleetUpdate{Agents: r.reg.fleetList()})
}

// broadcastToConsoles sends a message to every session in the console group.
func (r *Relay) broadcastToConsoles(msgType string, payload any) {
	for _, sess := range r.reg.consoleSessions() {
		r.sendTo(sess, msgType, payload)
	}
}

func (r *Relay) sendTo(sess *session, msgType string, payload any) {
	env := protocol.Envelope{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	if err := sess.conn.writeEnvelope(env); err != nil {
		r.logger.Debug("send failed", "handle", sess.handle, "type", msgType, "error", err)
	}
}

func (r *Relay) sendError(sess *session, message string) {
	r.sendTo(sess, protocol.TypeError, protocol.ErrorEvent{Message: message})
}

func (r *Relay) sendInfo(sess *session, message string) {
	r.sendTo(sess, protocol.TypeInfo, protocol.InfoEvent{Message: message})
}

func (r *Relay) stamp() string {
	return time.Now().Format(protocol.TimestampFormat)
}

func (r *Relay) audit(ctx context.Context, action, agentID string, detail json.RawMessage) {
	if err := r.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		AgentID:   agentID,
		Detail:    detail,
		CreatedAt: time.Now(),
	}); err != nil {
		r.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

// decode re-marshals an envelope payload into a concrete message struct.
func decode(payload, dst any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
