// Package protocol defines the wire protocol messages exchanged between
// fleetrelay components (agent ↔ hub ↔ console) over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type" field
// that determines the payload structure. The protocol carries no sequence
// numbers and no acknowledgments; delivery is fire-and-forget and consoles
// correlate results to requests by the embedded agent UUID.
package protocol

import "time"

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}

// --- Message type constants ---

const (
	// Agent → Hub
	TypeAgentRegister    = "agent.register"
	TypeCommandResult    = "command.result"
	TypeFileOpResult     = "fileop.result"
	TypeUploadResult     = "upload.result"
	TypeDownloadResult   = "download.result"
	TypeScreenshotResult = "screenshot.result"

	// Console → Hub
	TypeConsoleJoin       = "console.join"
	TypeConsoleLeave      = "console.leave"
	TypeListRequest       = "agent.list"
	TypeCommandRequest    = "command.request"
	TypeFileOpRequest     = "fileop.request"
	TypeFileUpload        = "file.upload"
	TypeFileDownload      = "file.download"
	TypeScreenshotRequest = "screenshot.request"
	TypeAgentRestart      = "agent.restart"
	TypeContextReset      = "context.reset"

	// Hub → Agent (forwarded requests)
	TypeCommandRun        = "command.run"
	TypeFileOpExec        = "fileop.exec"
	TypeFilePush          = "file.push"
	TypeFilePull          = "file.pull"
	TypeScreenshotCapture = "screenshot.capture"

	// Hub → Console
	TypeFleetUpdate        = "agent.list_update"
	TypeCommandResponse    = "command.response"
	TypeFileOpResponse     = "fileop.response"
	TypeUploadResponse     = "upload.response"
	TypeDownloadResponse   = "download.response"
	TypeScreenshotResponse = "screenshot.response"
	TypeCommandSent        = "command.sent"
	TypeFileOpSent         = "fileop.sent"
	TypeError              = "error"
	TypeInfo               = "info"
)

// --- Agent → Hub messages ---

// AgentRegister binds a stable agent UUID to the sending connection.
type AgentRegister struct {
	UUID string `json:"uuid"`
}

// CommandResult carries the outcome of a shell command run on an agent.
type CommandResult struct {
	UUID    string `json:"uuid"`
	Command string `json:"command"`
	Output  string `json:"output"`
	Error   string `json:"error"`
}

// FileOpResult carries the outcome of a filesystem operation on an agent.
type FileOpResult struct {
	UUID      string `json:"uuid"`
	Operation string `json:"operation"`
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}

// UploadResult acknowledges a file pushed to an agent.
type UploadResult struct {
	UUID    string `json:"uuid"`
	Success bool   `json:"success"`
	Path    string `json:"path"`
	Error   string `json:"error,omitempty"`
}

// DownloadResult carries a file pulled from an agent, base64-encoded.
type DownloadResult struct {
	UUID    string `json:"uuid"`
	Success bool   `json:"success"`
	Path    string `json:"path"`
	Data    string `json:"data,omitempty"` // base64-encoded file content
	Error   string `json:"error,omitempty"`
}

// ScreenshotResult carries a captured screenshot, base64-encoded PNG.
type ScreenshotResult struct {
	UUID        string `json:"uuid"`
	Success     bool   `json:"success"`
	ImageBase64 string `json:"image_base64,omitempty"`
	Error       string `json:"error,omitempty"`
}

// --- Console → Hub messages ---

// CommandRequest asks the hub to run a shell command on a target agent.
type CommandRequest struct {
	TargetUUID       string `json:"target_uuid"`
	Command          string `json:"command"`
	UseSharedContext bool   `json:"use_shared_context"`
}

// FileOpRequest asks the hub to perform a filesystem operation on a target agent.
type FileOpRequest struct {
	TargetUUID string `json:"target_uuid"`
	Operation  string `json:"operation"`
	Path       string `json:"path,omitempty"`
	FileData   string `json:"file_data,omitempty"`
}

// FileUpload pushes a file to a target agent.
type FileUpload struct {
	TargetUUID string `json:"target_uuid"`
	Path       string `json:"path"`
	Data       string `json:"data"` // base64-encoded file content
}

// FileDownload pulls a file from a target agent.
type FileDownload struct {
	TargetUUID string `json:"target_uuid"`
	Path       string `json:"path"`
}

// ScreenshotRequest asks a target agent for a screenshot.
type ScreenshotRequest struct {
	TargetUUID   string `json:"target_uuid"`
	DisplayIndex *int   `json:"display_index,omitempty"`
}

// TargetRequest addresses a single agent with no further parameters.
// Used by agent.restart and context.reset.
type TargetRequest struct {
	TargetUUID string `json:"target_uuid"`
}

// --- Hub → Agent messages ---

// CommandRun is the forwarded form of CommandRequest.
type CommandRun struct {
	Command          string `json:"command"`
	UseSharedContext bool   `json:"use_shared_context"`
}

// FileOpExec is the forwarded form of FileOpRequest.
type FileOpExec struct {
	Operation string `json:"operation"`
	Path      string `json:"path,omitempty"`
	FileData  string `json:"file_data,omitempty"`
}

// FilePush is the forwarded form of FileUpload.
type FilePush struct {
	Path string `json:"path"`
	Data string `json:"data"`
}

// FilePull is the forwarded form of FileDownload.
type FilePull struct {
	Path string `json:"path"`
}

// ScreenshotCapture is the forwarded form of ScreenshotRequest.
type ScreenshotCapture struct {
	DisplayIndex *int `json:"display_index,omitempty"`
}

// --- Hub → Console messages ---

// AgentInfo describes one registered agent in the fleet list.
type AgentInfo struct {
	UUID        string `json:"uuid"`
	ConnectedAt string `json:"connect_time"`
	Addr        string `json:"ip"`
}

// FleetUpdate carries the deduplicated list of registered agents.
type FleetUpdate struct {
	Agents []AgentInfo `json:"clients"`
}

// CommandResponse is a sanitized, timestamped command result broadcast to consoles.
type CommandResponse struct {
	UUID      string `json:"uuid"`
	Command   string `json:"command"`
	Output    string `json:"output"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// FileOpResponse is a timestamped file operation result broadcast to consoles.
type FileOpResponse struct {
	UUID      string `json:"uuid"`
	Operation string `json:"operation"`
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// UploadResponse is a timestamped upload acknowledgment broadcast to consoles.
type UploadResponse struct {
	UUID      string `json:"uuid"`
	Success   bool   `json:"success"`
	Path      string `json:"path"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// DownloadResponse is a timestamped download result broadcast to consoles.
// SavedAs and URL are filled in by the hub after persisting the payload;
// Success is downgraded to false when decoding or persisting fails.
type DownloadResponse struct {
	UUID      string `json:"uuid"`
	Success   bool   `json:"success"`
	Path      string `json:"path"`
	Data      string `json:"data,omitempty"`
	SavedAs   string `json:"saved_as,omitempty"`
	URL       string `json:"url,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ScreenshotResponse is a timestamped screenshot result broadcast to consoles.
type ScreenshotResponse struct {
	UUID        string `json:"uuid"`
	Success     bool   `json:"success"`
	ImageBase64 string `json:"image_base64,omitempty"`
	Error       string `json:"error,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// CommandSent confirms to the requesting console that a command was forwarded.
type CommandSent struct {
	TargetUUID string `json:"target_uuid"`
	Command    string `json:"command"`
	Timestamp  string `json:"timestamp"`
}

// FileOpSent confirms to the requesting console that a file operation was forwarded.
type FileOpSent struct {
	TargetUUID string `json:"target_uuid"`
	Operation  string `json:"operation"`
	Path       string `json:"path,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// ErrorEvent carries an error scoped to the requesting session only.
type ErrorEvent struct {
	Message string `json:"message"`
}

// InfoEvent carries an informational notice scoped to the requesting session only.
type InfoEvent struct {
	Message string `json:"message"`
}

// TimestampFormat is the human-readable timestamp the hub stamps on
// console-bound events.
const TimestampFormat = "2006-01-02 15:04:05"
