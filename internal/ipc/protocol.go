// Package ipc carries session commands between a murmur CLI invocation
// and the process that owns the live recording session, as JSON lines
// over a unix socket. One request, one response, per connection.
package ipc

// Commands the session owner accepts.
const (
	CommandPause  = "pause"
	CommandResume = "resume"
	CommandStop   = "stop"
	CommandStatus = "status"
)

type Request struct {
	Command string `json:"command"`
}

type Response struct {
	OK        bool   `json:"ok"`
	State     string `json:"state,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}
