package parlo

import (
	"encoding/json"
)

// State is the remote agent's lifecycle state for a session.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateThinking  State = "thinking"
	StateSpeaking  State = "speaking"
)

// Control frame type tags carried in the "type" field of inbound text frames.
const (
	msgTypePlaybackClear  = "playback_clear_buffer"
	msgTypeState          = "state"
	msgTypeTranscript     = "transcript"
	msgTypeToolInvocation = "client_tool_invocation"
	msgTypeDebug          = "debug"

	msgTypeToolResult = "client_tool_result"
)

// roleAgent is the only transcript role this client renders; user-role
// transcripts on this channel are a host-UI concern.
const roleAgent = "agent"

type controlEnvelope struct {
	Type string `json:"type"`
}

type stateMessage struct {
	Type  string `json:"type"`
	State State  `json:"state"`
}

type transcriptMessage struct {
	Type  string `json:"type"`
	Role  string `json:"role"`
	Text  string `json:"text,omitempty"`
	Delta string `json:"delta,omitempty"`
	Final bool   `json:"final,omitempty"`
}

type toolInvocationMessage struct {
	Type         string          `json:"type"`
	ToolName     string          `json:"toolName"`
	InvocationID string          `json:"invocationId"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
}

type debugMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// clientToolResult is the reply to a client_tool_invocation. Exactly one of
// Result or the ErrorType/ErrorMessage pair is populated.
type clientToolResult struct {
	Type         string `json:"type"`
	InvocationID string `json:"invocationId"`
	Result       string `json:"result,omitempty"`
	ErrorType    string `json:"errorType,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}
