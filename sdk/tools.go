package parlo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ToolFunc executes a client-side tool invocation requested by the remote
// agent. The returned value is JSON-serialized into the result frame.
type ToolFunc func(ctx context.Context, params json.RawMessage) (any, error)

const (
	toolErrorUndefined = "undefined"
	toolErrorFailed    = "error"
)

// RegisterTool makes a named tool available to the remote agent. Registering
// the same name again replaces the previous handler.
func (s *Session) RegisterTool(name string, fn ToolFunc) {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return
	}
	s.toolsMu.Lock()
	defer s.toolsMu.Unlock()
	if s.tools == nil {
		s.tools = make(map[string]ToolFunc)
	}
	s.tools[name] = fn
}

func (s *Session) lookupTool(name string) (ToolFunc, bool) {
	s.toolsMu.Lock()
	defer s.toolsMu.Unlock()
	fn, ok := s.tools[strings.TrimSpace(name)]
	return fn, ok
}

// handleToolInvocation runs a requested tool and reports the outcome back over
// the session socket. Unknown tools are reported to the peer, never raised
// locally. The reply is skipped silently when the socket is already closed.
func (s *Session) handleToolInvocation(ctx context.Context, msg toolInvocationMessage) {
	result := clientToolResult{
		Type:         msgTypeToolResult,
		InvocationID: msg.InvocationID,
	}

	fn, ok := s.lookupTool(msg.ToolName)
	if !ok {
		result.ErrorType = toolErrorUndefined
		result.ErrorMessage = fmt.Sprintf("unknown tool: %s", msg.ToolName)
		s.sendToolResult(result)
		return
	}

	out, err := fn(ctx, msg.Parameters)
	if err != nil {
		result.ErrorType = toolErrorFailed
		result.ErrorMessage = err.Error()
		s.sendToolResult(result)
		return
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		result.ErrorType = toolErrorFailed
		result.ErrorMessage = fmt.Sprintf("serialize result for %s: %v", msg.ToolName, err)
		s.sendToolResult(result)
		return
	}
	result.Result = string(encoded)
	s.sendToolResult(result)
}

func (s *Session) sendToolResult(result clientToolResult) {
	if err := s.writeJSON(result); err != nil {
		s.logger.Debug("tool result not sent", "invocation_id", result.InvocationID, "error", err)
	}
}
