package parlo

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultConnectTimeout = 15 * time.Second

// SessionConfig configures a voice session.
type SessionConfig struct {
	// Capture supplies outbound microphone audio. Optional: without one the
	// session still exchanges control frames and plays inbound audio.
	Capture CaptureSource

	// Playback renders inbound agent audio. Optional.
	Playback Sink

	// ChunkInterval is the outbound audio send cadence. Defaults to 100 ms.
	ChunkInterval time.Duration

	// ConnectTimeout bounds websocket dialing when the Connect context
	// carries no deadline. Defaults to 15 s.
	ConnectTimeout time.Duration

	Logger *slog.Logger
}

// Session is one duplex voice call: a websocket to the join URL carrying
// base64 audio chunks and JSON control frames out, and JSON control frames
// plus binary agent audio in.
//
// A Session owns its connection handle and capture resource exclusively; at
// most one connection is active at a time, and connecting while a call is
// open closes the previous socket first. Sessions are safe for concurrent
// use by the host UI (listener registration, Disconnect) alongside the
// internal read and capture loops.
type Session struct {
	capture        CaptureSource
	playback       Sink
	chunkInterval  time.Duration
	connectTimeout time.Duration
	logger         *slog.Logger

	mu            sync.Mutex
	conn          *websocket.Conn
	gen           int
	state         State
	pendingOutput string
	captureStop   chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc

	writeMu sync.Mutex

	toolsMu sync.Mutex
	tools   map[string]ToolFunc

	stateListeners  emitter[func(State)]
	outputListeners emitter[func(string, bool)]
	errorListeners  emitter[func(error)]
	endedListeners  emitter[func()]
}

// NewSession creates a session with the given configuration. The session is
// inert until Connect.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	chunkInterval := cfg.ChunkInterval
	if chunkInterval <= 0 {
		chunkInterval = defaultChunkInterval
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	return &Session{
		capture:        cfg.Capture,
		playback:       cfg.Playback,
		chunkInterval:  chunkInterval,
		connectTimeout: connectTimeout,
		logger:         logger,
		state:          StateIdle,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect opens the session socket against a join URL. An existing open
// connection is closed first, so at most one connection is ever active.
// Dialing is bounded by ConnectTimeout when ctx carries no deadline.
func (s *Session) Connect(ctx context.Context, joinURL string) error {
	// Supersede any previous connection silently; the fresh idle emit below
	// is the only lifecycle signal the new call produces.
	s.teardownCurrent(false)

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, s.connectTimeout)
		defer cancel()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, joinURL, nil)
	if err != nil {
		return &TransportError{Op: "GET", URL: joinURL, Err: err}
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	stop := make(chan struct{})

	s.mu.Lock()
	s.conn = conn
	s.gen++
	gen := s.gen
	s.state = StateIdle
	s.pendingOutput = ""
	s.captureStop = stop
	s.ctx = sessCtx
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("session connected", "url", redactURLUserInfo(joinURL))
	s.emitState(StateIdle)
	s.startCapture(sessCtx, stop)
	go s.readLoop(conn, gen)
	return nil
}

// Disconnect closes the socket if open and always stops audio capture.
// Idempotent: safe before any Connect and safe to call repeatedly.
func (s *Session) Disconnect() {
	s.teardownCurrent(true)
}

// teardownCurrent closes the active connection, if any, and releases the
// capture resource. Bumping the generation first stales the old read loop,
// so exactly one side announces the close: this function when announce is
// set, nobody when the teardown is a silent supersede during Connect.
// Capture release happens even when no socket is open.
func (s *Session) teardownCurrent(announce bool) {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.gen++
	stateChanged := s.state != StateIdle
	s.state = StateIdle
	s.pendingOutput = ""
	stop := s.captureStop
	s.captureStop = nil
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
	}

	s.stopCapture()

	if conn == nil || !announce {
		return
	}
	s.logger.Info("session closed")
	if stateChanged {
		s.emitState(StateIdle)
	}
	s.emitEnded()
}

// readLoop drains one connection, demultiplexing text control frames from
// binary audio frames. It runs until the socket closes, locally or remotely.
func (s *Session) readLoop(conn *websocket.Conn, gen int) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && s.isCurrent(gen) {
				s.emitError(err)
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			s.handleTextFrame(data)
		case websocket.BinaryMessage:
			s.handleAudioFrame(data)
		default:
			continue
		}
	}
	s.finishConnection(conn, gen)
}

// finishConnection performs close-side teardown for the connection this read
// loop served. A connection superseded by a newer Connect skips teardown so
// it cannot clobber the live session's state.
func (s *Session) finishConnection(conn *websocket.Conn, gen int) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	stateChanged := s.state != StateIdle
	s.state = StateIdle
	s.pendingOutput = ""
	stop := s.captureStop
	s.captureStop = nil
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	_ = conn.Close()
	if stop != nil {
		close(stop)
	}
	if cancel != nil {
		cancel()
	}
	s.stopCapture()

	s.logger.Info("session closed")
	if stateChanged {
		s.emitState(StateIdle)
	}
	s.emitEnded()
}

func (s *Session) isCurrent(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

// handleTextFrame parses one inbound control frame and dispatches it by its
// type tag. Malformed frames are logged and ignored; they never close the
// socket or alter lifecycle state.
func (s *Session) handleTextFrame(data []byte) {
	var envelope controlEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Warn("malformed control frame", "error", err)
		return
	}

	switch envelope.Type {
	case msgTypePlaybackClear:
		s.clearPlayback()

	case msgTypeState:
		var msg stateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("malformed state frame", "error", err)
			return
		}
		s.applyState(msg.State)

	case msgTypeTranscript:
		var msg transcriptMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("malformed transcript frame", "error", err)
			return
		}
		s.applyTranscript(msg)

	case msgTypeToolInvocation:
		var msg toolInvocationMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("malformed tool invocation frame", "error", err)
			return
		}
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil {
			ctx = context.Background()
		}
		s.handleToolInvocation(ctx, msg)

	case msgTypeDebug:
		var msg debugMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("malformed debug frame", "error", err)
			return
		}
		s.logger.Debug("backend debug message", "message", msg.Message)

	default:
		s.logger.Warn("unhandled control frame type", "type", envelope.Type)
	}
}

// applyState updates lifecycle state, emitting only on change. Duplicate
// state frames are frequent on the wire and must not cause event storms.
func (s *Session) applyState(next State) {
	s.mu.Lock()
	if next == s.state {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()
	s.emitState(next)
}

// applyTranscript accumulates agent speech. Full text replaces the pending
// buffer, a delta appends; the buffer resets after a final transcript so the
// next one starts fresh. Non-agent roles are ignored on this channel.
func (s *Session) applyTranscript(msg transcriptMessage) {
	if msg.Role != roleAgent {
		return
	}

	s.mu.Lock()
	if msg.Text != "" {
		s.pendingOutput = msg.Text
	} else if msg.Delta != "" {
		s.pendingOutput += msg.Delta
	}
	pending := s.pendingOutput
	if msg.Final {
		s.pendingOutput = ""
	}
	s.mu.Unlock()

	s.emitOutput(pending, msg.Final)
}

// writeText sends one text frame over the active socket. Returns an error
// when the session has no open connection; callers decide whether that is a
// drop (audio chunks) or a logged skip (tool results).
func (s *Session) writeText(payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *Session) writeJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.writeText(payload)
}

// ErrNotConnected is returned by writes attempted while no socket is open.
var ErrNotConnected = errors.New("session is not connected")
