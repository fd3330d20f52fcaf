package parlo

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newSessionTestServer(t *testing.T, handler func(conn *websocket.Conn)) (string, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn)
	}))

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	return wsURL, server.Close
}

func closeNormally(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(2*time.Second))
	_ = conn.Close()
}

// recordingSink records playback calls for assertions.
type recordingSink struct {
	mu      sync.Mutex
	frames  [][]byte
	cleared int
	closed  int
	played  chan []byte
	clears  chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		played: make(chan []byte, 16),
		clears: make(chan struct{}, 16),
	}
}

func (r *recordingSink) Play(frame []byte) error {
	r.mu.Lock()
	r.frames = append(r.frames, append([]byte(nil), frame...))
	r.mu.Unlock()
	r.played <- frame
	return nil
}

func (r *recordingSink) Clear() error {
	r.mu.Lock()
	r.cleared++
	r.mu.Unlock()
	r.clears <- struct{}{}
	return nil
}

func (r *recordingSink) Close() error {
	r.mu.Lock()
	r.closed++
	r.mu.Unlock()
	return nil
}

// scriptedCapture replays fixed chunks, recording lifecycle calls.
type scriptedCapture struct {
	mu      sync.Mutex
	chunks  [][]byte
	started int
	stopped int
}

func (c *scriptedCapture) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started++
	return nil
}

func (c *scriptedCapture) ReadChunk() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.chunks) == 0 {
		return nil, nil
	}
	chunk := c.chunks[0]
	c.chunks = c.chunks[1:]
	return chunk, nil
}

func (c *scriptedCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped++
	return nil
}

func (c *scriptedCapture) stops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func collectStates(s *Session) <-chan State {
	ch := make(chan State, 32)
	s.OnState(func(state State) { ch <- state })
	return ch
}

func collectEnded(s *Session) <-chan struct{} {
	ch := make(chan struct{}, 8)
	s.OnEnded(func() { ch <- struct{}{} })
	return ch
}

func waitState(t *testing.T, ch <-chan State) State {
	t.Helper()
	select {
	case state := <-ch:
		return state
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for state event")
		return ""
	}
}

func waitEnded(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for ended event")
	}
}

func TestConnect_EmitsIdleOnOpen(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newSessionTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		closeNormally(conn)
	})
	defer closeServer()

	s := NewSession(SessionConfig{Logger: testLogger()})
	states := collectStates(s)
	ended := collectEnded(s)

	if err := s.Connect(context.Background(), serverURL); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	if got := waitState(t, states); got != StateIdle {
		t.Fatalf("first state = %q, want idle", got)
	}
	waitEnded(t, ended)
}

func TestConnect_DialFailureIsTransportError(t *testing.T) {
	t.Parallel()

	s := NewSession(SessionConfig{Logger: testLogger()})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	err := s.Connect(ctx, "ws://127.0.0.1:1/join")
	if err == nil {
		t.Fatalf("expected dial error")
	}
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("error = %T, want *TransportError", err)
	}
}

func TestStateFrames_DeduplicateOnChange(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newSessionTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{"type": "state", "state": "speaking"})
		_ = conn.WriteJSON(map[string]any{"type": "state", "state": "speaking"})
		_ = conn.WriteJSON(map[string]any{"type": "state", "state": "thinking"})
		closeNormally(conn)
	})
	defer closeServer()

	s := NewSession(SessionConfig{Logger: testLogger()})
	states := collectStates(s)
	ended := collectEnded(s)

	if err := s.Connect(context.Background(), serverURL); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	waitEnded(t, ended)

	var got []State
	for {
		select {
		case state := <-states:
			got = append(got, state)
			continue
		default:
		}
		break
	}

	want := []State{StateIdle, StateSpeaking, StateThinking, StateIdle}
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func TestTranscripts_AccumulateAndReset(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newSessionTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{"type": "transcript", "role": "agent", "text": "Hel"})
		_ = conn.WriteJSON(map[string]any{"type": "transcript", "role": "agent", "delta": "lo"})
		_ = conn.WriteJSON(map[string]any{"type": "transcript", "role": "agent", "text": "Hello!", "final": true})
		_ = conn.WriteJSON(map[string]any{"type": "transcript", "role": "agent", "delta": "Again"})
		closeNormally(conn)
	})
	defer closeServer()

	s := NewSession(SessionConfig{Logger: testLogger()})
	ended := collectEnded(s)

	type output struct {
		text  string
		final bool
	}
	outputs := make(chan output, 16)
	s.OnOutput(func(text string, final bool) {
		outputs <- output{text, final}
	})

	if err := s.Connect(context.Background(), serverURL); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	waitEnded(t, ended)

	want := []output{
		{"Hel", false},
		{"Hello", false},
		{"Hello!", true},
		{"Again", false},
	}
	for i, w := range want {
		select {
		case got := <-outputs:
			if got != w {
				t.Fatalf("output %d = %+v, want %+v", i, got, w)
			}
		default:
			t.Fatalf("missing output %d (%+v)", i, w)
		}
	}
}

func TestTranscripts_NonAgentRolesIgnored(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newSessionTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{"type": "transcript", "role": "user", "text": "me speaking"})
		_ = conn.WriteJSON(map[string]any{"type": "transcript", "role": "agent", "text": "agent line", "final": true})
		closeNormally(conn)
	})
	defer closeServer()

	s := NewSession(SessionConfig{Logger: testLogger()})
	ended := collectEnded(s)

	outputs := make(chan string, 16)
	s.OnOutput(func(text string, final bool) {
		outputs <- text
	})

	if err := s.Connect(context.Background(), serverURL); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	waitEnded(t, ended)

	select {
	case got := <-outputs:
		if got != "agent line" {
			t.Fatalf("output = %q, want agent line only", got)
		}
	default:
		t.Fatalf("expected one output event")
	}
	select {
	case got := <-outputs:
		t.Fatalf("unexpected extra output %q", got)
	default:
	}
}

func TestMalformedFrames_DoNotKillSession(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newSessionTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery_frame"}`))
		_ = conn.WriteJSON(map[string]any{"type": "debug", "message": "upstream detail"})
		_ = conn.WriteJSON(map[string]any{"type": "transcript", "role": "agent", "text": "still alive", "final": true})
		closeNormally(conn)
	})
	defer closeServer()

	s := NewSession(SessionConfig{Logger: testLogger()})
	ended := collectEnded(s)

	outputs := make(chan string, 16)
	s.OnOutput(func(text string, final bool) {
		if final {
			outputs <- text
		}
	})

	if err := s.Connect(context.Background(), serverURL); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	waitEnded(t, ended)

	select {
	case got := <-outputs:
		if got != "still alive" {
			t.Fatalf("output = %q", got)
		}
	default:
		t.Fatalf("session stopped processing after malformed frames")
	}
}

func TestBinaryFrames_RoutedToPlayback(t *testing.T) {
	t.Parallel()

	audio := []byte{0x01, 0x02, 0x03, 0x04}
	serverURL, closeServer := newSessionTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_ = conn.WriteMessage(websocket.BinaryMessage, audio)
		_ = conn.WriteJSON(map[string]any{"type": "playback_clear_buffer"})
		closeNormally(conn)
	})
	defer closeServer()

	sink := newRecordingSink()
	s := NewSession(SessionConfig{Playback: sink, Logger: testLogger()})
	ended := collectEnded(s)

	if err := s.Connect(context.Background(), serverURL); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	select {
	case frame := <-sink.played:
		if string(frame) != string(audio) {
			t.Fatalf("played frame = %v, want %v", frame, audio)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for playback")
	}

	select {
	case <-sink.clears:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for playback clear")
	}

	waitEnded(t, ended)
}

func TestCaptureChunks_SentBase64(t *testing.T) {
	t.Parallel()

	chunks := make(chan string, 4)
	serverURL, closeServer := newSessionTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType == websocket.TextMessage {
			chunks <- string(data)
		}
		closeNormally(conn)
	})
	defer closeServer()

	capture := &scriptedCapture{chunks: [][]byte{{0x10, 0x20, 0x30}}}
	s := NewSession(SessionConfig{
		Capture:       capture,
		ChunkInterval: 5 * time.Millisecond,
		Logger:        testLogger(),
	})
	ended := collectEnded(s)

	if err := s.Connect(context.Background(), serverURL); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	select {
	case got := <-chunks:
		want := base64.StdEncoding.EncodeToString([]byte{0x10, 0x20, 0x30})
		if got != want {
			t.Fatalf("chunk = %q, want %q", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for audio chunk")
	}

	waitEnded(t, ended)
	if capture.stops() == 0 {
		t.Fatalf("capture never stopped after session end")
	}
}

func TestDisconnect_IsIdempotent(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newSessionTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		// Hold the connection open until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer closeServer()

	capture := &scriptedCapture{}
	s := NewSession(SessionConfig{Capture: capture, Logger: testLogger()})

	endedCount := make(chan struct{}, 8)
	s.OnEnded(func() { endedCount <- struct{}{} })

	// Disconnect before any connect is a no-op.
	s.Disconnect()
	select {
	case <-endedCount:
		t.Fatalf("ended emitted before any connect")
	default:
	}

	if err := s.Connect(context.Background(), serverURL); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	s.Disconnect()
	s.Disconnect()
	s.Disconnect()

	// Exactly one ended for the one open connection.
	select {
	case <-endedCount:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for ended")
	}
	select {
	case <-endedCount:
		t.Fatalf("ended emitted more than once")
	case <-time.After(200 * time.Millisecond):
	}

	if capture.stops() == 0 {
		t.Fatalf("capture not stopped on disconnect")
	}
}

func TestConnect_SupersedesPreviousConnection(t *testing.T) {
	t.Parallel()

	firstClosed := make(chan struct{})
	firstURL, closeFirst := newSessionTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(firstClosed)
				return
			}
		}
	})
	defer closeFirst()

	secondURL, closeSecond := newSessionTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{"type": "state", "state": "speaking"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer closeSecond()

	s := NewSession(SessionConfig{Logger: testLogger()})
	states := collectStates(s)
	ended := collectEnded(s)

	if err := s.Connect(context.Background(), firstURL); err != nil {
		t.Fatalf("first Connect error: %v", err)
	}
	if got := waitState(t, states); got != StateIdle {
		t.Fatalf("state = %q, want idle", got)
	}

	if err := s.Connect(context.Background(), secondURL); err != nil {
		t.Fatalf("second Connect error: %v", err)
	}

	select {
	case <-firstClosed:
	case <-time.After(3 * time.Second):
		t.Fatalf("first connection not closed by supersede")
	}

	// The supersede itself is silent: no ended, and the next events belong
	// to the new connection.
	select {
	case <-ended:
		t.Fatalf("superseded connection emitted ended")
	case <-time.After(200 * time.Millisecond):
	}

	if got := waitState(t, states); got != StateIdle {
		t.Fatalf("state = %q, want fresh idle from new connection", got)
	}
	if got := waitState(t, states); got != StateSpeaking {
		t.Fatalf("state = %q, want speaking from new connection", got)
	}

	s.Disconnect()
	waitEnded(t, ended)
}

type failingCapture struct {
	scriptedCapture
	startErr error
}

func (c *failingCapture) Start(context.Context) error { return c.startErr }

func TestCaptureStartFailure_SessionStaysUsable(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newSessionTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{"type": "transcript", "role": "agent", "text": "hi", "final": true})
		closeNormally(conn)
	})
	defer closeServer()

	capture := &failingCapture{startErr: errors.New("microphone permission denied")}
	s := NewSession(SessionConfig{Capture: capture, Logger: testLogger()})
	ended := collectEnded(s)

	errs := make(chan error, 4)
	s.OnError(func(err error) { errs <- err })

	outputs := make(chan string, 4)
	s.OnOutput(func(text string, final bool) {
		if final {
			outputs <- text
		}
	})

	if err := s.Connect(context.Background(), serverURL); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	select {
	case err := <-errs:
		if err.Error() != "microphone permission denied" {
			t.Fatalf("error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("capture failure not surfaced as error event")
	}

	// The socket stays open for control traffic.
	waitEnded(t, ended)
	select {
	case got := <-outputs:
		if got != "hi" {
			t.Fatalf("output = %q", got)
		}
	default:
		t.Fatalf("control traffic stopped after capture failure")
	}
}

func TestCaptureChunks_DroppedAfterDisconnect(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newSessionTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer closeServer()

	capture := &scriptedCapture{}
	s := NewSession(SessionConfig{
		Capture:       capture,
		ChunkInterval: 5 * time.Millisecond,
		Logger:        testLogger(),
	})

	if err := s.Connect(context.Background(), serverURL); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	s.Disconnect()

	// A late chunk is dropped, not queued and not an error surfaced to the
	// caller.
	errs := make(chan error, 4)
	s.OnError(func(err error) { errs <- err })

	capture.mu.Lock()
	capture.chunks = [][]byte{{0x01}}
	capture.mu.Unlock()

	select {
	case err := <-errs:
		t.Fatalf("unexpected error event after disconnect: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWriteText_NotConnected(t *testing.T) {
	t.Parallel()

	s := NewSession(SessionConfig{Logger: testLogger()})
	if err := s.writeText([]byte("chunk")); err != ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}
