package audio

import (
	"fmt"
	"sync"

	"github.com/ebitengine/oto/v3"

	parlo "github.com/parlo-go/parlo/sdk"
)

// Speaker plays inbound agent audio through the default output device. It
// feeds a single pull-based oto player from an internal buffer so frames
// queue seamlessly; Clear drops whatever is still buffered and resets the
// player so stale speech stops immediately.
type Speaker struct {
	otoCtx *oto.Context

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	player  *oto.Player
	playing bool
	closed  bool
}

// NewSpeaker opens the output device and waits for it to become ready.
func NewSpeaker() (*Speaker, error) {
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   parlo.CaptureSampleRateHz,
		ChannelCount: parlo.CaptureChannels,
		Format:       oto.FormatSignedInt16LE,
		// ~100 ms of 48 kHz mono 16-bit audio
		BufferSize: 9600,
	})
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready

	s := &Speaker{
		otoCtx: otoCtx,
		buf:    make([]byte, 0, parlo.CaptureSampleRateHz*4),
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Play queues one audio frame for playback.
func (s *Speaker) Play(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("speaker is closed")
	}

	s.buf = append(s.buf, frame...)

	// First frame starts the player; it then pulls from Read.
	if !s.playing {
		s.playing = true
		s.player = s.otoCtx.NewPlayer(s)
		s.player.Play()
	}

	s.cond.Signal()
	return nil
}

// Read feeds the oto player. Blocks until audio arrives or the speaker
// closes; on close it drains silence so oto can wind down cleanly.
func (s *Speaker) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}

	if s.closed && len(s.buf) == 0 {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Clear discards all buffered audio and force-stops the active player so
// superseded agent speech cuts off instead of playing out.
func (s *Speaker) Clear() error {
	s.mu.Lock()
	s.buf = s.buf[:0]

	if s.player != nil && s.playing {
		s.playing = false
		player := s.player
		s.player = nil
		s.mu.Unlock()

		// Pause stops output now; Reset drops oto's internal buffer too.
		player.Pause()
		_ = player.Reset()
		_ = player.Close()
		return nil
	}
	s.mu.Unlock()
	return nil
}

// Close releases the output device.
func (s *Speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	player := s.player
	s.player = nil
	s.mu.Unlock()

	if player != nil {
		_ = player.Close()
	}
	return nil
}

var _ parlo.Sink = (*Speaker)(nil)
