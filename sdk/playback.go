package parlo

// Sink renders inbound agent audio. Each frame handed to Play is one
// complete, independently playable unit; implementations release the
// underlying sound resource once playback finishes naturally.
type Sink interface {
	// Play renders one audio frame. It must not block on playback completing.
	Play(frame []byte) error

	// Clear force-stops and discards anything currently playing or buffered.
	// Invoked on barge-in, when the remote agent is interrupted mid-speech.
	Clear() error

	// Close releases the sink.
	Close() error
}

// handleAudioFrame routes one binary frame to the playback sink. Playback
// failures are logged, never fatal to the session.
func (s *Session) handleAudioFrame(frame []byte) {
	if s.playback == nil {
		s.logger.Debug("inbound audio dropped; no playback sink", "bytes", len(frame))
		return
	}
	if err := s.playback.Play(frame); err != nil {
		s.logger.Warn("play inbound audio", "error", err)
	}
}

// clearPlayback discards in-flight inbound audio on the interrupt signal.
func (s *Session) clearPlayback() {
	s.logger.Debug("clearing playback buffer")
	if s.playback == nil {
		return
	}
	if err := s.playback.Clear(); err != nil {
		s.logger.Warn("clear playback buffer", "error", err)
	}
}
