package parlo

import (
	"context"
	"encoding/base64"
	"time"
)

// Capture format for the outbound pipeline: 48 kHz mono, 16-bit samples.
const (
	CaptureSampleRateHz = 48000
	CaptureChannels     = 1

	defaultChunkInterval = 100 * time.Millisecond
)

// CaptureSource supplies raw microphone audio to the outbound pipeline.
// Implementations accumulate captured bytes internally between ReadChunk
// calls; the session drains them on a fixed cadence.
//
// At most one capture is active per Session; Stop must release the underlying
// recording resource and must be safe to call more than once.
type CaptureSource interface {
	// Start begins capturing. Permission denials and device failures are
	// returned here and surfaced as an error event by the session.
	Start(ctx context.Context) error

	// ReadChunk returns the audio accumulated since the previous call. An
	// empty slice means nothing was captured in the interval.
	ReadChunk() ([]byte, error)

	// Stop halts capture and releases the recording resource.
	Stop() error
}

// startCapture launches the outbound pipeline for the current connection.
// A missing capture source leaves the socket usable for control traffic.
func (s *Session) startCapture(ctx context.Context, stop <-chan struct{}) {
	src := s.capture
	if src == nil {
		s.logger.Debug("no capture source configured; outbound audio disabled")
		return
	}

	if err := src.Start(ctx); err != nil {
		s.logger.Warn("audio capture failed to start", "error", err)
		s.emitError(err)
		return
	}

	go s.captureLoop(src, stop)
}

// captureLoop drains the capture source every chunk interval and sends the
// chunk base64-encoded as a text frame. Sends are best-effort: when the
// socket is not open the chunk is dropped, not queued.
func (s *Session) captureLoop(src CaptureSource, stop <-chan struct{}) {
	ticker := time.NewTicker(s.chunkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			chunk, err := src.ReadChunk()
			if err != nil {
				s.logger.Warn("read capture chunk", "error", err)
				continue
			}
			if len(chunk) == 0 {
				continue
			}
			encoded := base64.StdEncoding.EncodeToString(chunk)
			if err := s.writeText([]byte(encoded)); err != nil {
				s.logger.Debug("audio chunk dropped", "bytes", len(chunk), "error", err)
			}
		}
	}
}

// stopCapture releases the capture resource. Errors are logged and swallowed:
// from the caller's point of view stop always completes.
func (s *Session) stopCapture() {
	if s.capture == nil {
		return
	}
	if err := s.capture.Stop(); err != nil {
		s.logger.Warn("stop audio capture", "error", err)
	}
}
