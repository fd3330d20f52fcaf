// Package audio provides microphone capture and speaker playback backed by
// the system audio devices, matching the session's 48 kHz mono 16-bit
// format.
package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	parlo "github.com/parlo-go/parlo/sdk"
)

// Mic captures raw microphone audio. It accumulates device callbacks into an
// internal buffer which the session drains on its chunk cadence.
type Mic struct {
	mu      sync.Mutex
	buf     []byte
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	started bool
}

// NewMic creates an idle microphone source. The device is claimed on Start.
func NewMic() *Mic {
	return &Mic{
		// room for one second of audio between reads
		buf: make([]byte, 0, parlo.CaptureSampleRateHz*2),
	}
}

// Start claims the default capture device and begins recording.
func (m *Mic) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(parlo.CaptureChannels)
	deviceConfig.SampleRate = uint32(parlo.CaptureSampleRateHz)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, samples []byte, _ uint32) {
			m.append(samples)
		},
	}

	device, err := malgo.InitDevice(audioCtx.Context, deviceConfig, callbacks)
	if err != nil {
		audioCtx.Uninit()
		return fmt.Errorf("init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		audioCtx.Uninit()
		return fmt.Errorf("start capture device: %w", err)
	}

	m.ctx = audioCtx
	m.device = device
	m.started = true
	m.buf = m.buf[:0]
	return nil
}

func (m *Mic) append(samples []byte) {
	m.mu.Lock()
	m.buf = append(m.buf, samples...)
	m.mu.Unlock()
}

// ReadChunk returns and clears everything captured since the previous call.
func (m *Mic) ReadChunk() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.buf) == 0 {
		return nil, nil
	}
	chunk := make([]byte, len(m.buf))
	copy(chunk, m.buf)
	m.buf = m.buf[:0]
	return chunk, nil
}

// Stop releases the capture device. Safe to call repeatedly and before
// Start.
func (m *Mic) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false

	if m.device != nil {
		_ = m.device.Stop()
		m.device.Uninit()
		m.device = nil
	}
	if m.ctx != nil {
		_ = m.ctx.Uninit()
		m.ctx.Free()
		m.ctx = nil
	}
	m.buf = m.buf[:0]
	return nil
}

var _ parlo.CaptureSource = (*Mic)(nil)
