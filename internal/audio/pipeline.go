package audio

import (
	"context"
	"io"
	"log"
	"sync"
	"time"
)

// ConnectionQuality is a coarse link-health label.
type ConnectionQuality string

const (
	ConnectionExcellent    ConnectionQuality = "excellent"
	ConnectionGood         ConnectionQuality = "good"
	ConnectionPoor         ConnectionQuality = "poor"
	ConnectionDisconnected ConnectionQuality = "disconnected"
)

// Metrics is the per-tick diagnostic snapshot. Display-only: regenerated
// continuously while the pipeline runs and never persisted.
type Metrics struct {
	Volume       int               `json:"volume"`
	Clarity      int               `json:"clarity"`
	Noise        int               `json:"noise"`
	Connection   ConnectionQuality `json:"connection"`
	LatencyMs    int               `json:"latencyMs"`
	BitrateKbps  int               `json:"bitrateKbps"`
	SampleRateHz int               `json:"sampleRateHz"`
	Spectrum     []float64         `json:"spectrum,omitempty"`
}

// Device describes one selectable input device.
type Device struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// DeviceLister enumerates and selects capture devices. Pass-through: it is
// independent of session state.
type DeviceLister interface {
	Devices() ([]Device, error)
	Use(deviceID string) error
}

// tickInterval approximates a 60 fps recomputation cadence.
const tickInterval = 16 * time.Millisecond

// frameBytes is 20ms of 16 kHz mono PCM16.
const frameBytes = 640

// Pipeline reads PCM frames from a capture source and recomputes Metrics on
// every tick. It is cooperative: one recomputation per tick, nothing here
// ever blocks the transport or the speech adapter.
type Pipeline struct {
	sampleRate int

	mu      sync.Mutex
	source  io.ReadCloser
	cancel  context.CancelFunc
	running bool
	done    chan struct{}

	latest      Metrics
	lastFrameAt time.Time
	byteCount   int
	windowStart time.Time
}

// NewPipeline builds a pipeline for 16 kHz mono PCM16 sources.
func NewPipeline() *Pipeline {
	return &Pipeline{sampleRate: 16000}
}

// Start begins capture and the metrics loop. Starting an already-running
// pipeline is a caller error.
func (p *Pipeline) Start(ctx context.Context, source io.ReadCloser) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.source = source
	p.cancel = cancel
	p.running = true
	p.done = make(chan struct{})
	p.windowStart = time.Now()
	p.byteCount = 0
	p.latest = Metrics{Connection: ConnectionDisconnected, SampleRateHz: p.sampleRate}

	frames := make(chan []int16, 8)
	go p.readFrames(source, frames)
	go p.run(runCtx, frames, p.done)
	return nil
}

// Stop cancels the loop and releases the capture source. Safe to call any
// number of times, in any state.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	source := p.source
	done := p.done
	p.cancel = nil
	p.source = nil
	p.mu.Unlock()

	cancel()
	if source != nil {
		_ = source.Close() // unblocks the reader
	}
	<-done
}

// Running reports whether the loop is active.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Snapshot returns the most recent metrics.
func (p *Pipeline) Snapshot() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.latest
	if m.Spectrum != nil {
		m.Spectrum = append([]float64(nil), m.Spectrum...)
	}
	return m
}

// readFrames pulls fixed-size frames off the source until it closes.
func (p *Pipeline) readFrames(source io.Reader, frames chan<- []int16) {
	defer close(frames)
	buf := make([]byte, frameBytes)
	for {
		if _, err := io.ReadFull(source, buf); err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF && err != io.ErrClosedPipe {
				log.Printf("audio: capture read: %v", err)
			}
			return
		}
		samples := decodePCM16(buf)
		select {
		case frames <- samples:
		default:
			// metrics loop is behind; drop rather than stall capture
		}
	}
}

func (p *Pipeline) run(ctx context.Context, frames <-chan []int16, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	var current []int16
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				p.mu.Lock()
				p.latest.Connection = ConnectionDisconnected
				p.mu.Unlock()
				return
			}
			current = f
			p.mu.Lock()
			p.lastFrameAt = time.Now()
			p.byteCount += len(f) * 2
			p.mu.Unlock()
		case <-ticker.C:
			p.recompute(current)
		}
	}
}

// recompute derives one Metrics snapshot from the latest frame. It must
// finish well within one tick.
func (p *Pipeline) recompute(frame []int16) {
	now := time.Now()

	p.mu.Lock()
	lastFrameAt := p.lastFrameAt
	elapsed := now.Sub(p.windowStart)
	bytes := p.byteCount
	if elapsed >= time.Second {
		p.windowStart = now
		p.byteCount = 0
	}
	p.mu.Unlock()

	m := Metrics{SampleRateHz: p.sampleRate}
	sinceFrame := now.Sub(lastFrameAt)
	switch {
	case lastFrameAt.IsZero() || sinceFrame > 2*time.Second:
		m.Connection = ConnectionDisconnected
	case sinceFrame > 500*time.Millisecond:
		m.Connection = ConnectionPoor
	default:
		m.Connection = ConnectionGood
	}
	if !lastFrameAt.IsZero() {
		m.LatencyMs = int(sinceFrame / time.Millisecond)
	}
	if elapsed > 0 {
		m.BitrateKbps = int(float64(bytes*8) / elapsed.Seconds() / 1000)
	}

	if len(frame) > 0 && m.Connection != ConnectionDisconnected {
		bands := spectrum(frame, p.sampleRate)
		ratio := speechBandRatio(bands)
		m.Spectrum = bands
		m.Volume = volumeScore(rms(frame))
		m.Clarity = clampScore(int(ratio * 100))
		m.Noise = clampScore(int((1 - ratio) * 100))
		if m.Connection == ConnectionGood && m.Clarity >= 70 && m.LatencyMs < 100 {
			m.Connection = ConnectionExcellent
		}
	}

	p.mu.Lock()
	p.latest = m
	p.mu.Unlock()
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
