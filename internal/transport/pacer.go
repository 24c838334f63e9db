package transport

import (
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3/pkg/media"
)

// sampleWriter is the slice of the outbound track the pacer needs.
type sampleWriter interface {
	WriteSample(media.Sample) error
}

// PacedWriter encodes 48 kHz mono PCM into 20 ms opus frames and writes them
// to the outbound track at wall-clock pace. It is the delivery sink for
// interviewer audio.
type PacedWriter struct {
	enc          *opus.Encoder
	track        sampleWriter
	frameSamples int

	mu      sync.Mutex
	pcmBuf  []int16
	stopped bool

	frames chan []byte
	stopCh chan struct{}
}

// NewPacedWriter constructs a writer producing 20 ms frames at 48 kHz mono.
func NewPacedWriter(track sampleWriter) (*PacedWriter, error) {
	enc, err := opus.NewEncoder(48000, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := &PacedWriter{
		enc:          enc,
		track:        track,
		frameSamples: 960, // 20ms at 48kHz
		frames:       make(chan []byte, 512),
		stopCh:       make(chan struct{}),
	}
	go w.pace()
	return w, nil
}

// WritePCM buffers 48 kHz mono PCM bytes and encodes any complete frames.
func (w *PacedWriter) WritePCM(pcm []byte) {
	if len(pcm) < 2 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	need := len(pcm) / 2
	start := len(w.pcmBuf)
	if cap(w.pcmBuf)-start < need {
		grown := make([]int16, start, start+need+2048)
		copy(grown, w.pcmBuf)
		w.pcmBuf = grown
	}
	w.pcmBuf = w.pcmBuf[:start+need]
	for i := 0; i < need; i++ {
		w.pcmBuf[start+i] = int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
	}

	opusBuf := make([]byte, 4000)
	for len(w.pcmBuf) >= w.frameSamples {
		n, _ := w.enc.Encode(w.pcmBuf[:w.frameSamples], opusBuf)
		if n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			w.enqueue(pkt)
		}
		copy(w.pcmBuf, w.pcmBuf[w.frameSamples:])
		w.pcmBuf = w.pcmBuf[:len(w.pcmBuf)-w.frameSamples]
	}
}

// FlushTail pads the remaining PCM to a full frame and appends a short
// silence tail so playback does not clip.
func (w *PacedWriter) FlushTail() {
	opusBuf := make([]byte, 4000)
	w.mu.Lock()
	if len(w.pcmBuf) > 0 {
		pad := make([]int16, w.frameSamples)
		copy(pad, w.pcmBuf)
		if n, _ := w.enc.Encode(pad, opusBuf); n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			w.enqueue(pkt)
		}
		w.pcmBuf = w.pcmBuf[:0]
	}
	w.mu.Unlock()

	silence := make([]int16, w.frameSamples)
	for i := 0; i < 10; i++ { // ~200ms
		w.mu.Lock()
		if n, _ := w.enc.Encode(silence, opusBuf); n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			w.enqueue(pkt)
		}
		w.mu.Unlock()
	}
}

// Reset drops buffered PCM and queued frames immediately (interrupt path).
func (w *PacedWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pcmBuf = w.pcmBuf[:0]
	for {
		select {
		case <-w.frames:
		default:
			return
		}
	}
}

// Close stops the pacer. Idempotent.
func (w *PacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *PacedWriter) pace() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: 20 * time.Millisecond})
			default:
			}
		}
	}
}

// enqueue never blocks: the queue holds ~10s of audio, and a full queue
// means playback is hopelessly behind anyway. Callers hold w.mu.
func (w *PacedWriter) enqueue(pkt []byte) {
	select {
	case <-w.stopCh:
	case w.frames <- pkt:
	default:
	}
}
