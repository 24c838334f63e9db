package audio

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"testing"
	"time"
)

// sineReader produces an endless PCM16 sine at the given frequency.
type sineReader struct {
	freq   float64
	sr     int
	phase  float64
	closed chan struct{}
}

func newSineReader(freq float64, sr int) *sineReader {
	return &sineReader{freq: freq, sr: sr, closed: make(chan struct{})}
}

func (s *sineReader) Read(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, io.EOF
	default:
	}
	inc := 2 * math.Pi * s.freq / float64(s.sr)
	n := len(p) / 2
	for i := 0; i < n; i++ {
		v := int16(8000 * math.Sin(s.phase))
		binary.LittleEndian.PutUint16(p[i*2:(i+1)*2], uint16(v))
		s.phase += inc
	}
	// pace roughly like a live capture
	time.Sleep(2 * time.Millisecond)
	return n * 2, nil
}

func (s *sineReader) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

func TestPipeline_MetricsBoundedAndLive(t *testing.T) {
	p := NewPipeline()
	src := newSineReader(1000, 16000)
	if err := p.Start(context.Background(), src); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	deadline := time.Now().Add(2 * time.Second)
	var m Metrics
	for time.Now().Before(deadline) {
		m = p.Snapshot()
		if m.Volume > 0 && m.Connection != ConnectionDisconnected {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if m.Volume <= 0 {
		t.Fatalf("no volume computed from live source: %+v", m)
	}
	for name, v := range map[string]int{"volume": m.Volume, "clarity": m.Clarity, "noise": m.Noise} {
		if v < 0 || v > 100 {
			t.Fatalf("%s out of bounds: %d", name, v)
		}
	}
	if m.SampleRateHz != 16000 {
		t.Fatalf("sample rate %d", m.SampleRateHz)
	}
	if len(m.Spectrum) == 0 {
		t.Fatalf("expected a spectrum snapshot")
	}
}

func TestPipeline_StopIsIdempotentAndReleasesSource(t *testing.T) {
	p := NewPipeline()
	src := newSineReader(440, 16000)
	if err := p.Start(context.Background(), src); err != nil {
		t.Fatalf("start: %v", err)
	}
	p.Stop()
	p.Stop() // second stop must be a no-op
	if p.Running() {
		t.Fatalf("pipeline still running after stop")
	}
	select {
	case <-src.closed:
	default:
		t.Fatalf("capture source not closed on stop")
	}
}

func TestPipeline_DoubleStartRejected(t *testing.T) {
	p := NewPipeline()
	src := newSineReader(440, 16000)
	if err := p.Start(context.Background(), src); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()
	if err := p.Start(context.Background(), newSineReader(440, 16000)); err != ErrAlreadyRunning {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestSpeechBandRatio_SpeechToneScoresClear(t *testing.T) {
	// 1 kHz sits inside the speech band.
	samples := make([]int16, 640)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*1000*float64(i)/16000))
	}
	bands := spectrum(samples, 16000)
	if ratio := speechBandRatio(bands); ratio < 0.5 {
		t.Fatalf("1kHz tone should be speech-band dominant, ratio=%f", ratio)
	}
}

func TestStaticDevices_PassThrough(t *testing.T) {
	l := NewStaticDevices([]Device{{ID: "mic0", Label: "Default"}, {ID: "mic1", Label: "Headset"}})
	devs, err := l.Devices()
	if err != nil || len(devs) != 2 {
		t.Fatalf("devices: %v %v", devs, err)
	}
	if err := l.Use("mic1"); err != nil {
		t.Fatalf("use: %v", err)
	}
	if l.Active() != "mic1" {
		t.Fatalf("active=%s", l.Active())
	}
	if err := l.Use("nope"); err != ErrUnknownDevice {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}
