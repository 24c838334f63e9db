package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"time"
)

// PCMSink consumes 48 kHz little-endian mono PCM. The transport's paced
// writer implements it; tests use fakes.
type PCMSink interface {
	WritePCM(pcm []byte)
}

// Synthesizer streams 48 kHz PCM audio for the given text.
type Synthesizer interface {
	StreamPCM48k(ctx context.Context, text, lang string) (<-chan []byte, <-chan error)
}

// graceDelay bounds how long Speak may take when every provider fails.
// Completion of Speak is the hard contract, audible output is not.
const graceDelay = 2 * time.Second

// Voice is the synthesis side of the speech adapter: a primary collaborator
// renderer, an optional fallback, and a generated prompt tone as the last
// resort so the candidate hears something when both providers are down.
type Voice struct {
	Primary  Synthesizer
	Fallback Synthesizer
	Grace    time.Duration
}

func NewVoice(primary, fallback Synthesizer) *Voice {
	return &Voice{Primary: primary, Fallback: fallback, Grace: graceDelay}
}

// Speak renders text through the first synthesizer that produces audio and
// returns when playback delivery finishes. It always returns within the grace
// window even on total failure — the conversation must never hang on audio.
func (v *Voice) Speak(ctx context.Context, text, lang string, sink PCMSink) error {
	if text == "" {
		return nil
	}
	grace := v.Grace
	if grace <= 0 {
		grace = graceDelay
	}
	bounded, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for _, s := range []Synthesizer{v.Primary, v.Fallback} {
		if s == nil {
			continue
		}
		stream, errCh := s.StreamPCM48k(bounded, text, lang)
		produced, err := deliver(bounded, sink, stream, errCh)
		if produced {
			return nil
		}
		if err != nil {
			log.Printf("speech: synthesizer failed, degrading: %v", err)
		}
		if bounded.Err() != nil {
			return bounded.Err()
		}
	}

	// Total failure: emit a short prompt tone and hold for the grace window
	// so turn pacing stays roughly natural.
	writeTone(sink, 440.0, 300*time.Millisecond)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(grace):
		return nil
	}
}

// deliver forwards produced PCM to the sink until both channels close and
// reports whether any audio arrived.
func deliver(ctx context.Context, sink PCMSink, pcmCh <-chan []byte, errCh <-chan error) (bool, error) {
	produced := false
	var firstErr error
	openPCM, openErr := true, true
	for openPCM || openErr {
		select {
		case b, ok := <-pcmCh:
			if !ok {
				openPCM = false
				continue
			}
			if len(b) > 0 {
				produced = true
				if sink != nil {
					sink.WritePCM(b)
				}
			}
		case e, ok := <-errCh:
			if !ok {
				openErr = false
				continue
			}
			if e != nil && firstErr == nil {
				firstErr = e
			}
		case <-ctx.Done():
			return produced, ctx.Err()
		}
	}
	return produced, firstErr
}

// writeTone generates a sine prompt tone as 48 kHz PCM.
func writeTone(sink PCMSink, hz float64, dur time.Duration) {
	if sink == nil {
		return
	}
	samples := int(48000 * dur / time.Second)
	buf := make([]byte, samples*2)
	phaseInc := 2 * math.Pi * hz / 48000.0
	phase := 0.0
	for i := 0; i < samples; i++ {
		v := math.Sin(phase) * 6000.0
		phase += phaseInc
		u := uint16(int16(v))
		buf[2*i] = byte(u)
		buf[2*i+1] = byte(u >> 8)
	}
	sink.WritePCM(buf)
}

// HTTPSynthesizer calls the collaborator synthesis endpoint
// ({text, lang} -> binary 48 kHz PCM stream).
type HTTPSynthesizer struct {
	HTTPClient *http.Client
	BaseURL    string
}

func NewHTTPSynthesizer(baseURL string) *HTTPSynthesizer {
	return &HTTPSynthesizer{HTTPClient: &http.Client{}, BaseURL: baseURL}
}

func (h *HTTPSynthesizer) StreamPCM48k(ctx context.Context, text, lang string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 256)
	errCh := make(chan error, 1)
	go func() {
		defer close(pcmCh)
		defer close(errCh)
		if h.BaseURL == "" {
			errCh <- fmt.Errorf("synthesis: base url missing: %w", ErrUnavailable)
			return
		}
		body, _ := json.Marshal(map[string]string{"text": text, "lang": lang})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/v1/speech/synthesize", bytes.NewReader(body))
		if err != nil {
			errCh <- err
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := h.HTTPClient.Do(req)
		if err != nil {
			errCh <- fmt.Errorf("synthesis request: %w", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			errCh <- fmt.Errorf("synthesis: status=%d body=%s", resp.StatusCode, string(b))
			return
		}

		chunk := make([]byte, 4096)
		for {
			n, rerr := resp.Body.Read(chunk)
			if n > 0 {
				out := make([]byte, n)
				copy(out, chunk[:n])
				select {
				case pcmCh <- out:
				case <-ctx.Done():
					return
				}
			}
			if rerr != nil {
				if rerr != io.EOF {
					errCh <- fmt.Errorf("synthesis read: %w", rerr)
				}
				return
			}
		}
	}()
	return pcmCh, errCh
}
