package speech

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
)

// DeepgramSynthesizer is the fallback renderer: Deepgram's speak websocket
// streaming linear16 at 48 kHz.
type DeepgramSynthesizer struct {
	apiKey string
	model  string
}

func NewDeepgramSynthesizer(apiKey, model string) *DeepgramSynthesizer {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	return &DeepgramSynthesizer{apiKey: apiKey, model: model}
}

func (d *DeepgramSynthesizer) StreamPCM48k(ctx context.Context, text, lang string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)

	go func() {
		defer close(pcmCh)
		defer close(errCh)

		if d.apiKey == "" {
			errCh <- fmt.Errorf("deepgram: api key missing: %w", ErrUnavailable)
			return
		}
		if text == "" {
			return
		}

		options := &clientinterfaces.WSSpeakOptions{
			Model:      d.model,
			Encoding:   "linear16",
			SampleRate: 48000,
		}

		var lastRecvUnix int64
		var seenAudio int32
		cb := &speakEvents{onBinary: func(data []byte) error {
			if len(data) == 0 {
				return nil
			}
			atomic.StoreInt64(&lastRecvUnix, time.Now().UnixNano())
			atomic.StoreInt32(&seenAudio, 1)
			b := make([]byte, len(data))
			copy(b, data)
			select {
			case pcmCh <- b:
			default:
			}
			return nil
		}}

		dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
		if err != nil {
			errCh <- fmt.Errorf("deepgram: create client: %w", err)
			return
		}

		stopped := false
		stopClient := func() {
			if !stopped {
				stopped = true
				dg.Stop()
			}
		}
		defer stopClient()

		if ok := dg.Connect(); !ok {
			errCh <- fmt.Errorf("deepgram: connect failed")
			return
		}
		if err := dg.SpeakWithText(text); err != nil {
			errCh <- fmt.Errorf("deepgram: speak: %w", err)
			return
		}
		if err := dg.Flush(); err != nil {
			log.Printf("deepgram: flush: %v", err)
		}

		// Drain until the audio stream goes idle or the deadline passes.
		const idleWindow = 400 * time.Millisecond
		deadline := time.Now().Add(12 * time.Second)
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if atomic.LoadInt32(&seenAudio) == 1 {
					last := time.Unix(0, atomic.LoadInt64(&lastRecvUnix))
					if time.Since(last) > idleWindow {
						return
					}
				}
				if time.Now().After(deadline) {
					return
				}
			}
		}
	}()

	return pcmCh, errCh
}

type speakEvents struct{ onBinary func([]byte) error }

func (s *speakEvents) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakEvents) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakEvents) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakEvents) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakEvents) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakEvents) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakEvents) Error(*msginterfaces.ErrorResponse) error       { return nil }
func (s *speakEvents) UnhandledEvent([]byte) error                    { return nil }
func (s *speakEvents) Binary(b []byte) error {
	if s.onBinary != nil {
		return s.onBinary(b)
	}
	return nil
}
