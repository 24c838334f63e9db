package transport

import "github.com/Cultro276/ai-interview-sub001/internal/speech"

// Bridge adapts a Session to the state machine's transport surface. The sink
// it exposes is safe to use across reconnects: writes before a handle exists
// or after disconnect are dropped.
type Bridge struct {
	*Session
}

func NewBridge(s *Session) Bridge { return Bridge{Session: s} }

func (b Bridge) AudioSink() speech.PCMSink { return writerSink{s: b.Session} }

type writerSink struct {
	s *Session
}

func (w writerSink) WritePCM(pcm []byte) {
	if pw := w.s.Writer(); pw != nil {
		pw.WritePCM(pcm)
	}
}
