package speech

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gorilla/websocket"
)

// ErrUnavailable means the platform has no usable recognition (or synthesis)
// capability. Sessions degrade on it; they do not abort.
var ErrUnavailable = errors.New("speech capability unavailable")

// silenceWindow is the base inactivity window before an utterance is
// considered complete. Conservative so candidates are not cut mid-sentence.
const silenceWindow = 700 * time.Millisecond

// continuationGrace extends the window when the last word suggests the
// candidate is mid-thought ("and", "because", trailing prepositions).
const continuationGrace = 1200 * time.Millisecond

// settleGrace absorbs late transcript revisions from the ASR before a
// finalized utterance is emitted.
const settleGrace = 250 * time.Millisecond

// Recognizer is a continuous streaming speech-to-text client over the
// AssemblyAI realtime protocol. Partial transcripts are used internally for
// endpoint detection only; callers observe nothing but finalized utterances
// on Finals().
type Recognizer struct {
	apiKey     string
	sampleRate int

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool

	finals chan string
	audio  chan []byte
	stopCh chan struct{}

	// utterance accumulation state
	accMu     sync.Mutex
	latest    string
	committed string
	updatedAt time.Time
	voiceAt   time.Time
	endpoint  *time.Timer
}

// NewRecognizer constructs a recognizer for 16 kHz little-endian mono PCM.
func NewRecognizer(apiKey string) *Recognizer {
	return &Recognizer{
		apiKey:     apiKey,
		sampleRate: 16000,
		finals:     make(chan string, 10),
		audio:      make(chan []byte, 1000),
		stopCh:     make(chan struct{}),
	}
}

// Finals emits finalized utterances only.
func (r *Recognizer) Finals() <-chan string { return r.finals }

// Start dials the streaming endpoint and begins recognition. A missing key or
// a failed dial is ErrUnavailable: recognition genuinely cannot run here.
func (r *Recognizer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connected {
		return nil
	}
	if r.apiKey == "" {
		return fmt.Errorf("recognizer: no api key: %w", ErrUnavailable)
	}

	params := url.Values{}
	params.Set("sample_rate", fmt.Sprintf("%d", r.sampleRate))
	params.Set("format_turns", "false")
	params.Set("encoding", "pcm_s16le")
	wsURL := "wss://streaming.assemblyai.com/v3/ws?" + params.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, map[string][]string{"Authorization": {r.apiKey}})
	if err != nil {
		if resp != nil {
			log.Printf("recognizer: dial failed status=%d", resp.StatusCode)
		}
		return fmt.Errorf("recognizer: dial: %v: %w", err, ErrUnavailable)
	}

	r.conn = conn
	r.connected = true
	now := time.Now()
	r.accMu.Lock()
	r.updatedAt = now
	r.voiceAt = now
	r.accMu.Unlock()

	go r.readLoop()
	go r.writeLoop()
	return nil
}

// SendPCM16KLE queues candidate audio for recognition and feeds the energy
// detector. Drops on backpressure rather than blocking the media path.
func (r *Recognizer) SendPCM16KLE(pcm []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.connected {
		return fmt.Errorf("recognizer not started")
	}
	r.observeEnergy(pcm)
	select {
	case r.audio <- pcm:
	default:
		log.Printf("recognizer: audio backlog full, dropping chunk")
	}
	return nil
}

// RecentlyDetectedVoice reports whether voice energy was seen within window.
func (r *Recognizer) RecentlyDetectedVoice(window time.Duration) bool {
	r.accMu.Lock()
	last := r.voiceAt
	r.accMu.Unlock()
	return time.Since(last) <= window
}

// Stop terminates recognition, flushing any uncommitted tail first.
func (r *Recognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return nil
	}
	close(r.stopCh)
	r.accMu.Lock()
	if r.endpoint != nil {
		r.endpoint.Stop()
		r.endpoint = nil
	}
	r.accMu.Unlock()
	if r.conn != nil {
		_ = r.conn.WriteJSON(map[string]string{"type": "Terminate"})
		_ = r.conn.Close()
	}
	r.connected = false
	r.conn = nil
	r.flushTail()
	close(r.audio)
	// finals stays open: a finalize timer parked in its settle window may
	// still try to send after Stop returns. Late deltas sit in the buffer
	// and readers exit on their own context instead of channel close.
	return nil
}

// observeEnergy updates voiceAt when the PCM frame carries speech-level RMS.
func (r *Recognizer) observeEnergy(pcm []byte) {
	const minSamples = 160 // 10ms at 16kHz
	if len(pcm) < minSamples*2 {
		return
	}
	step := 2
	if len(pcm) > 3200 {
		step = 4
	}
	var sum float64
	n := 0
	for i := 0; i+1 < len(pcm); i += 2 * step {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		sum += float64(v) * float64(v)
		n++
	}
	if n == 0 {
		return
	}
	const speechRMS = 250.0
	if math.Sqrt(sum/float64(n)) >= speechRMS {
		r.accMu.Lock()
		r.voiceAt = time.Now()
		r.accMu.Unlock()
	}
}

func (r *Recognizer) readLoop() {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("recognizer: readLoop recovered: %v", rec)
		}
	}()
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}
		r.mu.RLock()
		conn := r.conn
		r.mu.RUnlock()
		if conn == nil {
			return
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-r.stopCh:
			default:
				log.Printf("recognizer: read: %v", err)
			}
			return
		}
		r.handleMessage(msg)
	}
}

func (r *Recognizer) writeLoop() {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("recognizer: writeLoop recovered: %v", rec)
		}
	}()
	for {
		select {
		case <-r.stopCh:
			return
		case chunk, ok := <-r.audio:
			if !ok {
				return
			}
			r.mu.RLock()
			conn := r.conn
			r.mu.RUnlock()
			if conn == nil {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				log.Printf("recognizer: send audio: %v", err)
				return
			}
		}
	}
}

type turnMessage struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

// handleMessage dispatches one protocol message. Interim "Turn" transcripts
// reset the endpoint timer; they are never surfaced.
func (r *Recognizer) handleMessage(raw []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		log.Printf("recognizer: bad message: %v", err)
		return
	}
	switch head.Type {
	case "Begin":
		log.Printf("recognizer: stream began")
	case "Turn":
		var msg turnMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Transcript == "" {
			return
		}
		r.accMu.Lock()
		r.latest = msg.Transcript
		r.updatedAt = time.Now()
		if r.endpoint == nil {
			r.endpoint = time.AfterFunc(silenceWindow, r.finalizeOnSilence)
		} else {
			r.endpoint.Stop()
			r.endpoint.Reset(silenceWindow)
		}
		r.accMu.Unlock()
	case "Termination":
		r.flushTail()
	case "Error":
		var msg struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &msg)
		log.Printf("recognizer: provider error: %s", msg.Error)
	default:
		log.Printf("recognizer: unknown message type %q", head.Type)
	}
}

// finalizeOnSilence runs after the silence window elapses. It re-validates
// inactivity (text and voice energy), waits out settleGrace for late
// revisions, then emits the uncommitted delta as one finalized utterance.
func (r *Recognizer) finalizeOnSilence() {
	select {
	case <-r.stopCh:
		return
	default:
	}

	r.accMu.Lock()
	threshold := silenceWindow
	if likelyContinues(r.latest) {
		threshold += continuationGrace
	}
	now := time.Now()
	sinceText := now.Sub(r.updatedAt)
	sinceVoice := now.Sub(r.voiceAt)
	if sinceText < threshold || sinceVoice < threshold {
		wait := threshold - sinceText
		if rem := threshold - sinceVoice; sinceVoice < threshold && (sinceText >= threshold || rem < wait) {
			wait = rem
		}
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		if r.endpoint != nil {
			r.endpoint.Stop()
			r.endpoint.Reset(wait)
		}
		r.accMu.Unlock()
		return
	}
	markAt := r.updatedAt
	r.accMu.Unlock()

	time.Sleep(settleGrace)

	r.accMu.Lock()
	if r.updatedAt.After(markAt) {
		// A revision landed during the grace window; push the endpoint out.
		if r.endpoint != nil {
			r.endpoint.Stop()
			r.endpoint.Reset(silenceWindow)
		}
		r.accMu.Unlock()
		return
	}
	delta := uncommittedDelta(r.latest, r.committed)
	r.committed = r.latest
	r.accMu.Unlock()

	if delta == "" {
		return
	}
	select {
	case <-r.stopCh:
	case r.finals <- delta:
	}
}

// flushTail emits any uncommitted transcript so trailing words survive stop.
func (r *Recognizer) flushTail() {
	r.accMu.Lock()
	delta := uncommittedDelta(r.latest, r.committed)
	r.committed = r.latest
	r.accMu.Unlock()
	if delta == "" {
		return
	}
	select {
	case r.finals <- delta:
	case <-time.After(200 * time.Millisecond):
		log.Printf("recognizer: dropped tail delta on stop")
	}
}

// uncommittedDelta returns the portion of latest not yet committed.
func uncommittedDelta(latest, committed string) string {
	delta := strings.TrimSpace(strings.TrimPrefix(latest, committed))
	if delta == "" && committed != "" {
		if idx := strings.LastIndex(latest, committed); idx >= 0 {
			delta = strings.TrimSpace(latest[idx+len(committed):])
		}
	}
	return delta
}

// likelyContinues reports whether the last word suggests an unfinished
// sentence, warranting a longer endpoint window.
func likelyContinues(text string) bool {
	fields := strings.FieldsFunc(strings.TrimSpace(text), func(c rune) bool { return !unicode.IsLetter(c) })
	if len(fields) == 0 {
		return false
	}
	_, ok := continuationWords[strings.ToLower(fields[len(fields)-1])]
	return ok
}

var continuationWords = map[string]struct{}{
	"and": {}, "or": {}, "but": {}, "so": {}, "yet": {},
	"if": {}, "when": {}, "while": {}, "because": {}, "since": {},
	"unless": {}, "until": {}, "although": {}, "though": {},
	"um": {}, "uh": {}, "like": {}, "also": {},
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}
