package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/Cultro276/ai-interview-sub001/internal/broker"
)

// TransportError wraps connection and negotiation failures. Retryable: the
// state machine may call Connect again.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// EventKind labels control-plane events surfaced to the state machine.
type EventKind string

const (
	// EventAssistantUtterance carries one finalized interviewer utterance.
	EventAssistantUtterance EventKind = "assistant_utterance"
	// EventDisconnected signals the peer connection was lost or closed.
	EventDisconnected EventKind = "disconnected"
)

// Event is one control-plane message from the realtime provider.
type Event struct {
	Kind EventKind
	Text string
}

// CredentialSource issues one fresh ephemeral credential per connect.
type CredentialSource interface {
	Acquire(ctx context.Context, interviewID, contextToken string) (broker.Credential, error)
}

// Config wires a Session to its collaborators.
type Config struct {
	ProviderURL  string
	Credentials  CredentialSource
	InterviewID  string
	ContextToken string
	ICEServers   []string
	// OnCandidateAudio receives decoded 16 kHz mono PCM from the remote
	// track (the recognizer feed). Optional.
	OnCandidateAudio func(pcm []byte)
}

// Handle is the live connection: peer connection, control side-channel, and
// the paced writer for outbound interviewer audio.
type Handle struct {
	pc      *webrtc.PeerConnection
	control *webrtc.DataChannel
	writer  *PacedWriter
}

// Writer exposes the outbound audio sink.
func (h *Handle) Writer() *PacedWriter { return h.writer }

// Session owns at most one live Handle and serializes connects. Disconnect is
// idempotent and reachable from any state.
type Session struct {
	cfg Config

	mu         sync.Mutex
	handle     *Handle
	connecting bool
	lastErr    error

	// dialGen stamps each connect attempt; liveGen is the attempt whose
	// handle is installed. Peer-connection callbacks from a failed or
	// superseded attempt carry a stale generation and are dropped.
	dialGen uint64
	liveGen uint64

	events chan Event
}

func NewSession(cfg Config) *Session {
	return &Session{cfg: cfg, events: make(chan Event, 32)}
}

// Events delivers provider events. Sends never block; the state machine is
// expected to drain promptly.
func (s *Session) Events() <-chan Event { return s.events }

// Connected reports whether a handle is live.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// LastError returns the most recent connect failure.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Writer returns the outbound audio sink of the live handle, or nil.
func (s *Session) Writer() *PacedWriter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil
	}
	return s.handle.writer
}

// Connect acquires a fresh credential, negotiates the media session with the
// realtime provider, and installs the handle. Exactly one connect may be in
// flight; a live handle must be disconnected first.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connecting {
		s.mu.Unlock()
		return &TransportError{Op: "connect", Err: fmt.Errorf("connect already in flight")}
	}
	if s.handle != nil {
		s.mu.Unlock()
		return &TransportError{Op: "connect", Err: fmt.Errorf("handle live; disconnect first")}
	}
	s.connecting = true
	s.dialGen++
	gen := s.dialGen
	s.mu.Unlock()

	handle, err := s.dial(ctx, gen)

	s.mu.Lock()
	s.connecting = false
	s.lastErr = err
	if err == nil {
		s.handle = handle
		s.liveGen = gen
	}
	s.mu.Unlock()
	return err
}

func (s *Session) dial(ctx context.Context, gen uint64) (*Handle, error) {
	// Fresh, single-use credential per attempt; never cached.
	cred, err := s.cfg.Credentials.Acquire(ctx, s.cfg.InterviewID, s.cfg.ContextToken)
	if err != nil {
		return nil, err
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, &TransportError{Op: "codecs", Err: err}
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, &TransportError{Op: "interceptors", Err: err}
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	iceServers := []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	if len(s.cfg.ICEServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: s.cfg.ICEServers}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, &TransportError{Op: "peerconnection", Err: err}
	}
	fail := func(op string, err error) (*Handle, error) {
		_ = pc.Close()
		return nil, &TransportError{Op: op, Err: err}
	}

	// Outbound interviewer audio; inbound candidate audio.
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"interviewer-audio", "interview")
	if err != nil {
		return fail("track", err)
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		return fail("add track", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		return fail("transceiver", err)
	}

	writer, err := NewPacedWriter(outTrack)
	if err != nil {
		return fail("opus encoder", err)
	}

	control, err := pc.CreateDataChannel("control", nil)
	if err != nil {
		writer.Close()
		return fail("control channel", err)
	}
	control.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.handleControlMessage(msg.Data)
	})

	var disconnectOnce sync.Once
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[%s] peer connection state: %s", s.cfg.InterviewID, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			disconnectOnce.Do(func() { s.emitDisconnected(gen) })
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("[%s] candidate audio track: codec=%s", s.cfg.InterviewID, remote.Codec().MimeType)
		go s.pumpCandidateAudio(remote)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		writer.Close()
		return fail("create offer", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		writer.Close()
		return fail("local description", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		writer.Close()
		return fail("ice gathering", ctx.Err())
	}
	local := pc.LocalDescription()
	if local == nil {
		writer.Close()
		return fail("ice gathering", fmt.Errorf("no local description"))
	}

	answerSDP, err := s.exchangeSDP(ctx, cred, local.SDP)
	if err != nil {
		writer.Close()
		_ = pc.Close()
		return nil, err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}); err != nil {
		writer.Close()
		return fail("remote description", err)
	}

	return &Handle{pc: pc, control: control, writer: writer}, nil
}

// exchangeSDP posts the local offer as raw SDP authenticated by the ephemeral
// secret and returns the provider's answer.
func (s *Session) exchangeSDP(ctx context.Context, cred broker.Credential, offerSDP string) (string, error) {
	url := s.cfg.ProviderURL
	if cred.Model != "" && !strings.Contains(url, "model=") {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "model=" + cred.Model
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(offerSDP))
	if err != nil {
		return "", &TransportError{Op: "offer", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+cred.Secret)
	req.Header.Set("Content-Type", "application/sdp")

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", &TransportError{Op: "offer", Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &TransportError{Op: "offer", Err: fmt.Errorf("status=%d body=%s", resp.StatusCode, string(body))}
	}
	if len(body) == 0 {
		return "", &TransportError{Op: "offer", Err: fmt.Errorf("empty answer")}
	}
	return string(body), nil
}

// handleControlMessage parses one side-channel message. Parse failures are
// logged and ignored; they must never take the session down.
func (s *Session) handleControlMessage(data []byte) {
	var msg struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("[%s] control: unparseable message ignored: %v", s.cfg.InterviewID, err)
		return
	}
	switch msg.Type {
	case "assistant_utterance", "response.done":
		if msg.Text != "" {
			s.emit(Event{Kind: EventAssistantUtterance, Text: msg.Text})
		}
	default:
		// Unknown control kinds are forward-compatible noise.
	}
}

// pumpCandidateAudio decodes the remote opus stream to 16 kHz mono PCM and
// feeds the configured sink in 200 ms chunks.
func (s *Session) pumpCandidateAudio(remote *webrtc.TrackRemote) {
	dec, err := opus.NewDecoder(16000, 1)
	if err != nil {
		log.Printf("[%s] opus decoder: %v", s.cfg.InterviewID, err)
		return
	}
	const chunkBytes = 3200 // 100ms at 16kHz
	buf := make([]byte, 0, chunkBytes*4)
	samples := make([]int16, 1920)
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, samples)
		if err != nil {
			log.Printf("[%s] opus decode: %v", s.cfg.InterviewID, err)
			continue
		}
		start := len(buf)
		buf = append(buf, make([]byte, n*2)...)
		out := buf[start:]
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(samples[i]))
		}
		for len(buf) >= chunkBytes {
			if s.cfg.OnCandidateAudio != nil {
				chunk := make([]byte, chunkBytes)
				copy(chunk, buf[:chunkBytes])
				s.cfg.OnCandidateAudio(chunk)
			}
			copy(buf, buf[chunkBytes:])
			buf = buf[:len(buf)-chunkBytes]
		}
	}
}

// Disconnect tears the handle down: paced writer, control channel, peer
// connection. Safe to call zero, one, or many times, from any state.
func (s *Session) Disconnect() {
	s.mu.Lock()
	handle := s.handle
	s.handle = nil
	s.mu.Unlock()
	if handle == nil {
		return
	}
	handle.writer.Close()
	if handle.control != nil {
		_ = handle.control.Close()
	}
	for _, sender := range handle.pc.GetSenders() {
		_ = sender.Stop()
	}
	_ = handle.pc.Close()
}

// emitDisconnected surfaces a peer-connection loss only while the attempt
// that observed it still owns the installed handle. pc.Close fires the state
// callback too, so teardown of a failed dial must not poison later attempts.
func (s *Session) emitDisconnected(gen uint64) {
	s.mu.Lock()
	live := s.handle != nil && s.liveGen == gen
	s.mu.Unlock()
	if !live {
		return
	}
	s.emit(Event{Kind: EventDisconnected})
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		log.Printf("[%s] event queue full, dropping %s", s.cfg.InterviewID, ev.Kind)
	}
}
