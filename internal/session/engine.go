package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/Cultro276/ai-interview-sub001/internal/backend"
	"github.com/Cultro276/ai-interview-sub001/internal/insight"
	"github.com/Cultro276/ai-interview-sub001/internal/speech"
	"github.com/Cultro276/ai-interview-sub001/internal/transcript"
	"github.com/Cultro276/ai-interview-sub001/internal/transport"
)

// ErrPermissionDenied marks a session blocked on microphone access. Terminal
// until the candidate re-grants at the browser level and reloads.
var ErrPermissionDenied = errors.New("media permission denied")

// ContextVerifier validates the interview link during Loading.
type ContextVerifier interface {
	VerifyContext(ctx context.Context, token string) (backend.InterviewContext, error)
}

// Transport is the slice of the transport session the engine drives.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool
	Events() <-chan transport.Event
	AudioSink() speech.PCMSink
}

// Speaker renders interviewer text to audio; it always returns within its
// bounded grace window.
type Speaker interface {
	Speak(ctx context.Context, text, lang string, sink speech.PCMSink) error
}

// Listener is continuous candidate speech recognition, finals only.
type Listener interface {
	Start() error
	Finals() <-chan string
	Stop() error
}

// Persister receives the transcript at Finished.
type Persister interface {
	PersistTranscript(ctx context.Context, rec backend.TranscriptRecord) error
}

// ArtifactStore uploads the transcript artifact. Optional, best-effort.
type ArtifactStore interface {
	Upload(objectKey, contentType string, body []byte) error
}

// Deps are the engine's collaborators. Everything is an interface so engines
// compose in tests without media or network.
type Deps struct {
	Verifier   ContextVerifier
	Transport  Transport
	Voice      Speaker
	Recognizer Listener
	Persister  Persister
	Artifacts  ArtifactStore
	Estimator  insight.Estimator
}

// Options tune one interview run.
type Options struct {
	Sentinel     string
	MaxQuestions int
	MaxDuration  time.Duration
	Language     string
}

// Status is a read-only snapshot for the serving layer.
type Status struct {
	State        State          `json:"state"`
	InterviewID  string         `json:"interviewId"`
	AskedCount   int            `json:"askedCount"`
	TurnCount    int            `json:"turnCount"`
	Scores       insight.Scores `json:"scores"`
	Partial      bool           `json:"partial"`
	FinishReason string         `json:"finishReason,omitempty"`
	LastError    string         `json:"lastError,omitempty"`
	StartedAt    time.Time      `json:"startedAt"`
}

// Engine is the conversation state machine for one interview attempt. It owns
// the Session identity, gates every stage of the lifecycle, and is the only
// component allowed to mutate status. One engine per attempt; engines coexist.
type Engine struct {
	deps Deps
	opts Options

	mu           sync.Mutex
	state        State
	authToken    string
	ictx         backend.InterviewContext
	startedAt    time.Time
	partial      bool
	finishReason string
	lastErr      error
	closed       bool

	tlog   *transcript.Log
	scores insight.Scores

	runCancel context.CancelFunc
	runDone   chan struct{}

	speakCtx    context.Context
	speakCancel context.CancelFunc
}

// New constructs an engine in Loading for the given interview link token.
func New(authToken string, deps Deps, opts Options) *Engine {
	if opts.MaxQuestions <= 0 {
		opts.MaxQuestions = 10
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 30 * time.Minute
	}
	if opts.Language == "" {
		opts.Language = "en"
	}
	if deps.Estimator == nil {
		deps.Estimator = insight.Heuristic{}
	}
	return &Engine{
		deps:      deps,
		opts:      opts,
		state:     StateLoading,
		authToken: authToken,
		startedAt: time.Now(),
		tlog:      transcript.NewLog(opts.Sentinel),
	}
}

// Begin verifies the interview context. A ContextError is terminal (Invalid);
// transient verification failures keep Loading so the caller may retry.
func (e *Engine) Begin(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateLoading {
		st := e.state
		e.mu.Unlock()
		return &ErrBadTransition{From: st, To: StateConsent}
	}
	token := e.authToken
	e.mu.Unlock()

	ictx, err := e.deps.Verifier.VerifyContext(ctx, token)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.lastErr = err
		var ce *backend.ContextError
		if errors.As(err, &ce) {
			e.state = StateInvalid
		}
		return err
	}
	e.ictx = ictx
	e.state = StateConsent
	return nil
}

// AcceptConsent records the data-processing acceptance. Nothing touches media
// or transport before this.
func (e *Engine) AcceptConsent() error {
	return e.advance(StateConsent, StatePermissions)
}

// GrantPermissions records that microphone access was granted.
func (e *Engine) GrantPermissions() error {
	return e.advance(StatePermissions, StateDeviceTest)
}

// DenyPermissions records a denial. Terminal: no connect is ever attempted.
func (e *Engine) DenyPermissions() error {
	if err := e.advance(StatePermissions, StatePermissionsDenied); err != nil {
		return err
	}
	e.mu.Lock()
	e.lastErr = ErrPermissionDenied
	e.mu.Unlock()
	return nil
}

// FinishDeviceTest is the candidate's manual advance out of the mic check.
func (e *Engine) FinishDeviceTest() error {
	return e.advance(StateDeviceTest, StateIntro)
}

func (e *Engine) advance(from, to State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != from || !canTransition(from, to) {
		return &ErrBadTransition{From: e.state, To: to}
	}
	e.state = to
	return nil
}

// StartInterview connects the transport and enters Interviewing. On failure
// the state remains Intro and the call may be retried; connects are
// serialized by the transport itself.
func (e *Engine) StartInterview(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIntro {
		st := e.state
		e.mu.Unlock()
		return &ErrBadTransition{From: st, To: StateInterviewing}
	}
	e.mu.Unlock()

	if err := e.deps.Transport.Connect(ctx); err != nil {
		e.mu.Lock()
		e.lastErr = err
		e.mu.Unlock()
		return err
	}

	// Recognition is an enhancement: unavailability degrades the session,
	// it does not abort it.
	if e.deps.Recognizer != nil {
		if err := e.deps.Recognizer.Start(); err != nil {
			if errors.Is(err, speech.ErrUnavailable) {
				log.Printf("[%s] recognition unavailable, continuing degraded: %v", e.interviewID(), err)
			} else {
				e.deps.Transport.Disconnect()
				e.mu.Lock()
				e.lastErr = err
				e.mu.Unlock()
				return err
			}
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	if e.state != StateIntro {
		// Closed while connecting.
		e.mu.Unlock()
		cancel()
		e.deps.Transport.Disconnect()
		return &ErrBadTransition{From: e.state, To: StateInterviewing}
	}
	e.state = StateInterviewing
	e.runCancel = cancel
	e.runDone = make(chan struct{})
	e.speakCtx, e.speakCancel = context.WithCancel(runCtx)
	done := e.runDone
	e.mu.Unlock()

	go e.run(runCtx, done)
	return nil
}

// run is the single turn-exchange loop: provider events, finalized candidate
// utterances, and the time budget, strictly one at a time.
func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	budget := time.NewTimer(e.opts.MaxDuration)
	defer budget.Stop()

	var finals <-chan string
	if e.deps.Recognizer != nil {
		finals = e.deps.Recognizer.Finals()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-budget.C:
			log.Printf("[%s] time budget reached", e.interviewID())
			e.finish("time_budget", false)
			return
		case ev, ok := <-e.deps.Transport.Events():
			if !ok {
				e.finish("transport_lost", true)
				return
			}
			switch ev.Kind {
			case transport.EventAssistantUtterance:
				if e.handleAssistant(ctx, ev.Text) {
					return
				}
			case transport.EventDisconnected:
				log.Printf("[%s] transport lost mid-interview", e.interviewID())
				e.finish("transport_lost", true)
				return
			}
		case text, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			e.appendTurn(transcript.RoleUser, text)
		}
	}
}

// handleAssistant appends the interviewer utterance, speaks it, and applies
// the completion rules. Returns true when the session finished.
func (e *Engine) handleAssistant(ctx context.Context, text string) bool {
	turn, sentinel := e.appendTurn(transcript.RoleAssistant, text)

	if turn.Text != "" && e.deps.Voice != nil {
		sink := e.deps.Transport.AudioSink()
		if err := e.deps.Voice.Speak(e.speakContext(ctx), turn.Text, e.opts.Language, sink); err != nil {
			log.Printf("[%s] speak: %v", e.interviewID(), err)
		}
	}

	if sentinel {
		e.finish("completed", false)
		return true
	}
	if e.tlog.AskedCount() >= e.opts.MaxQuestions {
		e.finish("question_budget", false)
		return true
	}
	return false
}

func (e *Engine) speakContext(fallback context.Context) context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.speakCtx != nil {
		return e.speakCtx
	}
	return fallback
}

func (e *Engine) appendTurn(role transcript.Role, text string) (transcript.Turn, bool) {
	turn, sentinel := e.tlog.Append(role, text)
	scores := e.deps.Estimator.Estimate(e.tlog.Turns(), e.tlog.AskedCount(), e.expectedQuestions())
	e.mu.Lock()
	e.scores = scores
	e.mu.Unlock()
	return turn, sentinel
}

// finish is the single exit into Finished: tears down transport and
// recognition, then hands the transcript off. Idempotent.
func (e *Engine) finish(reason string, partial bool) {
	e.mu.Lock()
	if e.state == StateFinished {
		e.mu.Unlock()
		return
	}
	if !canTransition(e.state, StateFinished) {
		// Invalid / PermissionsDenied: nothing to tear down or persist.
		e.mu.Unlock()
		return
	}
	e.state = StateFinished
	e.partial = partial
	e.finishReason = reason
	cancel := e.runCancel
	speakCancel := e.speakCancel
	e.runCancel = nil
	interviewID := e.ictx.InterviewID
	e.mu.Unlock()

	if speakCancel != nil {
		speakCancel()
	}
	if cancel != nil {
		cancel()
	}
	e.deps.Transport.Disconnect()
	if e.deps.Recognizer != nil {
		_ = e.deps.Recognizer.Stop()
	}

	turns := e.tlog.Turns()
	if e.deps.Persister != nil && interviewID != "" {
		rec := backend.TranscriptRecord{
			InterviewID: interviewID,
			Partial:     partial,
			Turns:       turns,
			FinishedAt:  time.Now(),
		}
		ctx, cancelPersist := context.WithTimeout(context.Background(), 15*time.Second)
		if err := e.deps.Persister.PersistTranscript(ctx, rec); err != nil {
			// Never blocks the completion screen; kept for reconciliation.
			log.Printf("[%s] transcript handoff failed: %v", interviewID, err)
			e.mu.Lock()
			e.lastErr = err
			e.mu.Unlock()
		}
		cancelPersist()
		e.uploadArtifact(rec)
	}
}

func (e *Engine) uploadArtifact(rec backend.TranscriptRecord) {
	if e.deps.Artifacts == nil {
		return
	}
	body, err := marshalTranscript(rec)
	if err != nil {
		log.Printf("[%s] artifact encode: %v", rec.InterviewID, err)
		return
	}
	key := "transcripts/" + rec.InterviewID + ".json"
	if err := e.deps.Artifacts.Upload(key, "application/json", body); err != nil {
		log.Printf("[%s] artifact upload: %v", rec.InterviewID, err)
	}
}

// Close is the navigation-away teardown: reachable from any state, safe to
// call repeatedly. Mid-interview it finishes with the partial flag so the
// accumulated turns are still handed off.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	st := e.state
	cancel := e.runCancel
	done := e.runDone
	e.mu.Unlock()

	if st == StateInterviewing {
		e.finish("closed", true)
	} else {
		if cancel != nil {
			cancel()
		}
		e.deps.Transport.Disconnect()
		if e.deps.Recognizer != nil {
			_ = e.deps.Recognizer.Stop()
		}
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			log.Printf("[%s] run loop did not drain on close", e.interviewID())
		}
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Context returns the verified interview metadata.
func (e *Engine) Context() backend.InterviewContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ictx
}

// Turns returns the transcript so far.
func (e *Engine) Turns() []transcript.Turn { return e.tlog.Turns() }

// StatusSnapshot captures the serving-layer view.
func (e *Engine) StatusSnapshot() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Status{
		State:        e.state,
		InterviewID:  e.ictx.InterviewID,
		AskedCount:   e.tlog.AskedCount(),
		TurnCount:    e.tlog.Len(),
		Scores:       e.scores,
		Partial:      e.partial,
		FinishReason: e.finishReason,
		StartedAt:    e.startedAt,
	}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	return s
}

func (e *Engine) interviewID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ictx.InterviewID
}

func (e *Engine) expectedQuestions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ictx.ExpectedQuestions > 0 {
		return e.ictx.ExpectedQuestions
	}
	return e.opts.MaxQuestions
}

func marshalTranscript(rec backend.TranscriptRecord) ([]byte, error) {
	return json.MarshalIndent(rec, "", "  ")
}
