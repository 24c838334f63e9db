// Package telephony is the dial-in fallback: candidates whose browser cannot
// sustain a realtime connection complete a recorded phone screen instead.
// Twilio drives the call; the recording lands in the artifact store and the
// machine transcription is handed to the backend as a partial interview.
package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"

	"github.com/Cultro276/ai-interview-sub001/internal/backend"
	"github.com/Cultro276/ai-interview-sub001/internal/transcript"
)

// ContextVerifier resolves the interview token carried in the webhook URL.
type ContextVerifier interface {
	VerifyContext(ctx context.Context, token string) (backend.InterviewContext, error)
}

// Persister receives the phone-screen transcript.
type Persister interface {
	PersistTranscript(ctx context.Context, rec backend.TranscriptRecord) error
}

// ArtifactStore keeps the raw call recording.
type ArtifactStore interface {
	Upload(objectKey, contentType string, body []byte) error
}

type Config struct {
	AccountSID string
	AuthToken  string
	// PublicBaseURL overrides callback URL derivation when set. Required
	// behind proxies that strip forwarding headers.
	PublicBaseURL string
	// MaxScreenSeconds bounds the recorded answer. Zero means 300.
	MaxScreenSeconds int
}

// screen tracks one in-flight phone screen, keyed by call SID.
type screen struct {
	ictx backend.InterviewContext
	tlog *transcript.Log
}

type Service struct {
	cfg        Config
	rest       *twilio.RestClient
	httpClient *http.Client
	verifier   ContextVerifier
	persister  Persister
	artifacts  ArtifactStore

	mu      sync.Mutex
	screens map[string]*screen
}

func New(cfg Config, verifier ContextVerifier, persister Persister, artifacts ArtifactStore) *Service {
	if cfg.MaxScreenSeconds <= 0 {
		cfg.MaxScreenSeconds = 300
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Service{
		cfg:        cfg,
		rest:       rest,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		verifier:   verifier,
		persister:  persister,
		artifacts:  artifacts,
		screens:    make(map[string]*screen),
	}
}

func (s *Service) Register(e *echo.Echo) {
	e.POST("/twilio/voice", s.handleVoice, s.signatureMiddleware)
	e.POST("/twilio/recording-status", s.handleRecordingStatus, s.signatureMiddleware)
	e.POST("/twilio/transcription", s.handleTranscription, s.signatureMiddleware)
}

// handleVoice answers the inbound call. The interview token travels as the
// "interview" query parameter on the number's webhook URL.
func (s *Service) handleVoice(c echo.Context) error {
	params := c.Get("twilioParams").(map[string]string)
	callSID := params["CallSid"]
	token := c.QueryParam("interview")

	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()
	ictx, err := s.verifier.VerifyContext(ctx, token)
	if err != nil {
		log.Printf("[telephony] reject call %s: %v", callSID, err)
		return s.respondTwiML(c, []twiml.Element{
			&twiml.VoiceSay{Message: "This interview link is no longer valid. Goodbye."},
			&twiml.VoiceHangup{},
		})
	}

	s.mu.Lock()
	s.screens[callSID] = &screen{ictx: ictx, tlog: transcript.NewLog("")}
	s.mu.Unlock()
	log.Printf("[telephony] phone screen started interview=%s call=%s", ictx.InterviewID, callSID)

	prompt := fmt.Sprintf(
		"Hello %s. This is the phone screen for the %s position. After the beep, please introduce yourself and describe your most relevant experience. Press any key when you are done.",
		ictx.CandidateName, ictx.JobTitle,
	)
	verbs := []twiml.Element{
		&twiml.VoiceSay{Message: prompt},
		&twiml.VoiceRecord{
			MaxLength:               fmt.Sprintf("%d", s.cfg.MaxScreenSeconds),
			PlayBeep:                "true",
			Transcribe:              "true",
			TranscribeCallback:      s.absoluteURL(c, "/twilio/transcription"),
			RecordingStatusCallback: s.absoluteURL(c, "/twilio/recording-status"),
		},
		&twiml.VoiceSay{Message: "Thank you. Your answers were recorded. Goodbye."},
		&twiml.VoiceHangup{},
	}
	return s.respondTwiML(c, verbs)
}

func (s *Service) handleRecordingStatus(c echo.Context) error {
	params := c.Get("twilioParams").(map[string]string)
	if params["RecordingStatus"] != "completed" || params["RecordingUrl"] == "" {
		return c.String(http.StatusOK, "OK")
	}
	callSID := params["CallSid"]
	recordingURL := params["RecordingUrl"]
	recordingSID := params["RecordingSid"]

	sc := s.lookup(callSID)
	if sc == nil {
		log.Printf("[telephony] recording for unknown call %s", callSID)
		return c.String(http.StatusOK, "OK")
	}

	key := fmt.Sprintf("recordings/%s/%s.wav", sc.ictx.InterviewID, recordingSID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.archiveRecording(ctx, recordingURL, key); err != nil {
			log.Printf("[telephony] archive recording %s: %v", recordingSID, err)
		}
	}()
	return c.String(http.StatusOK, "OK")
}

// handleTranscription receives Twilio's machine transcription of the screen
// answer and hands it off as a partial interview transcript.
func (s *Service) handleTranscription(c echo.Context) error {
	params := c.Get("twilioParams").(map[string]string)
	callSID := params["CallSid"]
	text := strings.TrimSpace(params["TranscriptionText"])

	sc := s.take(callSID)
	if sc == nil {
		return c.String(http.StatusOK, "OK")
	}
	if params["TranscriptionStatus"] == "completed" && text != "" {
		sc.tlog.Append(transcript.RoleUser, text)
	}

	rec := backend.TranscriptRecord{
		InterviewID: sc.ictx.InterviewID,
		Partial:     true,
		Turns:       sc.tlog.Turns(),
		FinishedAt:  time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.persister.PersistTranscript(ctx, rec); err != nil {
		log.Printf("[telephony] transcript handoff %s: %v", sc.ictx.InterviewID, err)
	}
	return c.String(http.StatusOK, "OK")
}

// StartCallRecording turns on full-call recording for an in-progress call.
// Used when an operator bridges the candidate instead of the Record verb.
func (s *Service) StartCallRecording(callSID string, callbackURL string) error {
	params := &twilioApi.CreateCallRecordingParams{}
	params.SetRecordingStatusCallback(callbackURL)
	params.SetRecordingStatusCallbackMethod("POST")
	params.SetRecordingStatusCallbackEvent([]string{"completed"})
	params.SetRecordingChannels("mono")

	if _, err := s.rest.Api.CreateCallRecording(callSID, params); err != nil {
		return fmt.Errorf("start recording for %s: %w", callSID, err)
	}
	return nil
}

func (s *Service) archiveRecording(ctx context.Context, recordingURL, objectKey string) error {
	if s.artifacts == nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL+".wav", nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download recording: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return s.artifacts.Upload(objectKey, "audio/wav", data)
}

func (s *Service) lookup(callSID string) *screen {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screens[callSID]
}

func (s *Service) take(callSID string) *screen {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc := s.screens[callSID]
	delete(s.screens, callSID)
	return sc
}

func (s *Service) respondTwiML(c echo.Context, verbs []twiml.Element) error {
	doc, err := twiml.Voice(verbs)
	if err != nil {
		return c.String(http.StatusInternalServerError, "twiml render failed")
	}
	return c.Blob(http.StatusOK, "text/xml", []byte(doc))
}

// signatureMiddleware enforces Twilio's HMAC-SHA1 request signature and
// stashes the parsed form parameters for the handlers.
func (s *Service) signatureMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.cfg.AuthToken == "" {
			return c.String(http.StatusInternalServerError, "telephony auth token not configured")
		}
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return c.String(http.StatusBadRequest, "failed to read body")
		}
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return c.String(http.StatusBadRequest, "failed to parse form")
		}
		params := make(map[string]string, len(form))
		for key, values := range form {
			if len(values) > 0 {
				params[key] = values[0]
			}
		}

		signature := c.Request().Header.Get("X-Twilio-Signature")
		requestURL := s.absoluteURL(c, c.Request().URL.RequestURI())
		if !s.validSignature(signature, requestURL, params) {
			return c.String(http.StatusUnauthorized, "invalid signature")
		}
		c.Set("twilioParams", params)
		return next(c)
	}
}

func (s *Service) validSignature(signature, requestURL string, params map[string]string) bool {
	data := requestURL
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data += k + params[k]
	}

	mac := hmac.New(sha1.New, []byte(s.cfg.AuthToken))
	mac.Write([]byte(data))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

// absoluteURL derives the public URL Twilio signed against and the URL our
// callbacks must advertise. PublicBaseURL wins over forwarding headers.
func (s *Service) absoluteURL(c echo.Context, path string) string {
	if s.cfg.PublicBaseURL != "" {
		return strings.TrimRight(s.cfg.PublicBaseURL, "/") + path
	}
	r := c.Request()
	proto := r.Header.Get("X-Forwarded-Proto")
	host := r.Header.Get("X-Forwarded-Host")
	if proto != "" && host != "" {
		return fmt.Sprintf("%s://%s%s", proto, host, path)
	}
	host = r.Host
	scheme := "https"
	if strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.0.0.1") {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, path)
}
