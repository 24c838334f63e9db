package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Cultro276/ai-interview-sub001/internal/audio"
	"github.com/Cultro276/ai-interview-sub001/internal/backend"
	"github.com/Cultro276/ai-interview-sub001/internal/session"
	"github.com/Cultro276/ai-interview-sub001/internal/speech"
	"github.com/Cultro276/ai-interview-sub001/internal/transport"
)

type stubVerifier struct{ err error }

func (s *stubVerifier) VerifyContext(ctx context.Context, token string) (backend.InterviewContext, error) {
	if s.err != nil {
		return backend.InterviewContext{}, s.err
	}
	return backend.InterviewContext{InterviewID: "iv-1", ExpectedQuestions: 5}, nil
}

type nopSink struct{}

func (nopSink) WritePCM([]byte) {}

type stubTransport struct {
	connectErr error
	events     chan transport.Event
	connected  bool
}

func newStubTransport() *stubTransport {
	return &stubTransport{events: make(chan transport.Event, 4)}
}

func (s *stubTransport) Connect(ctx context.Context) error {
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = true
	return nil
}
func (s *stubTransport) Disconnect()                      { s.connected = false }
func (s *stubTransport) Connected() bool                  { return s.connected }
func (s *stubTransport) Events() <-chan transport.Event   { return s.events }
func (s *stubTransport) AudioSink() speech.PCMSink        { return nopSink{} }

type nopPersister struct{}

func (nopPersister) PersistTranscript(ctx context.Context, rec backend.TranscriptRecord) error {
	return nil
}

func newTestAPI(verifier session.ContextVerifier, tr session.Transport) (*API, *echo.Echo) {
	factory := func(token string) Runtime {
		return Runtime{Engine: session.New(token, session.Deps{
			Verifier:  verifier,
			Transport: tr,
			Persister: nopPersister{},
		}, session.Options{MaxDuration: time.Minute})}
	}
	api := NewAPI(factory)
	e := NewRouter()
	api.Register(e)
	return api, e
}

func doJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func createSession(t *testing.T, e *echo.Echo) string {
	t.Helper()
	rec := doJSON(e, http.MethodPost, "/v1/sessions", `{"token":"link-1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SessionID == "" {
		t.Fatalf("missing session id")
	}
	return resp.SessionID
}

func TestCreate_RequiresToken(t *testing.T) {
	_, e := newTestAPI(&stubVerifier{}, newStubTransport())
	if rec := doJSON(e, http.MethodPost, "/v1/sessions", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestCreate_InvalidLinkYieldsInvalidSession(t *testing.T) {
	verifier := &stubVerifier{err: &backend.ContextError{Status: 410, Body: "expired"}}
	_, e := newTestAPI(verifier, newStubTransport())
	rec := doJSON(e, http.MethodPost, "/v1/sessions", `{"token":"dead"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d", rec.Code)
	}
	var resp sessionResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Status.State != session.StateInvalid {
		t.Fatalf("state=%s", resp.Status.State)
	}
}

func TestCreate_TransientVerifyFailureIs502(t *testing.T) {
	verifier := &stubVerifier{err: errors.New("backend down")}
	api, e := newTestAPI(verifier, newStubTransport())
	rec := doJSON(e, http.MethodPost, "/v1/sessions", `{"token":"x"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status=%d", rec.Code)
	}
	api.mu.Lock()
	n := len(api.sessions)
	api.mu.Unlock()
	if n != 0 {
		t.Fatalf("failed create left %d sessions registered", n)
	}
}

func TestLifecycle_FullFlow(t *testing.T) {
	tr := newStubTransport()
	_, e := newTestAPI(&stubVerifier{}, tr)
	id := createSession(t, e)

	steps := []string{"consent", "device-test"}
	if rec := doJSON(e, http.MethodPost, "/v1/sessions/"+id+"/"+steps[0], ""); rec.Code != http.StatusOK {
		t.Fatalf("consent status=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(e, http.MethodPost, "/v1/sessions/"+id+"/permissions", `{"granted":true}`); rec.Code != http.StatusOK {
		t.Fatalf("permissions status=%d", rec.Code)
	}
	if rec := doJSON(e, http.MethodPost, "/v1/sessions/"+id+"/"+steps[1], ""); rec.Code != http.StatusOK {
		t.Fatalf("device-test status=%d", rec.Code)
	}
	if rec := doJSON(e, http.MethodPost, "/v1/sessions/"+id+"/start", ""); rec.Code != http.StatusOK {
		t.Fatalf("start status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec := doJSON(e, http.MethodGet, "/v1/sessions/"+id, "")
	var st session.Status
	_ = json.Unmarshal(rec.Body.Bytes(), &st)
	if st.State != session.StateInterviewing {
		t.Fatalf("state=%s", st.State)
	}

	rec = doJSON(e, http.MethodGet, "/v1/sessions/"+id+"/transcript", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("transcript status=%d", rec.Code)
	}
	var tres transcriptResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &tres)
	if tres.InterviewID != "iv-1" {
		t.Fatalf("interview id=%s", tres.InterviewID)
	}

	if rec := doJSON(e, http.MethodDelete, "/v1/sessions/"+id, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status=%d", rec.Code)
	}
	if tr.Connected() {
		t.Fatalf("transport still connected after delete")
	}
	if rec := doJSON(e, http.MethodDelete, "/v1/sessions/"+id, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status=%d", rec.Code)
	}
}

func TestSkippingStages_Conflicts(t *testing.T) {
	_, e := newTestAPI(&stubVerifier{}, newStubTransport())
	id := createSession(t, e)
	if rec := doJSON(e, http.MethodPost, "/v1/sessions/"+id+"/start", ""); rec.Code != http.StatusConflict {
		t.Fatalf("start from consent status=%d", rec.Code)
	}
	if rec := doJSON(e, http.MethodPost, "/v1/sessions/"+id+"/device-test", ""); rec.Code != http.StatusConflict {
		t.Fatalf("device-test from consent status=%d", rec.Code)
	}
}

func TestDeniedPermissions_IsRecorded(t *testing.T) {
	_, e := newTestAPI(&stubVerifier{}, newStubTransport())
	id := createSession(t, e)
	doJSON(e, http.MethodPost, "/v1/sessions/"+id+"/consent", "")
	rec := doJSON(e, http.MethodPost, "/v1/sessions/"+id+"/permissions", `{"granted":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("deny status=%d", rec.Code)
	}
	rec = doJSON(e, http.MethodGet, "/v1/sessions/"+id, "")
	var st session.Status
	_ = json.Unmarshal(rec.Body.Bytes(), &st)
	if st.State != session.StatePermissionsDenied {
		t.Fatalf("state=%s", st.State)
	}
}

func TestStart_ConnectFailureIsRetryable(t *testing.T) {
	tr := newStubTransport()
	tr.connectErr = &transport.TransportError{Op: "connect", Err: errors.New("ice failed")}
	_, e := newTestAPI(&stubVerifier{}, tr)
	id := createSession(t, e)
	doJSON(e, http.MethodPost, "/v1/sessions/"+id+"/consent", "")
	doJSON(e, http.MethodPost, "/v1/sessions/"+id+"/permissions", `{"granted":true}`)
	doJSON(e, http.MethodPost, "/v1/sessions/"+id+"/device-test", "")

	if rec := doJSON(e, http.MethodPost, "/v1/sessions/"+id+"/start", ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("start status=%d", rec.Code)
	}
	// The session stayed in place; a retry succeeds once the network heals.
	tr.connectErr = nil
	if rec := doJSON(e, http.MethodPost, "/v1/sessions/"+id+"/start", ""); rec.Code != http.StatusOK {
		t.Fatalf("retry status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestDevices_ListAndSelect(t *testing.T) {
	tr := newStubTransport()
	api := NewAPI(func(token string) Runtime {
		return Runtime{
			Engine: session.New(token, session.Deps{
				Verifier:  &stubVerifier{},
				Transport: tr,
				Persister: nopPersister{},
			}, session.Options{MaxDuration: time.Minute}),
			Devices: audio.NewStaticDevices([]audio.Device{
				{ID: "mic-a", Label: "Mic A"},
				{ID: "mic-b", Label: "Mic B"},
			}),
		}
	})
	e := NewRouter()
	api.Register(e)
	id := createSession(t, e)

	rec := doJSON(e, http.MethodGet, "/v1/sessions/"+id+"/devices", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("devices status=%d", rec.Code)
	}
	var devices []audio.Device
	_ = json.Unmarshal(rec.Body.Bytes(), &devices)
	if len(devices) != 2 {
		t.Fatalf("devices: %+v", devices)
	}

	if rec := doJSON(e, http.MethodPut, "/v1/sessions/"+id+"/devices", `{"deviceId":"mic-b"}`); rec.Code != http.StatusNoContent {
		t.Fatalf("select status=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec := doJSON(e, http.MethodPut, "/v1/sessions/"+id+"/devices", `{"deviceId":"nope"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad device status=%d", rec.Code)
	}
}

func TestMedia_WithoutMonitorReportsZeroMetrics(t *testing.T) {
	_, e := newTestAPI(&stubVerifier{}, newStubTransport())
	id := createSession(t, e)
	rec := doJSON(e, http.MethodGet, "/v1/sessions/"+id+"/media", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("media status=%d", rec.Code)
	}
}

func TestUnknownSession_Is404(t *testing.T) {
	_, e := newTestAPI(&stubVerifier{}, newStubTransport())
	for _, req := range [][2]string{
		{http.MethodGet, "/v1/sessions/nope"},
		{http.MethodPost, "/v1/sessions/nope/consent"},
		{http.MethodGet, "/v1/sessions/nope/transcript"},
	} {
		if rec := doJSON(e, req[0], req[1], ""); rec.Code != http.StatusNotFound {
			t.Fatalf("%s %s status=%d", req[0], req[1], rec.Code)
		}
	}
}
