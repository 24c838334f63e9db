// Package httpserver exposes the interview session API. One engine exists per
// created session; the API routes lifecycle actions to it and serves its
// status, live scores, and transcript.
package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Cultro276/ai-interview-sub001/internal/audio"
	"github.com/Cultro276/ai-interview-sub001/internal/backend"
	"github.com/Cultro276/ai-interview-sub001/internal/session"
	"github.com/Cultro276/ai-interview-sub001/internal/transcript"
)

// Runtime bundles one session's engine with its optional media monitor. The
// monitor analyzes the candidate audio feed while the interview runs.
type Runtime struct {
	Engine  *session.Engine
	Monitor *audio.Pipeline
	Feed    io.ReadCloser
	Devices audio.DeviceLister
}

// EngineFactory builds one runtime per interview link token.
type EngineFactory func(token string) Runtime

// API is the session registry and its HTTP surface.
type API struct {
	factory EngineFactory

	mu       sync.Mutex
	sessions map[string]Runtime
}

func NewAPI(factory EngineFactory) *API {
	return &API{factory: factory, sessions: make(map[string]Runtime)}
}

func (a *API) Register(e *echo.Echo) {
	e.GET("/healthz", a.handleHealth)
	e.POST("/v1/sessions", a.handleCreate)
	e.POST("/v1/sessions/:id/consent", a.handleConsent)
	e.POST("/v1/sessions/:id/permissions", a.handlePermissions)
	e.POST("/v1/sessions/:id/device-test", a.handleDeviceTest)
	e.POST("/v1/sessions/:id/start", a.handleStart)
	e.GET("/v1/sessions/:id", a.handleStatus)
	e.GET("/v1/sessions/:id/media", a.handleMedia)
	e.GET("/v1/sessions/:id/devices", a.handleDevices)
	e.PUT("/v1/sessions/:id/devices", a.handleSelectDevice)
	e.GET("/v1/sessions/:id/transcript", a.handleTranscript)
	e.DELETE("/v1/sessions/:id", a.handleClose)
}

func (a *API) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

type createRequest struct {
	Token string `json:"token"`
}

type sessionResponse struct {
	SessionID string         `json:"sessionId"`
	Status    session.Status `json:"status"`
}

// handleCreate verifies the interview link and registers a session. A bad
// link still yields a session so the caller can render the invalid screen;
// a transient verification failure yields 502 and nothing is registered.
func (a *API) handleCreate(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil || req.Token == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "token required"})
	}

	rt := a.factory(req.Token)
	if err := rt.Engine.Begin(c.Request().Context()); err != nil {
		var ce *backend.ContextError
		if !errors.As(err, &ce) {
			rt.Engine.Close()
			return c.JSON(http.StatusBadGateway, echo.Map{"error": "verification unavailable"})
		}
	}

	id := uuid.NewString()
	a.mu.Lock()
	a.sessions[id] = rt
	a.mu.Unlock()

	return c.JSON(http.StatusCreated, sessionResponse{SessionID: id, Status: rt.Engine.StatusSnapshot()})
}

func (a *API) handleConsent(c echo.Context) error {
	eng, err := a.engine(c)
	if err != nil {
		return err
	}
	return a.respond(c, eng, eng.AcceptConsent())
}

type permissionsRequest struct {
	Granted bool `json:"granted"`
}

func (a *API) handlePermissions(c echo.Context) error {
	eng, err := a.engine(c)
	if err != nil {
		return err
	}
	var req permissionsRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.Granted {
		return a.respond(c, eng, eng.GrantPermissions())
	}
	return a.respond(c, eng, eng.DenyPermissions())
}

func (a *API) handleDeviceTest(c echo.Context) error {
	eng, err := a.engine(c)
	if err != nil {
		return err
	}
	return a.respond(c, eng, eng.FinishDeviceTest())
}

// handleStart connects the realtime transport. Failures leave the session in
// place: the caller may retry. A successful start also spins up the media
// monitor on the candidate audio feed.
func (a *API) handleStart(c echo.Context) error {
	rt, eng, err := a.runtime(c)
	if err != nil {
		return err
	}
	if err := eng.StartInterview(c.Request().Context()); err != nil {
		var bad *session.ErrBadTransition
		if errors.As(err, &bad) {
			return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
		}
		return c.JSON(http.StatusBadGateway, echo.Map{
			"error":     "connect failed",
			"retryable": true,
			"status":    eng.StatusSnapshot(),
		})
	}
	if rt.Monitor != nil && rt.Feed != nil {
		if err := rt.Monitor.Start(context.Background(), rt.Feed); err != nil && !errors.Is(err, audio.ErrAlreadyRunning) {
			c.Logger().Warnf("media monitor: %v", err)
		}
	}
	return c.JSON(http.StatusOK, echo.Map{"status": eng.StatusSnapshot()})
}

// handleMedia serves the live candidate audio metrics. Sessions without a
// monitor report zero-valued metrics.
func (a *API) handleMedia(c echo.Context) error {
	rt, _, err := a.runtime(c)
	if err != nil {
		return err
	}
	var m audio.Metrics
	if rt.Monitor != nil {
		m = rt.Monitor.Snapshot()
	}
	return c.JSON(http.StatusOK, m)
}

func (a *API) handleStatus(c echo.Context) error {
	eng, err := a.engine(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, eng.StatusSnapshot())
}

func (a *API) handleDevices(c echo.Context) error {
	rt, _, err := a.runtime(c)
	if err != nil {
		return err
	}
	if rt.Devices == nil {
		return c.JSON(http.StatusOK, []audio.Device{})
	}
	devices, lerr := rt.Devices.Devices()
	if lerr != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": lerr.Error()})
	}
	return c.JSON(http.StatusOK, devices)
}

type selectDeviceRequest struct {
	DeviceID string `json:"deviceId"`
}

func (a *API) handleSelectDevice(c echo.Context) error {
	rt, _, err := a.runtime(c)
	if err != nil {
		return err
	}
	var req selectDeviceRequest
	if err := c.Bind(&req); err != nil || req.DeviceID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "deviceId required"})
	}
	if rt.Devices == nil {
		return c.JSON(http.StatusConflict, echo.Map{"error": "device selection unavailable"})
	}
	if err := rt.Devices.Use(req.DeviceID); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

type transcriptResponse struct {
	InterviewID string            `json:"interviewId"`
	Turns       []transcript.Turn `json:"turns"`
}

func (a *API) handleTranscript(c echo.Context) error {
	eng, err := a.engine(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, transcriptResponse{
		InterviewID: eng.Context().InterviewID,
		Turns:       eng.Turns(),
	})
}

// handleClose is navigation-away: tear the session down and forget it.
func (a *API) handleClose(c echo.Context) error {
	id := c.Param("id")
	a.mu.Lock()
	rt, ok := a.sessions[id]
	delete(a.sessions, id)
	a.mu.Unlock()
	if !ok {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "unknown session"})
	}
	rt.Engine.Close()
	if rt.Monitor != nil {
		rt.Monitor.Stop()
	}
	if rt.Feed != nil {
		_ = rt.Feed.Close()
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *API) runtime(c echo.Context) (Runtime, *session.Engine, error) {
	id := c.Param("id")
	a.mu.Lock()
	rt, ok := a.sessions[id]
	a.mu.Unlock()
	if !ok {
		return Runtime{}, nil, c.JSON(http.StatusNotFound, echo.Map{"error": "unknown session"})
	}
	return rt, rt.Engine, nil
}

func (a *API) engine(c echo.Context) (*session.Engine, error) {
	_, eng, err := a.runtime(c)
	return eng, err
}

// respond maps lifecycle errors: wrong-state calls are 409, everything else
// succeeds with the fresh snapshot.
func (a *API) respond(c echo.Context, eng *session.Engine, err error) error {
	if err != nil {
		var bad *session.ErrBadTransition
		if errors.As(err, &bad) {
			return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"status": eng.StatusSnapshot()})
}
