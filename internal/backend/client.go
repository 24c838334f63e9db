package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Cultro276/ai-interview-sub001/internal/transcript"
)

// ContextError means the interview link is invalid or expired. Terminal: the
// session shows a dead-link message and never retries.
type ContextError struct {
	Status int
	Body   string
}

func (e *ContextError) Error() string {
	return fmt.Sprintf("interview context rejected: status=%d body=%s", e.Status, e.Body)
}

// PersistenceError means the transcript handoff failed. It must never block
// the candidate's completion screen; callers surface it for reconciliation.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence: %v", e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// InterviewContext is the metadata returned for a valid interview token.
type InterviewContext struct {
	InterviewID       string `json:"interviewId"`
	CandidateName     string `json:"candidateName"`
	JobTitle          string `json:"jobTitle"`
	ExpectedQuestions int    `json:"expectedQuestions"`
	DurationMinutes   int    `json:"durationMinutes"`
	Language          string `json:"language"`
	ContextToken      string `json:"contextToken"`
}

// TranscriptRecord is the payload handed off at session completion.
type TranscriptRecord struct {
	InterviewID string            `json:"interviewId"`
	Partial     bool              `json:"partial"`
	Turns       []transcript.Turn `json:"turns"`
	FinishedAt  time.Time         `json:"finishedAt"`
}

// Client talks to the interview backend (context verification, transcript
// persistence and the analysis trigger).
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
}

func NewClient(baseURL string) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		BaseURL:    baseURL,
	}
}

// VerifyContext presents the interview token and returns interview metadata.
// A 4xx answer is a ContextError; anything else is a transient failure.
func (c *Client) VerifyContext(ctx context.Context, token string) (InterviewContext, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/interviews/verify", nil)
	if err != nil {
		return InterviewContext{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return InterviewContext{}, fmt.Errorf("verify context: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return InterviewContext{}, &ContextError{Status: resp.StatusCode, Body: string(b)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return InterviewContext{}, fmt.Errorf("verify context: status=%d", resp.StatusCode)
	}

	var ic InterviewContext
	if err := json.NewDecoder(resp.Body).Decode(&ic); err != nil {
		return InterviewContext{}, fmt.Errorf("verify context: decode: %w", err)
	}
	if ic.InterviewID == "" {
		return InterviewContext{}, &ContextError{Status: resp.StatusCode, Body: "missing interview id"}
	}
	if ic.ContextToken == "" {
		ic.ContextToken = token
	}
	return ic, nil
}

// PersistTranscript stores the turn log and triggers analysis.
func (c *Client) PersistTranscript(ctx context.Context, rec TranscriptRecord) error {
	body, _ := json.Marshal(rec)
	url := fmt.Sprintf("%s/v1/interviews/%s/transcript", c.BaseURL, rec.InterviewID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return &PersistenceError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &PersistenceError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &PersistenceError{Err: fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))}
	}
	return nil
}
