package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Cultro276/ai-interview-sub001/internal/transcript"
)

func TestVerifyContext_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer link-token" {
			t.Errorf("authorization header = %q", got)
		}
		_ = json.NewEncoder(w).Encode(InterviewContext{
			InterviewID:       "iv-42",
			CandidateName:     "Deniz",
			JobTitle:          "Backend Engineer",
			ExpectedQuestions: 6,
			DurationMinutes:   20,
		})
	}))
	defer srv.Close()

	ic, err := NewClient(srv.URL).VerifyContext(context.Background(), "link-token")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ic.InterviewID != "iv-42" || ic.ExpectedQuestions != 6 {
		t.Fatalf("unexpected context: %+v", ic)
	}
	if ic.ContextToken != "link-token" {
		t.Fatalf("context token not defaulted: %q", ic.ContextToken)
	}
}

func TestVerifyContext_ExpiredLinkIsContextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "link expired", http.StatusGone)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).VerifyContext(context.Background(), "stale")
	var ce *ContextError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ContextError, got %v", err)
	}
	if ce.Status != http.StatusGone {
		t.Fatalf("status=%d want 410", ce.Status)
	}
}

func TestVerifyContext_ServerErrorIsNotTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).VerifyContext(context.Background(), "tok")
	if err == nil {
		t.Fatalf("expected error")
	}
	var ce *ContextError
	if errors.As(err, &ce) {
		t.Fatalf("5xx must not be a terminal ContextError")
	}
}

func TestPersistTranscript_SendsRecord(t *testing.T) {
	var got TranscriptRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/v1/interviews/iv-42/transcript" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rec := TranscriptRecord{
		InterviewID: "iv-42",
		Partial:     true,
		Turns: []transcript.Turn{
			{Role: transcript.RoleAssistant, Text: "q", Seq: 1},
			{Role: transcript.RoleUser, Text: "a", Seq: 2},
		},
	}
	if err := NewClient(srv.URL).PersistTranscript(context.Background(), rec); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if !got.Partial || len(got.Turns) != 2 {
		t.Fatalf("record not delivered intact: %+v", got)
	}
}

func TestPersistTranscript_FailureIsPersistenceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "db down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).PersistTranscript(context.Background(), TranscriptRecord{InterviewID: "iv"})
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
}
