package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAcquire_ParsesCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/realtime/credentials" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["interviewId"] != "iv-1" || req["contextToken"] != "tok" {
			t.Errorf("request payload incomplete: %v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"client_secret": map[string]any{
				"value":      "ek_secret",
				"expires_at": time.Now().Add(time.Minute).Unix(),
			},
			"model": "gpt-4o-realtime-preview",
			"voice": "alloy",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "")
	cred, err := c.Acquire(context.Background(), "iv-1", "tok")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if cred.Secret != "ek_secret" || cred.Model != "gpt-4o-realtime-preview" || cred.Voice != "alloy" {
		t.Fatalf("unexpected credential: %+v", cred)
	}
}

func TestAcquire_NonSuccessIsCredentialError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "context invalid", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "")
	_, err := c.Acquire(context.Background(), "iv-1", "bad")
	var ce *CredentialError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CredentialError, got %v", err)
	}
}

func TestAcquire_RejectsExpiredSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"client_secret": map[string]any{
				"value":      "ek_stale",
				"expires_at": time.Now().Add(-time.Minute).Unix(),
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "")
	if _, err := c.Acquire(context.Background(), "iv-1", "tok"); err == nil {
		t.Fatalf("expected error for expired credential")
	}
}

func TestAcquire_AbsentExpiryIsAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"client_secret": map[string]any{"value": "ek_noexp"},
			"model":         "gpt-4o-realtime-preview",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "")
	cred, err := c.Acquire(context.Background(), "iv-1", "tok")
	if err != nil {
		t.Fatalf("credential without expires_at rejected: %v", err)
	}
	if cred.Secret != "ek_noexp" {
		t.Fatalf("unexpected credential: %+v", cred)
	}
	if !cred.ExpiresAt.IsZero() {
		t.Fatalf("absent expiry must stay the zero time, got %v", cred.ExpiresAt)
	}
}

func TestAcquire_MissingBaseURL(t *testing.T) {
	c := NewClient("", "", "")
	var ce *CredentialError
	if _, err := c.Acquire(context.Background(), "iv", "tok"); !errors.As(err, &ce) {
		t.Fatalf("expected CredentialError, got %v", err)
	}
}
