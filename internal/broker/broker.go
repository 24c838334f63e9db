package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Credential is a short-lived secret scoped to one realtime connection
// attempt. It is never persisted and never reused across connects.
type Credential struct {
	Secret    string
	ExpiresAt time.Time
	Model     string
	Voice     string
}

// CredentialError wraps any failure to obtain a credential. Callers decide
// whether to retry; the broker itself never does.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string { return fmt.Sprintf("credential: %v", e.Err) }
func (e *CredentialError) Unwrap() error { return e.Err }

// Client exchanges an interview context for an ephemeral realtime credential.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	Model      string
	Voice      string
}

func NewClient(baseURL, model, voice string) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		BaseURL:    baseURL,
		Model:      model,
		Voice:      voice,
	}
}

type acquireRequest struct {
	InterviewID  string `json:"interviewId"`
	ContextToken string `json:"contextToken"`
	Model        string `json:"model,omitempty"`
	Voice        string `json:"voice,omitempty"`
}

type acquireResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
	Model string `json:"model"`
	Voice string `json:"voice"`
}

// Acquire requests a fresh single-use credential. The returned secret must be
// consumed immediately by one connect attempt.
func (c *Client) Acquire(ctx context.Context, interviewID, contextToken string) (Credential, error) {
	if c.BaseURL == "" {
		return Credential{}, &CredentialError{Err: fmt.Errorf("broker base url missing")}
	}

	body, _ := json.Marshal(acquireRequest{
		InterviewID:  interviewID,
		ContextToken: contextToken,
		Model:        c.Model,
		Voice:        c.Voice,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/realtime/credentials", bytes.NewReader(body))
	if err != nil {
		return Credential{}, &CredentialError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Credential{}, &CredentialError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return Credential{}, &CredentialError{Err: fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))}
	}

	var ar acquireResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return Credential{}, &CredentialError{Err: err}
	}
	if ar.ClientSecret.Value == "" {
		return Credential{}, &CredentialError{Err: fmt.Errorf("empty client secret")}
	}

	cred := Credential{
		Secret: ar.ClientSecret.Value,
		Model:  ar.Model,
		Voice:  ar.Voice,
	}
	// An absent expires_at means the broker gave no local expiry info; only a
	// positive timestamp is trusted. The zero time.Time stays the "unknown"
	// sentinel rather than time.Unix(0,0).
	if ar.ClientSecret.ExpiresAt > 0 {
		cred.ExpiresAt = time.Unix(ar.ClientSecret.ExpiresAt, 0)
	}
	// Expiry is provider-enforced, but an already-expired secret is a broker
	// clock problem we can catch before burning a connect attempt.
	if !cred.ExpiresAt.IsZero() && time.Until(cred.ExpiresAt) <= 0 {
		return Credential{}, &CredentialError{Err: fmt.Errorf("credential expired at issuance (expires_at=%d)", ar.ClientSecret.ExpiresAt)}
	}
	return cred, nil
}
