package speech

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func loudFrame(samples int) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:(i+1)*2], 3000)
	}
	return buf
}

func TestStart_NoKeyIsUnavailable(t *testing.T) {
	r := NewRecognizer("")
	err := r.Start()
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestObserveEnergy_MarksVoice(t *testing.T) {
	r := NewRecognizer("key")
	r.accMu.Lock()
	r.voiceAt = time.Now().Add(-time.Hour)
	r.accMu.Unlock()
	r.observeEnergy(loudFrame(160))
	if !r.RecentlyDetectedVoice(time.Second) {
		t.Fatalf("expected voice energy to be detected")
	}
}

func TestObserveEnergy_IgnoresSilence(t *testing.T) {
	r := NewRecognizer("key")
	r.accMu.Lock()
	r.voiceAt = time.Now().Add(-time.Hour)
	r.accMu.Unlock()
	r.observeEnergy(make([]byte, 320))
	if r.RecentlyDetectedVoice(time.Minute) {
		t.Fatalf("silence must not register as voice")
	}
}

func TestInterimResultsNeverSurface(t *testing.T) {
	r := NewRecognizer("key")
	// Interim transcripts arrive; no silence has elapsed yet.
	r.handleMessage([]byte(`{"type":"Turn","transcript":"I worked"}`))
	r.handleMessage([]byte(`{"type":"Turn","transcript":"I worked on payments"}`))
	select {
	case got := <-r.finals:
		t.Fatalf("interim transcript surfaced as final: %q", got)
	case <-time.After(50 * time.Millisecond):
	}
	r.accMu.Lock()
	if r.endpoint != nil {
		r.endpoint.Stop()
	}
	r.accMu.Unlock()
}

func TestFinalizeOnSilence_EmitsDeltaOnce(t *testing.T) {
	r := NewRecognizer("key")
	past := time.Now().Add(-5 * time.Second)
	r.accMu.Lock()
	r.latest = "I worked on payments"
	r.updatedAt = past
	r.voiceAt = past
	r.accMu.Unlock()

	go r.finalizeOnSilence()
	select {
	case got := <-r.finals:
		if got != "I worked on payments" {
			t.Fatalf("final=%q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("finalized utterance never emitted")
	}

	// Re-running with no new text must not emit again.
	go r.finalizeOnSilence()
	select {
	case got := <-r.finals:
		t.Fatalf("duplicate final emitted: %q", got)
	case <-time.After(settleGrace + 200*time.Millisecond):
	}
}

func TestFinalizeOnSilence_HeldBackByRecentVoice(t *testing.T) {
	r := NewRecognizer("key")
	r.accMu.Lock()
	r.latest = "still talking"
	r.updatedAt = time.Now().Add(-5 * time.Second)
	r.voiceAt = time.Now() // candidate is audibly mid-utterance
	r.endpoint = time.AfterFunc(time.Hour, func() {})
	r.accMu.Unlock()

	r.finalizeOnSilence()
	select {
	case got := <-r.finals:
		t.Fatalf("finalized while voice energy recent: %q", got)
	default:
	}
	r.accMu.Lock()
	r.endpoint.Stop()
	r.accMu.Unlock()
}

func TestStop_DuringSettleGraceDoesNotPanic(t *testing.T) {
	r := NewRecognizer("key")
	r.connected = true // no conn: Stop skips the wire teardown
	past := time.Now().Add(-2 * time.Second)
	r.accMu.Lock()
	r.latest = "trailing words"
	r.updatedAt = past
	r.voiceAt = past
	r.accMu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.finalizeOnSilence()
	}()

	// Stop lands while the finalize pass is parked in its settle window.
	time.Sleep(50 * time.Millisecond)
	if err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("finalize pass never returned")
	}

	// The tail surfaces exactly once, from whichever side committed first.
	select {
	case got := <-r.finals:
		if got != "trailing words" {
			t.Fatalf("final=%q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("uncommitted tail lost on stop")
	}
	select {
	case got := <-r.finals:
		t.Fatalf("duplicate final after stop: %q", got)
	default:
	}
}

func TestUncommittedDelta(t *testing.T) {
	cases := []struct {
		latest, committed, want string
	}{
		{"hello world", "", "hello world"},
		{"hello world again", "hello world", "again"},
		{"hello world", "hello world", ""},
	}
	for _, c := range cases {
		if got := uncommittedDelta(c.latest, c.committed); got != c.want {
			t.Fatalf("delta(%q,%q)=%q want %q", c.latest, c.committed, got, c.want)
		}
	}
}

func TestLikelyContinues(t *testing.T) {
	if !likelyContinues("I was working on the system and") {
		t.Fatalf("trailing conjunction should extend the window")
	}
	if likelyContinues("that is my answer.") {
		t.Fatalf("complete sentence should not extend the window")
	}
}
