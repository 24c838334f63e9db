package insight

import (
	"strings"
	"testing"

	"github.com/Cultro276/ai-interview-sub001/internal/transcript"
)

func turnsFor(answers ...string) []transcript.Turn {
	var out []transcript.Turn
	for i, a := range answers {
		out = append(out, transcript.Turn{Role: transcript.RoleAssistant, Text: "q", Seq: 2*i + 1})
		out = append(out, transcript.Turn{Role: transcript.RoleUser, Text: a, Seq: 2*i + 2})
	}
	return out
}

func assertBounded(t *testing.T, s Scores) {
	t.Helper()
	for name, v := range map[string]int{
		"communication":   s.Communication,
		"confidence":      s.Confidence,
		"technicalDepth":  s.TechnicalDepth,
		"responseQuality": s.ResponseQuality,
		"overallProgress": s.OverallProgress,
	} {
		if v < 0 || v > 100 {
			t.Fatalf("%s out of bounds: %d", name, v)
		}
	}
}

func TestEstimate_BoundedForExtremes(t *testing.T) {
	var e Heuristic
	assertBounded(t, e.Estimate(nil, 0, 0))
	long := strings.Repeat("word ", 500)
	assertBounded(t, e.Estimate(turnsFor(long, long, long, long, long, long), 6, 5))
}

func TestEstimate_ProgressTracksAskedCount(t *testing.T) {
	var e Heuristic
	s := e.Estimate(turnsFor("an answer"), 2, 8)
	if s.OverallProgress != 25 {
		t.Fatalf("progress=%d want 25", s.OverallProgress)
	}
	done := e.Estimate(turnsFor("an answer"), 8, 8)
	if done.OverallProgress != 100 {
		t.Fatalf("progress=%d want 100", done.OverallProgress)
	}
}

func TestEstimate_ShortAnswersScoreLowerQuality(t *testing.T) {
	var e Heuristic
	terse := e.Estimate(turnsFor("yes", "no"), 2, 5)
	full := e.Estimate(turnsFor(
		"I designed the ingestion service and owned its rollout across three regions",
		"We cut p99 latency by batching writes and moving fan-out off the hot path",
	), 2, 5)
	if terse.ResponseQuality >= full.ResponseQuality {
		t.Fatalf("terse=%d full=%d, expected terse < full", terse.ResponseQuality, full.ResponseQuality)
	}
}

func TestEstimate_Deterministic(t *testing.T) {
	var e Heuristic
	turns := turnsFor("a mid-sized answer about database indexing strategies")
	a := e.Estimate(turns, 1, 5)
	b := e.Estimate(turns, 1, 5)
	if a != b {
		t.Fatalf("estimator must be deterministic: %+v vs %+v", a, b)
	}
}
