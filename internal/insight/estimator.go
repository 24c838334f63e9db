package insight

import (
	"strings"

	"github.com/Cultro276/ai-interview-sub001/internal/transcript"
)

// Scores are coarse in-session signals, each bounded 0-100. They are advisory
// telemetry for live display; the authoritative scoring happens in the
// analysis service after the interview.
type Scores struct {
	Communication   int `json:"communication"`
	Confidence      int `json:"confidence"`
	TechnicalDepth  int `json:"technicalDepth"`
	ResponseQuality int `json:"responseQuality"`
	OverallProgress int `json:"overallProgress"`
}

// Estimator derives Scores from the turn stream. Implementations must be
// cheap and side-effect free; output must never gate session control flow.
type Estimator interface {
	Estimate(turns []transcript.Turn, askedCount, expectedQuestions int) Scores
}

// Heuristic is the placeholder estimator: user-turn count, average response
// length, and asked-question progress feed simple bounded curves.
type Heuristic struct{}

func (Heuristic) Estimate(turns []transcript.Turn, askedCount, expectedQuestions int) Scores {
	var userTurns, totalWords int
	for _, t := range turns {
		if t.Role != transcript.RoleUser {
			continue
		}
		userTurns++
		totalWords += len(strings.Fields(t.Text))
	}

	avgWords := 0
	if userTurns > 0 {
		avgWords = totalWords / userTurns
	}

	// Longer, steadier answers read as better communication up to a plateau.
	communication := clamp(40 + avgWords*2)
	// Confidence grows with participation.
	confidence := clamp(35 + userTurns*8)
	// Depth rewards substantive answers; ~60 words saturates.
	technicalDepth := clamp(30 + avgWords*3/2 + userTurns*3)
	// Quality penalizes one-word replies.
	responseQuality := clamp(25 + avgWords*5/2)
	if avgWords > 0 && avgWords < 4 {
		responseQuality = clamp(responseQuality - 20)
	}

	progress := 0
	if expectedQuestions > 0 {
		progress = clamp(askedCount * 100 / expectedQuestions)
	}

	return Scores{
		Communication:   communication,
		Confidence:      confidence,
		TechnicalDepth:  technicalDepth,
		ResponseQuality: responseQuality,
		OverallProgress: progress,
	}
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
