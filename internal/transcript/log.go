package transcript

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// Role identifies the speaker of a turn.
type Role string

const (
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
	RoleSystem    Role = "system"
)

// DefaultSentinel is the completion marker the interviewer model embeds in its
// last utterance. It is stripped before storage but still reported by Append.
const DefaultSentinel = "FINISHED"

// Turn is one utterance by either party. Turns are immutable once appended;
// corrections are modeled as new turns.
type Turn struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	Seq  int       `json:"seq"`
	At   time.Time `json:"at"`
}

// Log is an ordered, append-only accumulation of turns. Sequence numbers
// reflect call order into Append, not completion order of whatever produced
// the text.
type Log struct {
	mu       sync.Mutex
	turns    []Turn
	nextSeq  int
	asked    int
	sentinel *regexp.Regexp
}

// NewLog constructs a transcript log stripping the given sentinel token from
// assistant text. An empty sentinel falls back to DefaultSentinel.
func NewLog(sentinel string) *Log {
	if sentinel == "" {
		sentinel = DefaultSentinel
	}
	// case-insensitive, whole-word, anywhere in the text
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(sentinel) + `\b`)
	return &Log{nextSeq: 1, sentinel: re}
}

// Append records a turn and returns it together with whether the completion
// sentinel was present in the raw text. The sentinel is removed from the
// stored text for assistant turns.
func (l *Log) Append(role Role, rawText string) (Turn, bool) {
	text := strings.TrimSpace(rawText)
	sentinelSeen := false
	if role == RoleAssistant {
		if l.sentinel.MatchString(text) {
			sentinelSeen = true
			text = strings.TrimSpace(l.sentinel.ReplaceAllString(text, ""))
			text = strings.Join(strings.Fields(text), " ")
		}
	}

	l.mu.Lock()
	t := Turn{Role: role, Text: text, Seq: l.nextSeq, At: time.Now()}
	l.nextSeq++
	l.turns = append(l.turns, t)
	if role == RoleAssistant {
		l.asked++
	}
	l.mu.Unlock()
	return t, sentinelSeen
}

// AskedCount reports how many assistant turns have been recorded.
func (l *Log) AskedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.asked
}

// Len reports the number of turns.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.turns)
}

// Turns returns a copy of the accumulated sequence.
func (l *Log) Turns() []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}
