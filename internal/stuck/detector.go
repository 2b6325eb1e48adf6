// Package stuck detects runs that have stopped making progress: a model
// repeating itself or waiting for instructions that will never come.
// Everything here is a pure function of the message history; the run
// loop owns the counters and decides what to do with a verdict.
package stuck

import (
	"github.com/nugget/steward/internal/llm"
	"github.com/nugget/steward/internal/phrasebook"
)

// Detection windows.
const (
	waitingWindow = 3
	waitingQuorum = 2
	compareWindow = 5
	similarMinLen = 20
	affixLen      = 30
	sharedPhrases = 2
	minHistory    = 3
	minAssistant  = 2
)

// Reason says why a history was judged stuck.
type Reason string

// Reasons.
const (
	NotStuck  Reason = ""
	Waiting   Reason = "waiting_for_instructions"
	Duplicate Reason = "duplicate_response"
	Similar   Reason = "similar_response"
)

// Detector judges message histories against a phrasebook.
type Detector struct {
	book *phrasebook.Phrasebook
}

// New creates a Detector. A nil book uses phrasebook.Default.
func New(book *phrasebook.Phrasebook) *Detector {
	if book == nil {
		book = phrasebook.Default()
	}
	return &Detector{book: book}
}

// Check returns the reason msgs look stuck, or NotStuck.
//
// Only assistant messages with content count. The history is stuck when
// at least two of the last three are waiting for instructions, or when
// the latest duplicates one of the five before it, shares its first or
// last 30 characters with one, or shares two waiting phrases with one.
func (d *Detector) Check(msgs []llm.Message) Reason {
	if len(msgs) < minHistory {
		return NotStuck
	}

	var said []string
	for _, m := range msgs {
		if m.Role == llm.RoleAssistant && m.Content != "" {
			said = append(said, m.Content)
		}
	}
	if len(said) < minAssistant {
		return NotStuck
	}

	waiting := 0
	for _, s := range said[max(0, len(said)-waitingWindow):] {
		if len(d.book.WaitingMatches(s)) > 0 {
			waiting++
		}
	}
	if waiting >= waitingQuorum {
		return Waiting
	}

	last := said[len(said)-1]
	prev := said[max(0, len(said)-1-compareWindow) : len(said)-1]
	for i := len(prev) - 1; i >= 0; i-- {
		p := prev[i]
		if p == last {
			return Duplicate
		}
		if len(p) <= similarMinLen || len(last) <= similarMinLen {
			continue
		}
		if prefix(p) == prefix(last) || suffix(p) == suffix(last) {
			return Similar
		}
		if d.sharedWaiting(p, last) >= sharedPhrases {
			return Similar
		}
	}
	return NotStuck
}

func (d *Detector) sharedWaiting(a, b string) int {
	inB := make(map[string]bool)
	for _, p := range d.book.WaitingMatches(b) {
		inB[p] = true
	}
	n := 0
	for _, p := range d.book.WaitingMatches(a) {
		if inB[p] {
			n++
		}
	}
	return n
}

func prefix(s string) string {
	if len(s) <= affixLen {
		return s
	}
	return s[:affixLen]
}

func suffix(s string) string {
	if len(s) <= affixLen {
		return s
	}
	return s[len(s)-affixLen:]
}
