// Package segment turns a stream of generated text fragments into speakable
// sentences.
package segment

import (
	"strings"

	"github.com/grafana/regexp"
)

var sentencePattern = regexp.MustCompile(`[^.!?]+[.!?]+`)

const terminators = ".!?"

// Sentence is one completed unit of text. Raw is the text as generated, Text
// is the sanitized form handed to the synthesizer.
type Sentence struct {
	Raw  string
	Text string
}

// Segmenter accumulates fragments for a single request. It is not safe for
// concurrent use; each request owns its own instance.
type Segmenter struct {
	pending string
}

func New() *Segmenter {
	return &Segmenter{}
}

// Feed appends a fragment and returns the sentences it completed, in order.
// A sentence is released once its terminator run is followed by another
// character, so that "Wait" + "..." + "!" yields one sentence regardless of
// how the fragments were cut.
func (s *Segmenter) Feed(fragment string) []Sentence {
	s.pending += fragment

	var out []Sentence
	for {
		loc := sentencePattern.FindStringIndex(s.pending)
		if loc == nil || loc[1] == len(s.pending) {
			break
		}
		raw := s.pending[loc[0]:loc[1]]
		s.pending = s.pending[loc[1]:]
		if sentence, ok := newSentence(raw, false); ok {
			out = append(out, sentence)
		}
	}
	return out
}

// Flush releases whatever is left at end of stream. An unterminated
// remainder gets a closing period.
func (s *Segmenter) Flush() (Sentence, bool) {
	rest := s.pending
	s.pending = ""

	if loc := sentencePattern.FindStringIndex(rest); loc != nil {
		rest = rest[loc[0]:]
	} else {
		rest = strings.TrimLeft(rest, terminators)
	}
	return newSentence(rest, true)
}

// Pending reports the buffered, not yet released text.
func (s *Segmenter) Pending() string {
	return s.pending
}

// Split segments a complete text in one pass, including an unterminated tail.
func Split(text string) []Sentence {
	var out []Sentence
	end := 0
	for _, loc := range sentencePattern.FindAllStringIndex(text, -1) {
		if sentence, ok := newSentence(text[loc[0]:loc[1]], false); ok {
			out = append(out, sentence)
		}
		end = loc[1]
	}
	if tail := strings.TrimLeft(text[end:], terminators); tail != "" {
		if sentence, ok := newSentence(tail, true); ok {
			out = append(out, sentence)
		}
	}
	return out
}

func newSentence(raw string, closeIt bool) (Sentence, bool) {
	text := Sanitize(raw)
	if strings.Trim(text, terminators+" \t\r\n") == "" {
		return Sentence{}, false
	}
	if closeIt && !strings.ContainsRune(terminators, rune(text[len(text)-1])) {
		text += "."
	}
	return Sentence{Raw: raw, Text: text}, true
}
