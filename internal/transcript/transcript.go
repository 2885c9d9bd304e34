// Package transcript converts word-timestamped speech recognition results
// into subtitle tracks and readable transcripts. All functions are pure.
package transcript

import (
	"fmt"
	"strings"
)

// Word is a single recognized word with timestamps in seconds.
type Word struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Sentence is one sentence of a provider-segmented paragraph. Start is a
// pointer because some providers omit timestamps on synthetic sentences.
type Sentence struct {
	Text  string   `json:"text"`
	Start *float64 `json:"start"`
	End   *float64 `json:"end"`
}

// Paragraph groups sentences as segmented by the speech provider.
type Paragraph struct {
	Sentences []Sentence `json:"sentences"`
}

// Result is the transcription payload delivered by the speech provider.
type Result struct {
	Words      []Word      `json:"words"`
	Paragraphs []Paragraph `json:"paragraphs,omitempty"`
}

// Cue grouping heuristics: a caption closes on terminal punctuation, or when
// it grows past maxCueWords words or maxCueSeconds of audio.
const (
	maxCueWords   = 12
	maxCueSeconds = 5.0
)

// SRT renders the result as a standard SubRip subtitle track, grouping words
// into cues. An empty result yields an empty string.
func SRT(result Result) string {
	if len(result.Words) == 0 {
		return ""
	}

	var b strings.Builder
	cue := 0
	start := 0
	for i, word := range result.Words {
		if !cueEndsAt(result.Words, start, i) {
			continue
		}
		cue++
		writeCue(&b, cue, result.Words[start].Start, word.End, joinWords(result.Words[start:i+1]))
		start = i + 1
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// WordSRT renders one cue per word, used for karaoke-style highlighting.
func WordSRT(result Result) string {
	if len(result.Words) == 0 {
		return ""
	}

	var b strings.Builder
	for i, word := range result.Words {
		writeCue(&b, i+1, word.Start, word.End, word.Text)
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

// Text renders a paragraph transcript with inline timecodes:
//
//	[0:12] First sentence. Second sentence.
//
// When the provider returned no paragraph segmentation, a single synthetic
// paragraph spanning the whole transcript is used instead.
func Text(result Result) string {
	paragraphs := result.Paragraphs
	if len(paragraphs) == 0 {
		paragraphs = fallbackParagraphs(result.Words)
	}
	if len(paragraphs) == 0 {
		return ""
	}

	blocks := make([]string, 0, len(paragraphs))
	for _, p := range paragraphs {
		if len(p.Sentences) == 0 {
			continue
		}
		texts := make([]string, 0, len(p.Sentences))
		for _, s := range p.Sentences {
			texts = append(texts, strings.TrimSpace(s.Text))
		}
		prefix := "[" + timecodeOrPlaceholder(p.Sentences[0].Start) + "] "
		blocks = append(blocks, prefix+strings.Join(texts, " "))
	}
	return strings.Join(blocks, "\n\n")
}

// FormatTimecode renders whole seconds as m:ss, or h:mm:ss when the value
// reaches an hour. Fractional seconds are truncated, not rounded.
func FormatTimecode(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func timecodeOrPlaceholder(seconds *float64) string {
	if seconds == nil {
		return "--:--:--"
	}
	return FormatTimecode(*seconds)
}

func fallbackParagraphs(words []Word) []Paragraph {
	if len(words) == 0 {
		return nil
	}
	start := 0.0
	end := words[len(words)-1].End
	return []Paragraph{{
		Sentences: []Sentence{{
			Text:  joinWords(words),
			Start: &start,
			End:   &end,
		}},
	}}
}

func cueEndsAt(words []Word, start, i int) bool {
	if i == len(words)-1 {
		return true
	}
	if hasTerminalPunctuation(words[i].Text) {
		return true
	}
	if i-start+1 >= maxCueWords {
		return true
	}
	return words[i].End-words[start].Start >= maxCueSeconds
}

func hasTerminalPunctuation(text string) bool {
	trimmed := strings.TrimSpace(text)
	return strings.HasSuffix(trimmed, ".") ||
		strings.HasSuffix(trimmed, "?") ||
		strings.HasSuffix(trimmed, "!")
}

func joinWords(words []Word) string {
	parts := make([]string, 0, len(words))
	for _, w := range words {
		parts = append(parts, w.Text)
	}
	return strings.Join(parts, " ")
}

func writeCue(b *strings.Builder, index int, start, end float64, text string) {
	fmt.Fprintf(b, "%d\n%s --> %s\n%s\n\n", index, srtTimestamp(start), srtTimestamp(end), text)
}

// srtTimestamp renders seconds as HH:MM:SS,mmm (SubRip uses a comma before
// the millisecond component).
func srtTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	millis := int(seconds * 1000)
	h := millis / 3600000
	m := (millis % 3600000) / 60000
	s := (millis % 60000) / 1000
	ms := millis % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}
