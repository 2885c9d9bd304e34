package transcript

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func words(pairs ...any) []Word {
	var out []Word
	for i := 0; i < len(pairs); i += 3 {
		out = append(out, Word{
			Text:  pairs[i].(string),
			Start: pairs[i+1].(float64),
			End:   pairs[i+2].(float64),
		})
	}
	return out
}

func TestFormatTimecode(t *testing.T) {
	cases := map[float64]string{
		0:       "0:00",
		59:      "0:59",
		61:      "1:01",
		3599:    "59:59",
		3600:    "1:00:00",
		3661:    "1:01:01",
		3661.9:  "1:01:01", // truncated, not rounded
		-5:      "0:00",
		7325.25: "2:02:05",
	}
	for in, want := range cases {
		assert.Equal(t, want, FormatTimecode(in), "FormatTimecode(%v)", in)
	}
}

func TestParseTimecodeRoundTrip(t *testing.T) {
	for _, seconds := range []float64{0, 59, 61, 3599, 3600, 3661} {
		parsed, ok := ParseTimecode(FormatTimecode(seconds))
		require.True(t, ok)
		assert.Equal(t, seconds, parsed)
	}

	for _, bad := range []string{"--:--:--", "", "12", "1:2:3:4", "a:bc"} {
		_, ok := ParseTimecode(bad)
		assert.False(t, ok, "ParseTimecode(%q)", bad)
	}
}

func TestSRTEmptyResult(t *testing.T) {
	assert.Equal(t, "", SRT(Result{}))
	assert.Equal(t, "", WordSRT(Result{}))
	assert.Equal(t, "", Text(Result{}))
}

func TestSRTClosesCueOnPunctuation(t *testing.T) {
	result := Result{Words: words(
		"Hello", 0.0, 0.4,
		"world.", 0.5, 0.9,
		"Next", 1.0, 1.4,
		"cue.", 1.5, 1.9,
	)}

	out := SRT(result)
	assert.Equal(t, "1\n00:00:00,000 --> 00:00:00,900\nHello world.\n\n2\n00:00:01,000 --> 00:00:01,900\nNext cue.\n", out)
}

func TestSRTClosesCueOnWordLimit(t *testing.T) {
	var ws []Word
	for i := 0; i < 15; i++ {
		ws = append(ws, Word{Text: "word", Start: float64(i) / 10, End: float64(i)/10 + 0.05})
	}
	out := SRT(Result{Words: ws})

	// 15 unpunctuated fast words split at the 12-word bound.
	assert.Equal(t, 2, strings.Count(out, "-->"))
	assert.Contains(t, out, "1\n")
	assert.Contains(t, out, "\n2\n")
}

func TestSRTClosesCueOnDuration(t *testing.T) {
	result := Result{Words: words(
		"one", 0.0, 2.0,
		"two", 2.5, 5.5,
		"three", 6.0, 7.0,
	)}
	out := SRT(Result{Words: result.Words})

	// "two" ends 5.5s after the cue opened, past the 5s bound.
	assert.Equal(t, 2, strings.Count(out, "-->"))
	assert.Contains(t, out, "00:00:00,000 --> 00:00:05,500\none two\n")
}

func TestWordSRTOneCuePerWord(t *testing.T) {
	out := WordSRT(Result{Words: words(
		"alpha", 0.0, 0.3,
		"beta", 0.35, 0.6,
	)})
	assert.Equal(t, "1\n00:00:00,000 --> 00:00:00,300\nalpha\n\n2\n00:00:00,350 --> 00:00:00,600\nbeta\n", out)
}

func TestTextParagraphPrefixes(t *testing.T) {
	start1, start2 := 12.0, 3661.0
	result := Result{
		Words: words("ignored", 0.0, 1.0),
		Paragraphs: []Paragraph{
			{Sentences: []Sentence{
				{Text: "First sentence.", Start: &start1},
				{Text: "Second sentence.", Start: &start1},
			}},
			{Sentences: []Sentence{{Text: "Later.", Start: &start2}}},
			{Sentences: []Sentence{{Text: "No timestamp."}}},
		},
	}

	out := Text(result)
	blocks := strings.Split(out, "\n\n")
	require.Len(t, blocks, 3)
	assert.Equal(t, "[0:12] First sentence. Second sentence.", blocks[0])
	assert.Equal(t, "[1:01:01] Later.", blocks[1])
	assert.Equal(t, "[--:--:--] No timestamp.", blocks[2])
}

func TestTextFallbackParagraph(t *testing.T) {
	result := Result{Words: words(
		"only", 0.0, 0.5,
		"words", 0.6, 42.5,
	)}

	out := Text(result)
	assert.Equal(t, "[0:00] only words", out)

	paragraphs := fallbackParagraphs(result.Words)
	require.Len(t, paragraphs, 1)
	require.Len(t, paragraphs[0].Sentences, 1)
	require.NotNil(t, paragraphs[0].Sentences[0].End)
	assert.Equal(t, 42.5, *paragraphs[0].Sentences[0].End)
}

func TestWithScreenshots(t *testing.T) {
	start := 12.0
	text := Text(Result{Paragraphs: []Paragraph{
		{Sentences: []Sentence{{Text: "Hello.", Start: &start}}},
		{Sentences: []Sentence{{Text: "Untimed."}}},
	}})

	out := WithScreenshots(text, func(seconds float64) string {
		return FormatTimecode(seconds) + ".jpg"
	})

	blocks := strings.Split(out, "\n\n")
	require.Len(t, blocks, 3)
	assert.Equal(t, "![Screenshot at 0:12](0:12.jpg)", blocks[0])
	assert.Equal(t, "[0:12] Hello.", blocks[1])
	// Placeholder paragraphs keep no image.
	assert.Equal(t, "[--:--:--] Untimed.", blocks[2])
}

func TestWithScreenshotsPassThrough(t *testing.T) {
	assert.Equal(t, "", WithScreenshots("", func(float64) string { return "x" }))
	assert.Equal(t, "plain", WithScreenshots("plain", nil))
}
