package transcript

import (
	"strconv"
	"strings"
)

// WithScreenshots interleaves a markdown screenshot image above every
// timecoded paragraph of a Text transcript. Paragraphs carrying the missing
// timestamp placeholder are kept without an image. imageURL maps a paragraph
// start offset in seconds to a frame-grab URL.
func WithScreenshots(text string, imageURL func(seconds float64) string) string {
	if text == "" || imageURL == nil {
		return text
	}

	blocks := strings.Split(text, "\n\n")
	out := make([]string, 0, len(blocks)*2)
	for _, block := range blocks {
		if seconds, ok := leadingTimecode(block); ok {
			alt := "Screenshot at " + FormatTimecode(seconds)
			out = append(out, "!["+alt+"]("+imageURL(seconds)+")")
		}
		out = append(out, block)
	}
	return strings.Join(out, "\n\n")
}

// ParseTimecode parses a timecode produced by FormatTimecode (m:ss or
// h:mm:ss) back into whole seconds. The placeholder and malformed input
// return ok=false.
func ParseTimecode(s string) (float64, bool) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, false
	}
	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return 0, false
		}
		total = total*60 + n
	}
	return float64(total), true
}

func leadingTimecode(block string) (float64, bool) {
	if !strings.HasPrefix(block, "[") {
		return 0, false
	}
	end := strings.IndexByte(block, ']')
	if end < 0 {
		return 0, false
	}
	return ParseTimecode(block[1:end])
}
