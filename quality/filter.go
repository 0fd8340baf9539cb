// Package quality removes provider artifacts from raw recognition segments:
// attribution lines the model hallucinates and low-confidence noise at the
// very end of a recording.
package quality

import (
	"regexp"
	"strings"

	"voxscribe/transcription"
)

const (
	tailShortLen      = 30
	tailMinConfidence = 0.6
	tailFraction      = 0.9
)

var brandingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)transcribed by\s+https?://\S+`),
	regexp.MustCompile(`(?i)transcribed by\s+\w+\.\w+`),
	regexp.MustCompile(`(?i)generated by\s+\w+`),
	regexp.MustCompile(`(?i)powered by\s+\w+`),
	regexp.MustCompile(`(?i)made with\s+\w+`),
}

// Result is the outcome of Clean.
type Result struct {
	Segments   []transcription.Segment
	Text       string
	Confidence float64
	Removed    int
}

// IsBranding reports whether text matches one of the attribution patterns.
func IsBranding(text string) bool {
	t := strings.TrimSpace(text)
	for _, p := range brandingPatterns {
		if p.MatchString(t) {
			return true
		}
	}
	return false
}

// isTailNoise is true for a short, low-confidence segment in the last tenth
// of the recording.
func isTailNoise(s transcription.Segment, totalDuration float64) bool {
	return len(strings.TrimSpace(s.Text)) < tailShortLen &&
		s.Confidence() < tailMinConfidence &&
		s.Start > tailFraction*totalDuration
}

// Clean drops branding and tail-noise segments. Kept segments are returned
// unchanged and in input order. Clean is idempotent.
func Clean(segments []transcription.Segment, totalDuration float64) Result {
	kept := make([]transcription.Segment, 0, len(segments))
	texts := make([]string, 0, len(segments))
	var confSum float64

	for _, s := range segments {
		if IsBranding(s.Text) || isTailNoise(s, totalDuration) {
			continue
		}
		kept = append(kept, s)
		texts = append(texts, strings.TrimSpace(s.Text))
		confSum += s.Confidence()
	}

	res := Result{
		Segments: kept,
		Text:     strings.TrimSpace(strings.Join(texts, " ")),
		Removed:  len(segments) - len(kept),
	}
	if len(kept) > 0 {
		res.Confidence = confSum / float64(len(kept))
	}
	return res
}

// PunctuationRatio is punctuation marks per word of text. Quotes and
// apostrophes count as marks.
func PunctuationRatio(text string) float64 {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	var punct int
	for _, r := range text {
		switch r {
		case '.', ',', '!', '?', ';', ':', '\'', '"':
			punct++
		}
	}
	return float64(punct) / float64(words)
}

// SelectText picks the provider's own full text when it is well punctuated
// and nothing was removed, the cleaned text otherwise.
func SelectText(providerText string, res Result) string {
	p := strings.TrimSpace(providerText)
	if p != "" && res.Removed == 0 && PunctuationRatio(p) > 0.03 {
		return p
	}
	return res.Text
}
