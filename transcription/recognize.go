package transcription

import (
	"context"
	"math"
)

type (
	// Recognizer is the speech-recognition provider boundary.
	Recognizer interface {
		Recognize(ctx context.Context, req RecognizeRequest) (Recognition, error)
		Model() string
	}

	RecognizeRequest struct {
		Path         string
		Size         int64
		MimeType     string
		LanguageHint string
		Prompt       string
	}

	// Recognition is the raw provider output before quality filtering.
	Recognition struct {
		Text     string
		Language string
		Duration float64
		Segments []Segment
		Words    []Word
	}
)

// ConfidenceFromLogProb is exp(avg_logprob), or 0 when the value is at or below -10.
func ConfidenceFromLogProb(lp float64) float64 {
	if lp > -10 {
		return math.Exp(lp)
	}
	return 0
}

// HasWordTimestamps reports whether the provider returned word-level timing.
func (r Recognition) HasWordTimestamps() bool {
	if len(r.Words) > 0 {
		return true
	}
	for _, s := range r.Segments {
		if len(s.Words) > 0 {
			return true
		}
	}
	return false
}

// WordCount prefers the provider's word list, falling back to the text.
func (r Recognition) WordCount() int {
	if len(r.Words) > 0 {
		return len(r.Words)
	}
	return TranscribedText{Text: r.Text}.WordCount()
}

// AttachWords distributes a flat word list onto the segments whose time span
// contains each word's start. Segments that already carry words are left alone.
func (r *Recognition) AttachWords() {
	if len(r.Words) == 0 {
		return
	}
	i := 0
	for si := range r.Segments {
		s := &r.Segments[si]
		if len(s.Words) > 0 {
			continue
		}
		for i < len(r.Words) && r.Words[i].Start < s.Start {
			i++
		}
		for i < len(r.Words) && r.Words[i].Start < s.End {
			s.Words = append(s.Words, r.Words[i])
			i++
		}
	}
}
