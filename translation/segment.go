package translation

import (
	"unicode/utf8"

	"voxscribe/transcription"
)

// Segment is one translated span. Start and End are copied from the source
// segment, never taken from the provider.
type Segment struct {
	ID           int                  `json:"id"`
	Text         string               `json:"text"`
	OriginalText string               `json:"original_text"`
	Start        float64              `json:"start_time"`
	End          float64              `json:"end_time"`
	Duration     float64              `json:"duration"`
	Words        []transcription.Word `json:"words,omitempty"`
	LengthRatio  float64              `json:"length_ratio"`
	Notes        string               `json:"translation_notes,omitempty"`
}

// lengthRatio compares rune counts of translated and original text.
func lengthRatio(translated, original string) float64 {
	n := utf8.RuneCountInString(original)
	if n == 0 {
		return 0
	}
	return float64(utf8.RuneCountInString(translated)) / float64(n)
}
