package translation

import (
	"fmt"
	"strconv"
	"strings"

	"voxscribe/transcription"
)

var languageNames = map[string]string{
	"fr": "French",
	"en": "English",
	"es": "Spanish",
	"de": "German",
	"it": "Italian",
	"pt": "Portuguese",
	"nl": "Dutch",
	"pl": "Polish",
	"ru": "Russian",
	"ja": "Japanese",
	"ko": "Korean",
	"zh": "Chinese",
	"ar": "Arabic",
	"hi": "Hindi",
	"tr": "Turkish",
	"sv": "Swedish",
	"da": "Danish",
	"no": "Norwegian",
	"fi": "Finnish",
}

// LanguageName is the English name of a language code, or the code itself.
func LanguageName(code string) string {
	if n, ok := languageNames[code]; ok {
		return n
	}
	return code
}

// Instructions builds the instruction block sent ahead of the segments.
func Instructions(target string, cfg Config) string {
	name := LanguageName(target)

	var b strings.Builder
	fmt.Fprintf(&b, `You are an expert translator specializing in dubbing and voice-over work for films, TV shows, and multimedia content.

CRITICAL MISSION: Translate the audio segments to %s while preserving perfect synchronization for dubbing.

CORE REQUIREMENTS:
1. PRESERVE EXACT TIMESTAMPS: Keep all startTime and endTime values unchanged
2. MAINTAIN NATURAL FLOW: Ensure translations sound natural when spoken aloud
3. ADAPT LENGTH: Adjust translation length so it can be spoken within the original duration
4. PRESERVE EMOTION: Maintain emotional tone and intensity of the original

SPECIFIC INSTRUCTIONS:`, name)

	fmt.Fprintf(&b, "\n- CONTENT TYPE: %s", cfg.ContentType)
	switch cfg.Style {
	case StyleLiteral:
		b.WriteString("\n- STYLE: Stay close to the source wording; precision over fluency")
	case StyleCreative:
		b.WriteString("\n- STYLE: Free adaptation is allowed when it carries the intent better")
	default:
		b.WriteString("\n- STYLE: Natural, idiomatic spoken language")
	}
	if cfg.StrictTiming {
		b.WriteString("\n- STRICT TIMING: Prioritize fitting exact duration over literal accuracy")
		b.WriteString("\n- For segments <1s: Use very short translations (1-2 words max)")
		b.WriteString("\n- For segments >5s: Can use more elaborate expressions")
	}
	if cfg.AdaptLength && cfg.MaxDurationDeviation > 0 {
		fmt.Fprintf(&b, "\n- Spoken length may deviate at most %d%% from the original duration", int(cfg.MaxDurationDeviation*100+0.5))
	}
	if len(cfg.EmotionalContext) > 0 {
		fmt.Fprintf(&b, "\n- EMOTIONAL CONTEXT: The content contains these emotions: %s", strings.Join(cfg.EmotionalContext, ", "))
		fmt.Fprintf(&b, "\n- Preserve and enhance emotional expression in %s", name)
	}
	if len(cfg.CharacterNames) > 0 {
		fmt.Fprintf(&b, "\n- CHARACTER NAMES: Keep these names unchanged: %s", strings.Join(cfg.CharacterNames, ", "))
	}
	if len(cfg.TechnicalTerms) > 0 {
		fmt.Fprintf(&b, "\n- TECHNICAL TERMS: Keep these glossary terms unchanged: %s", strings.Join(cfg.TechnicalTerms, ", "))
	}

	fmt.Fprintf(&b, `

OUTPUT FORMAT (JSON):
Return a JSON object with a "segments" array holding one entry per input segment:
{"segments": [
    {
        "id": segment_id_number,
        "text": "translated_text_in_%s",
        "startTime": original_start_time_unchanged,
        "endTime": original_end_time_unchanged,
        "translation_notes": "brief_adaptation_explanation"
    }
]}`, target)

	return b.String()
}

// FormatSegments renders the batch with per-segment duration and word count.
func FormatSegments(segs []transcription.Segment) string {
	var b strings.Builder
	b.WriteString("SEGMENTS TO TRANSLATE:\n\n")
	for _, s := range segs {
		fmt.Fprintf(&b, "Segment %d:\n", s.ID)
		fmt.Fprintf(&b, "Text: %q\n", s.Text)
		fmt.Fprintf(&b, "Duration: %.2fs (%d words)\n", s.Duration(), s.WordCount())
		fmt.Fprintf(&b, "Timing: %ss → %ss\n", seconds(s.Start), seconds(s.End))
		if len(s.Words) > 0 {
			b.WriteString("Word-level timing available for dubbing sync\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// MaxTokens sizes the completion budget: 500 plus half a token per source
// character, doubled, capped at 4000.
func MaxTokens(segs []transcription.Segment) int {
	n := 500
	for _, s := range segs {
		n += len(s.Text) / 2
	}
	return min(n*2, 4000)
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
