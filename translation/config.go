package translation

import (
	"fmt"
	"slices"
	"strings"
)

type Style string

const (
	StyleNatural  Style = "natural"
	StyleLiteral  Style = "literal"
	StyleCreative Style = "creative"
)

// Config steers one translation request. The string sets are kept sorted
// and deduplicated so equal configs serialize identically.
type Config struct {
	PreserveTimestamps   bool     `json:"preserve_timestamps"`
	StrictTiming         bool     `json:"strict_timing"`
	EmotionalContext     []string `json:"emotional_context"`
	CharacterNames       []string `json:"character_names"`
	TechnicalTerms       []string `json:"technical_terms"`
	ContentType          string   `json:"content_type"`
	AdaptLength          bool     `json:"adapt_length_for_dubbing"`
	MaxDurationDeviation float64  `json:"max_duration_deviation"`
	Style                Style    `json:"translation_style"`
	EnableCache          bool     `json:"enable_cache"`
}

// DefaultConfig is natural dialogue with a 20% duration tolerance.
func DefaultConfig() Config {
	return Config{
		PreserveTimestamps:   true,
		ContentType:          "dialogue",
		AdaptLength:          true,
		MaxDurationDeviation: 0.2,
		Style:                StyleNatural,
		EnableCache:          true,
	}
}

// DubbingPreset tightens timing for dubbing into lang. French gets a 15%
// tolerance.
func DubbingPreset(lang string) Config {
	c := DefaultConfig()
	c.StrictTiming = true
	if lang == "fr" {
		c.MaxDurationDeviation = 0.15
	}
	return c
}

// TechnicalPreset favours precision over timing.
func TechnicalPreset(terms []string) Config {
	c := DefaultConfig()
	c.TechnicalTerms = terms
	c.Style = StyleLiteral
	c.ContentType = "technical"
	return c.Normalize()
}

func EmotionalPreset(emotions, characters []string) Config {
	c := DefaultConfig()
	c.EmotionalContext = emotions
	c.CharacterNames = characters
	c.Style = StyleCreative
	c.StrictTiming = true
	return c.Normalize()
}

// Normalize trims, deduplicates and sorts the string sets and fills empty
// enum fields with defaults.
func (c Config) Normalize() Config {
	c.EmotionalContext = normalizeSet(c.EmotionalContext)
	c.CharacterNames = normalizeSet(c.CharacterNames)
	c.TechnicalTerms = normalizeSet(c.TechnicalTerms)
	if c.Style == "" {
		c.Style = StyleNatural
	}
	if c.ContentType == "" {
		c.ContentType = "dialogue"
	}
	return c
}

func (c Config) Validate() error {
	if c.MaxDurationDeviation < 0 || c.MaxDurationDeviation > 1 {
		return fmt.Errorf("max duration deviation %.2f outside 0..1", c.MaxDurationDeviation)
	}
	switch c.Style {
	case StyleNatural, StyleLiteral, StyleCreative, "":
	default:
		return fmt.Errorf("unknown translation style %q", c.Style)
	}
	return nil
}

func normalizeSet(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
