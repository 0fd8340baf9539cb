package translation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"voxscribe/failure"
	"voxscribe/transcription"
)

// TimestampEpsilon is the largest accepted drift between a provider's echoed
// timestamps and the source segment, in seconds.
const TimestampEpsilon = 1e-3

type providerSegment struct {
	ID        *int     `json:"id"`
	Text      string   `json:"text"`
	StartTime *float64 `json:"startTime"`
	EndTime   *float64 `json:"endTime"`
	Notes     string   `json:"translation_notes"`
}

// decodeResponse accepts a bare array or an object wrapping it under
// "segments" or "translations".
func decodeResponse(raw []byte) ([]providerSegment, error) {
	body := bytes.TrimSpace(stripFences(raw))
	if len(body) == 0 {
		return nil, fmt.Errorf("empty response")
	}
	if body[0] == '[' {
		var out []providerSegment
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("decoding segment array: %w", err)
		}
		return out, nil
	}
	var wrapper struct {
		Segments     []providerSegment `json:"segments"`
		Translations []providerSegment `json:"translations"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("decoding segment object: %w", err)
	}
	if wrapper.Segments != nil {
		return wrapper.Segments, nil
	}
	if wrapper.Translations != nil {
		return wrapper.Translations, nil
	}
	return nil, fmt.Errorf("response holds no segment list")
}

func stripFences(raw []byte) []byte {
	s := strings.TrimSpace(string(raw))
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return []byte(s)
}

// validate checks the provider output against the source batch and builds
// the enriched segments in source order.
func validate(source []transcription.Segment, raw []byte) ([]Segment, error) {
	got, err := decodeResponse(raw)
	if err != nil {
		return nil, failure.TranslationValidation("validate", "malformed provider response", err)
	}

	byID := make(map[int]providerSegment, len(got))
	for _, g := range got {
		if g.ID == nil {
			return nil, failure.TranslationValidation("validate", "response entry without id", nil)
		}
		if _, dup := byID[*g.ID]; dup {
			return nil, failure.TranslationValidation("validate", fmt.Sprintf("duplicate segment id %d", *g.ID), nil)
		}
		byID[*g.ID] = g
	}

	out := make([]Segment, 0, len(source))
	for _, src := range source {
		g, ok := byID[src.ID]
		if !ok {
			return nil, failure.TranslationValidation("validate", fmt.Sprintf("segment id %d missing from response", src.ID), nil)
		}
		delete(byID, src.ID)

		text := strings.TrimSpace(g.Text)
		if text == "" {
			return nil, failure.TranslationValidation("validate", fmt.Sprintf("segment %d: empty translation", src.ID), nil)
		}
		if g.StartTime == nil || g.EndTime == nil {
			return nil, failure.TranslationValidation("validate", fmt.Sprintf("segment %d: missing timestamps", src.ID), nil)
		}
		if math.Abs(*g.StartTime-src.Start) > TimestampEpsilon {
			return nil, failure.TranslationValidation("validate",
				fmt.Sprintf("segment %d: startTime %.3f does not match %.3f", src.ID, *g.StartTime, src.Start), nil)
		}
		if math.Abs(*g.EndTime-src.End) > TimestampEpsilon {
			return nil, failure.TranslationValidation("validate",
				fmt.Sprintf("segment %d: endTime %.3f does not match %.3f", src.ID, *g.EndTime, src.End), nil)
		}

		out = append(out, Segment{
			ID:           src.ID,
			Text:         text,
			OriginalText: src.Text,
			Start:        src.Start,
			End:          src.End,
			Duration:     src.Duration(),
			Words:        src.Words,
			LengthRatio:  lengthRatio(text, src.Text),
			Notes:        g.Notes,
		})
	}
	if len(byID) > 0 {
		return nil, failure.TranslationValidation("validate", fmt.Sprintf("%d unexpected segment ids in response", len(byID)), nil)
	}
	return out, nil
}
