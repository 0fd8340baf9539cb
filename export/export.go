// Package export renders transcriptions and translation projects as plain
// text, JSON, SRT, WebVTT and a dubbing-oriented JSON document.
package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	"voxscribe/transcription"
	"voxscribe/translation"
)

type Format string

const (
	FormatText        Format = "txt"
	FormatJSON        Format = "json"
	FormatSRT         Format = "srt"
	FormatVTT         Format = "vtt"
	FormatDubbingJSON Format = "dubbing_json"
)

var ErrNoText = errors.New("nothing to export")

type (
	Cue struct {
		ID         int                  `json:"id"`
		Start      float64              `json:"start"`
		End        float64              `json:"end"`
		Text       string               `json:"text"`
		Words      []transcription.Word `json:"words"`
		Confidence float64              `json:"confidence"`
	}

	// Document is what every format is rendered from.
	Document struct {
		ID       string         `json:"id"`
		Language string         `json:"language"`
		Text     string         `json:"text,omitempty"`
		Cues     []Cue          `json:"segments"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatText, FormatJSON, FormatSRT, FormatVTT, FormatDubbingJSON:
		return f, nil
	case "text":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown export format %q", s)
	}
}

func (f Format) ContentType() string {
	switch f {
	case FormatJSON, FormatDubbingJSON:
		return "application/json"
	case FormatSRT:
		return "application/x-subrip"
	case FormatVTT:
		return "text/vtt"
	default:
		return "text/plain; charset=utf-8"
	}
}

func (f Format) Extension() string {
	if f == FormatDubbingJSON {
		return "json"
	}
	return string(f)
}

// FromTranscription builds a document from a completed transcription.
func FromTranscription(t *transcription.Transcription) (Document, error) {
	text := t.Text()
	if t.Status() != transcription.StatusCompleted || text == nil {
		return Document{}, fmt.Errorf("transcription %s is %s: %w", t.ID(), t.Status(), ErrNoText)
	}
	lang := t.Language().Code
	if detected, ok := t.Metadata()["detected_language"].(string); ok && detected != "" && lang == transcription.AutoDetect.Code {
		lang = detected
	}
	cues := make([]Cue, len(text.Segments))
	for i, s := range text.Segments {
		conf := 1.0
		if s.AvgLogProb != nil {
			conf = s.Confidence()
		}
		cues[i] = Cue{ID: s.ID, Start: s.Start, End: s.End, Text: strings.TrimSpace(s.Text), Words: s.Words, Confidence: conf}
	}
	return Document{
		ID:       t.ID(),
		Language: lang,
		Text:     text.Text,
		Cues:     cues,
		Metadata: t.Metadata(),
	}, nil
}

// FromProject builds a document from the active version of a project.
func FromProject(p *translation.Project) (Document, error) {
	segs := p.Segments()
	if p.Version() == 0 || len(segs) == 0 {
		return Document{}, fmt.Errorf("project %s has no translation: %w", p.ID(), ErrNoText)
	}
	cues := make([]Cue, len(segs))
	for i, s := range segs {
		cues[i] = Cue{ID: s.ID, Start: s.Start, End: s.End, Text: strings.TrimSpace(s.Text), Words: s.Words, Confidence: 1}
	}
	md := map[string]any{
		"provider": p.Provider(),
		"version":  p.Version(),
	}
	if q := p.QualityScore(); q != nil {
		md["quality_score"] = *q
	}
	return Document{ID: p.ID(), Language: p.TargetLanguage(), Cues: cues, Metadata: md}, nil
}

func Write(w io.Writer, doc Document, f Format) error {
	switch f {
	case FormatText:
		return writeText(w, doc)
	case FormatJSON:
		return writeJSON(w, doc)
	case FormatSRT:
		return writeCues(w, doc, "", ',', true)
	case FormatVTT:
		return writeCues(w, doc, "WEBVTT\n\n", '.', false)
	case FormatDubbingJSON:
		return writeJSON(w, dubbing{
			Version:  "1.0",
			ID:       doc.ID,
			Language: doc.Language,
			Segments: withWords(doc.Cues),
		})
	default:
		return fmt.Errorf("unknown export format %q", f)
	}
}

type dubbing struct {
	Version  string `json:"version"`
	ID       string `json:"id"`
	Language string `json:"language"`
	Segments []Cue  `json:"segments"`
}

// withWords replaces nil word lists so they render as [].
func withWords(cues []Cue) []Cue {
	out := make([]Cue, len(cues))
	for i, c := range cues {
		if c.Words == nil {
			c.Words = []transcription.Word{}
		}
		out[i] = c
	}
	return out
}

func writeText(w io.Writer, doc Document) error {
	text := doc.Text
	if text == "" {
		parts := make([]string, 0, len(doc.Cues))
		for _, c := range doc.Cues {
			parts = append(parts, c.Text)
		}
		text = strings.Join(parts, " ")
	}
	_, err := io.WriteString(w, strings.TrimSpace(text)+"\n")
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func writeCues(w io.Writer, doc Document, header string, msSep byte, numbered bool) error {
	var sb strings.Builder
	sb.WriteString(header)
	for i, c := range doc.Cues {
		if numbered {
			fmt.Fprintf(&sb, "%d\n", i+1)
		}
		sb.WriteString(Timestamp(c.Start, msSep))
		sb.WriteString(" --> ")
		sb.WriteString(Timestamp(c.End, msSep))
		sb.WriteByte('\n')
		sb.WriteString(c.Text)
		sb.WriteString("\n\n")
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// Timestamp formats seconds as HH:MM:SS followed by sep and milliseconds,
// rounded to the nearest millisecond.
func Timestamp(seconds float64, sep byte) string {
	if seconds < 0 {
		seconds = 0
	}
	ms := decimal.NewFromFloat(seconds).Mul(decimal.NewFromInt(1000)).Round(0).IntPart()
	h := ms / 3_600_000
	m := ms / 60_000 % 60
	s := ms / 1000 % 60
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms%1000)
}
