package openai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"

	"voxscribe/failure"
	"voxscribe/transcription"
)

type (
	// Whisper is a transcription.Recognizer over /audio/transcriptions.
	Whisper struct {
		c     *Client
		model string
	}

	verboseTranscript struct {
		Text     string  `json:"text"`
		Language string  `json:"language"`
		Duration float64 `json:"duration"`
		Segments []struct {
			ID         int      `json:"id"`
			Start      float64  `json:"start"`
			End        float64  `json:"end"`
			Text       string   `json:"text"`
			AvgLogProb *float64 `json:"avg_logprob"`
		} `json:"segments"`
		Words []struct {
			Word  string  `json:"word"`
			Start float64 `json:"start"`
			End   float64 `json:"end"`
		} `json:"words"`
	}
)

var _ transcription.Recognizer = (*Whisper)(nil)

func NewWhisper(c *Client, model string) *Whisper {
	if model == "" {
		model = "whisper-1"
	}
	return &Whisper{c: c, model: model}
}

func (w *Whisper) Model() string { return w.model }

// Recognize uploads the file as verbose_json with segment and word timing.
func (w *Whisper) Recognize(ctx context.Context, req transcription.RecognizeRequest) (transcription.Recognition, error) {
	if req.Size > transcription.MaxRecognitionBytes {
		return transcription.Recognition{}, failure.TranscriptionProvider("recognize",
			fmt.Sprintf("file of %d bytes is over the provider ceiling", req.Size), nil)
	}
	f, err := os.Open(req.Path)
	if err != nil {
		return transcription.Recognition{}, failure.TranscriptionProvider("recognize", "opening audio", err)
	}
	defer f.Close()

	body, contentType, err := w.form(f, req)
	if err != nil {
		return transcription.Recognition{}, failure.TranscriptionProvider("recognize", "building form", err)
	}

	var vt verboseTranscript
	if err := w.c.do(ctx, "/audio/transcriptions", contentType, body, &vt); err != nil {
		return transcription.Recognition{}, failure.TranscriptionProvider("recognize", w.model, err)
	}

	rec := transcription.Recognition{
		Text:     strings.TrimSpace(vt.Text),
		Language: LanguageCode(vt.Language),
		Duration: vt.Duration,
		Segments: make([]transcription.Segment, 0, len(vt.Segments)),
	}
	for _, s := range vt.Segments {
		rec.Segments = append(rec.Segments, transcription.Segment{
			ID:         s.ID,
			Text:       strings.TrimSpace(s.Text),
			Start:      s.Start,
			End:        s.End,
			AvgLogProb: s.AvgLogProb,
		})
	}
	for _, wd := range vt.Words {
		rec.Words = append(rec.Words, transcription.Word{Word: wd.Word, Start: wd.Start, End: wd.End})
	}
	rec.AttachWords()
	return rec, nil
}

func (w *Whisper) form(f io.Reader, req transcription.RecognizeRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"model", w.model},
		{"response_format", "verbose_json"},
		{"timestamp_granularities[]", "segment"},
		{"timestamp_granularities[]", "word"},
	}
	if req.LanguageHint != "" {
		fields = append(fields, [2]string{"language", req.LanguageHint})
	}
	if req.Prompt != "" {
		fields = append(fields, [2]string{"prompt", req.Prompt})
	}
	for _, kv := range fields {
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return nil, "", err
		}
	}

	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(req.Path)))
	h.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

var languageCodes = map[string]string{
	"english":    "en",
	"french":     "fr",
	"spanish":    "es",
	"german":     "de",
	"italian":    "it",
	"portuguese": "pt",
	"dutch":      "nl",
	"polish":     "pl",
	"russian":    "ru",
	"japanese":   "ja",
	"korean":     "ko",
	"chinese":    "zh",
	"arabic":     "ar",
	"hindi":      "hi",
	"turkish":    "tr",
	"swedish":    "sv",
	"danish":     "da",
	"norwegian":  "no",
	"finnish":    "fi",
}

// LanguageCode maps Whisper's language names to ISO codes, passing through
// anything unknown.
func LanguageCode(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if c, ok := languageCodes[n]; ok {
		return c
	}
	return n
}
