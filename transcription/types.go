package transcription

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// MaxRecognitionBytes is the recognition provider's hard per-file input ceiling.
const MaxRecognitionBytes int64 = 25 * 1024 * 1024

type (
	Origin string

	Status string

	// AudioSource describes where the audio of a transcription comes from and
	// what the acquisition pipeline learned about it.
	AudioSource struct {
		Origin           Origin   `json:"origin"`
		Path             string   `json:"path"`
		OriginalName     string   `json:"original_name,omitempty"`
		RemoteID         string   `json:"remote_id,omitempty"`
		RemoteURL        string   `json:"remote_url,omitempty"`
		MimeType         string   `json:"mime_type"`
		Size             int64    `json:"size"`
		Duration         *float64 `json:"duration,omitempty"`
		PreprocessedPath string   `json:"preprocessed_path,omitempty"`
	}

	Language struct {
		Code    string `json:"code"`
		Name    string `json:"name"`
		Complex bool   `json:"complex"`
	}

	Word struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	}

	Segment struct {
		ID         int      `json:"id"`
		Text       string   `json:"text"`
		Start      float64  `json:"start"`
		End        float64  `json:"end"`
		Words      []Word   `json:"words,omitempty"`
		AvgLogProb *float64 `json:"avg_logprob,omitempty"`
	}

	TranscribedText struct {
		Text     string    `json:"text"`
		Segments []Segment `json:"segments"`
		Duration float64   `json:"duration"`
	}

	// Metadata is the free-form bag stored next to a completed transcription
	// (model name, detected language, speech rate, word count, confidence).
	Metadata map[string]any
)

const (
	OriginLocal       Origin = "local"
	OriginRemoteVideo Origin = "remote-video"
)

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var allowedMimeTypes = map[string]bool{
	"audio/mpeg":   true,
	"audio/mp3":    true,
	"audio/mp4":    true,
	"video/mp4":    true,
	"audio/m4a":    true,
	"audio/x-m4a":  true,
	"audio/wav":    true,
	"audio/wave":   true,
	"audio/x-wav":  true,
	"audio/flac":   true,
	"audio/x-flac": true,
	"audio/ogg":    true,
	"video/ogg":    true,
	"audio/webm":   true,
	"video/webm":   true,
	"audio/aac":    true,
	"audio/x-aac":  true,
}

var extensionMimeTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".mp4":  "video/mp4",
	".m4a":  "audio/mp4",
	".wav":  "audio/wav",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".webm": "video/webm",
	".aac":  "audio/aac",
}

// MimeTypeFromName guesses an allow-listed mime type from a file name.
func MimeTypeFromName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if mt, ok := extensionMimeTypes[ext]; ok {
		return mt
	}
	return mime.TypeByExtension(ext)
}

// IsAllowedMimeType reports whether mt (parameters ignored) is an accepted audio/video type.
func IsAllowedMimeType(mt string) bool {
	base, _, err := mime.ParseMediaType(mt)
	if err != nil {
		return false
	}
	return allowedMimeTypes[base]
}

// Validate checks the mime allow-list and, for local sources, the byte size.
// Remote sources only learn their size once downloaded.
func (a AudioSource) Validate() error {
	switch a.Origin {
	case OriginLocal:
		if strings.TrimSpace(a.Path) == "" {
			return fmt.Errorf("audio source: empty path")
		}
		if a.Size <= 0 {
			return fmt.Errorf("audio source: size must be positive, got %d", a.Size)
		}
	case OriginRemoteVideo:
		if strings.TrimSpace(a.RemoteURL) == "" {
			return fmt.Errorf("audio source: empty remote url")
		}
		if a.Size < 0 {
			return fmt.Errorf("audio source: negative size %d", a.Size)
		}
	default:
		return fmt.Errorf("audio source: unknown origin %q", a.Origin)
	}
	if !IsAllowedMimeType(a.MimeType) {
		return fmt.Errorf("audio source: unsupported mime type %q", a.MimeType)
	}
	return nil
}

// NeedsCompression reports whether the source is over the provider ceiling.
func (a AudioSource) NeedsCompression() bool {
	return a.Size > MaxRecognitionBytes
}

// ReadyForRecognition is false while an oversized source has no compressed copy.
func (a AudioSource) ReadyForRecognition() bool {
	if a.Path == "" && a.PreprocessedPath == "" {
		return false
	}
	return !a.NeedsCompression() || a.PreprocessedPath != ""
}

// RecognitionPath is the file handed to the recognition provider.
func (a AudioSource) RecognitionPath() string {
	if a.PreprocessedPath != "" {
		return a.PreprocessedPath
	}
	return a.Path
}

var languages = map[string]Language{
	"fr": {Code: "fr", Name: "Français"},
	"en": {Code: "en", Name: "English"},
	"es": {Code: "es", Name: "Español"},
	"de": {Code: "de", Name: "Deutsch"},
	"it": {Code: "it", Name: "Italiano"},
	"pt": {Code: "pt", Name: "Português"},
	"nl": {Code: "nl", Name: "Nederlands"},
	"pl": {Code: "pl", Name: "Polski"},
	"ru": {Code: "ru", Name: "Русский", Complex: true},
	"ja": {Code: "ja", Name: "日本語", Complex: true},
	"ko": {Code: "ko", Name: "한국어", Complex: true},
	"zh": {Code: "zh", Name: "中文", Complex: true},
	"ar": {Code: "ar", Name: "العربية", Complex: true},
	"hi": {Code: "hi", Name: "हिन्दी", Complex: true},
	"tr": {Code: "tr", Name: "Türkçe"},
	"sv": {Code: "sv", Name: "Svenska"},
	"da": {Code: "da", Name: "Dansk"},
	"no": {Code: "no", Name: "Norsk"},
	"fi": {Code: "fi", Name: "Suomi"},
}

// AutoDetect lets the recognition provider pick the language.
var AutoDetect = Language{Code: "auto", Name: "Auto-detect"}

// ParseLanguage normalizes code and looks it up in the supported table.
func ParseLanguage(code string) (Language, error) {
	c := strings.ToLower(strings.TrimSpace(code))
	if c == "" || c == AutoDetect.Code {
		return AutoDetect, nil
	}
	l, ok := languages[c]
	if !ok {
		return Language{}, fmt.Errorf("unsupported language code %q", code)
	}
	return l, nil
}

// Hint is the language passed to the provider, empty for auto-detect.
func (l Language) Hint() string {
	if l.Code == AutoDetect.Code {
		return ""
	}
	return l.Code
}

func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// Confidence maps the provider log-probability to 0..1; a missing or
// degenerate value yields 0.
func (s Segment) Confidence() float64 {
	if s.AvgLogProb == nil {
		return 0
	}
	return ConfidenceFromLogProb(*s.AvgLogProb)
}

// WordCount counts words text-wise, preferring word timestamps when present.
func (s Segment) WordCount() int {
	if len(s.Words) > 0 {
		return len(s.Words)
	}
	return len(strings.Fields(s.Text))
}

// Validate enforces end > start.
func (s Segment) Validate() error {
	if s.End <= s.Start {
		return fmt.Errorf("segment %d: end %.3f must be after start %.3f", s.ID, s.End, s.Start)
	}
	return nil
}

func (t TranscribedText) WordCount() int {
	return len(strings.Fields(t.Text))
}

// HasWordTimestamps reports whether any segment carries per-word timing.
func (t TranscribedText) HasWordTimestamps() bool {
	for _, s := range t.Segments {
		if len(s.Words) > 0 {
			return true
		}
	}
	return false
}
