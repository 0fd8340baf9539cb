// Package config reads runtime settings from the environment, after loading
// any .env files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	DBPath   string
	CacheDir string
	TempDir  string
	HTTPAddr string

	OpenAIKey     string
	OpenAIBaseURL string
	WhisperModel  string
	ChatModel     string

	// Recognizer is "openai" or "whisperx".
	Recognizer   string
	WhisperXBin  string
	WhisperXSize string
	FFmpegBin    string

	// TranslationProvider is "openai" or "ollama".
	TranslationProvider string
	OllamaHost          string
	OllamaModel         string

	LoaderAPIURL      string
	LoaderProgressURL string
	LoaderAPIKey      string

	RabbitMQURL       string
	MaxWorkers        int
	SchedulerInterval time.Duration
	CacheTTL          time.Duration
	Retention         time.Duration

	InboxDir      string
	InboxLanguage string

	LogLevel  string
	LogFormat string
}

// Load reads the given .env files (default ".env"), ignoring missing ones,
// and then the environment. Variables already set win over file values.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("loading %s: %w", f, err)
		}
	}

	var errs []string
	e := env{errs: &errs}
	c := Config{
		DBPath:   e.str("VOXSCRIBE_DB", "voxscribe.db"),
		CacheDir: e.str("CACHE_DIR", "cache"),
		TempDir:  e.str("TEMP_DIR", filepath.Join(os.TempDir(), "voxscribe")),
		HTTPAddr: e.str("HTTP_ADDR", ":8121"),

		OpenAIKey:     e.str("OPENAI_API_KEY", ""),
		OpenAIBaseURL: e.str("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		WhisperModel:  e.str("WHISPER_MODEL", "whisper-1"),
		ChatModel:     e.str("CHAT_MODEL", "gpt-4o-mini"),

		Recognizer:   strings.ToLower(e.str("RECOGNIZER", "openai")),
		WhisperXBin:  e.str("WHISPERX_BIN", "whisperx"),
		WhisperXSize: e.str("WHISPERX_MODEL", ""),
		FFmpegBin:    e.str("FFMPEG_BIN", "ffmpeg"),

		TranslationProvider: strings.ToLower(e.str("TRANSLATION_PROVIDER", "openai")),
		OllamaHost:          e.str("OLLAMA_HOST", "http://localhost:11434"),
		OllamaModel:         e.str("OLLAMA_MODEL", "llama3.1"),

		LoaderAPIURL:      e.str("VIDEO_DOWNLOAD_API_URL", "https://loader.to/ajax/download.php"),
		LoaderProgressURL: e.str("VIDEO_DOWNLOAD_PROGRESS_URL", "https://p.oceansaver.in/ajax/progress.php"),
		LoaderAPIKey:      e.str("VIDEO_DOWNLOAD_API_KEY", ""),

		RabbitMQURL:       e.str("RABBITMQ_URL", ""),
		MaxWorkers:        e.int("MAX_CONCURRENT_WORKERS", 3),
		SchedulerInterval: e.duration("SCHEDULER_INTERVAL", 5*time.Second),
		CacheTTL:          e.duration("TRANSLATION_CACHE_TTL", time.Hour),
		Retention:         e.duration("AUDIO_RETENTION", 48*time.Hour),

		InboxDir:      e.str("INBOX_DIR", ""),
		InboxLanguage: e.str("INBOX_LANGUAGE", "auto"),

		LogLevel:  e.str("LOG_LEVEL", "info"),
		LogFormat: e.str("LOG_FORMAT", "text"),
	}

	switch c.Recognizer {
	case "openai", "whisperx":
	default:
		errs = append(errs, fmt.Sprintf("RECOGNIZER: unknown recognizer %q", c.Recognizer))
	}
	switch c.TranslationProvider {
	case "openai", "ollama":
	default:
		errs = append(errs, fmt.Sprintf("TRANSLATION_PROVIDER: unknown provider %q", c.TranslationProvider))
	}
	if c.MaxWorkers < 1 {
		errs = append(errs, "MAX_CONCURRENT_WORKERS: must be at least 1")
	}
	if c.SchedulerInterval <= 0 {
		errs = append(errs, "SCHEDULER_INTERVAL: must be positive")
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return c, nil
}

// NeedsOpenAI reports whether any configured provider calls the OpenAI API.
func (c Config) NeedsOpenAI() bool {
	return c.Recognizer == "openai" || c.TranslationProvider == "openai"
}

// UploadDir holds user uploads. They back retries and are never swept.
func (c Config) UploadDir() string { return filepath.Join(c.TempDir, "uploads") }

// CompressedDir holds ffmpeg output. It is the only directory the sweeper
// clears.
func (c Config) CompressedDir() string { return filepath.Join(c.TempDir, "compressed") }

// ConfigureLogging applies LOG_LEVEL and LOG_FORMAT to the standard logrus
// logger.
func (c Config) ConfigureLogging() error {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	logrus.SetLevel(lvl)
	if strings.EqualFold(c.LogFormat, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

type env struct {
	errs *[]string
}

func (e env) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (e env) int(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return n
}

// duration accepts Go durations ("90s") or a bare number of seconds.
func (e env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return d
}
