// Package audio probes local media files for what the pipeline needs to know
// before recognition.
package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/youpy/go-wav"
)

// WAVDuration reads the duration in seconds from a RIFF/WAVE header.
func WAVDuration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("wav duration: %w", err)
	}
	defer f.Close()

	r := wav.NewReader(f)
	if _, err := r.Format(); err != nil {
		return 0, fmt.Errorf("wav duration: reading format: %w", err)
	}
	d, err := r.Duration()
	if err != nil {
		return 0, fmt.Errorf("wav duration: %w", err)
	}
	return d.Seconds(), nil
}

// Duration returns the duration of the file when its container can be read
// locally, nil otherwise. The recognition provider reports the duration of
// everything else.
func Duration(path, mimeType string) *float64 {
	if !isWAV(path, mimeType) {
		return nil
	}
	d, err := WAVDuration(path)
	if err != nil || d <= 0 {
		return nil
	}
	return &d
}

func isWAV(path, mimeType string) bool {
	switch strings.ToLower(mimeType) {
	case "audio/wav", "audio/wave", "audio/x-wav":
		return true
	}
	return strings.EqualFold(filepath.Ext(path), ".wav")
}
