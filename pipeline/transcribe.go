package pipeline

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"voxscribe/failure"
	"voxscribe/quality"
	"voxscribe/transcription"
)

const (
	dubbingPrompt = "Please provide an accurate transcription with proper punctuation, natural sentence structure, " +
		"and clear paragraph breaks. Use periods, commas, question marks, and exclamation points appropriately. " +
		"Include apostrophes in contractions (like j'ai, d'accord, c'est). " +
		"Maintain conversational flow and natural speech rhythm for professional dubbing."
	multiSpeakerPrompt = " This video may contain multiple speakers - preserve dialogue structure and speaker changes."
)

// Transcriber runs one transcription from Pending to a terminal status.
type Transcriber struct {
	repo       TranscriptionRepository
	acquirer   Acquirer
	recognizer transcription.Recognizer
	notifier   Notifier
}

func NewTranscriber(repo TranscriptionRepository, a Acquirer, r transcription.Recognizer, n Notifier) *Transcriber {
	if n == nil {
		n = discard{}
	}
	return &Transcriber{repo: repo, acquirer: a, recognizer: r, notifier: n}
}

// Process claims the transcription and drives it to Completed or Failed. A
// transcription another worker already claimed is skipped without error.
// Provider and acquisition errors are recorded on the transcription, not
// returned; invalid transitions are returned without touching storage.
func (p *Transcriber) Process(ctx context.Context, id string) error {
	l := log.WithField("transcription_id", id)

	t, err := p.repo.GetTranscription(ctx, id)
	if err != nil {
		return fmt.Errorf("process transcription: %w", err)
	}
	if err := t.StartProcessing(""); err != nil {
		return err
	}
	claimed, err := p.repo.ClaimTranscription(ctx, t)
	if err != nil {
		return fmt.Errorf("process transcription: %w", err)
	}
	if !claimed {
		l.Info("transcription no longer pending, skipping")
		return nil
	}
	publishTranscription(p.notifier, t)
	l.Info("transcription started")
	defer removeCompressed(l, t)

	text, md, runErr := p.run(ctx, t)
	if runErr != nil {
		if failure.IsInvalidState(runErr) {
			return runErr
		}
		kind := failure.KindOf(runErr)
		if err := t.Fail(runErr.Error(), string(kind), map[string]any{
			"origin":   string(t.Source().Origin),
			"language": t.Language().Code,
		}); err != nil {
			return err
		}
		l.WithError(runErr).WithField("code", kind).Warn("transcription failed")
	} else {
		if err := t.Complete(text, md); err != nil {
			return err
		}
	}

	// the outcome is persisted even when ctx was cancelled mid-run
	saved, err := p.repo.SaveTranscription(context.WithoutCancel(ctx), t, transcription.StatusProcessing)
	if err != nil {
		return fmt.Errorf("process transcription: %w", err)
	}
	if !saved {
		l.Info("transcription changed while processing, discarding result")
		return nil
	}
	publishTranscription(p.notifier, t)
	if runErr != nil {
		return nil
	}
	l.WithFields(logrus.Fields{"words": md["word_count"], "removed": md["removed_segments"]}).Info("transcription completed")
	return nil
}

func (p *Transcriber) run(ctx context.Context, t *transcription.Transcription) (transcription.TranscribedText, transcription.Metadata, error) {
	res, err := p.acquirer.Resolve(ctx, t)
	if err != nil {
		return transcription.TranscribedText{}, nil, err
	}

	src := t.Source()
	if !src.ReadyForRecognition() {
		return transcription.TranscribedText{}, nil, failure.Acquisition("recognize", "audio is not ready for recognition", nil)
	}
	path := src.RecognitionPath()
	size := src.Size
	mimeType := src.MimeType
	if res.Compressed {
		fi, err := os.Stat(path)
		if err != nil {
			return transcription.TranscribedText{}, nil, failure.Compression("recognize", "compressed audio unavailable", err)
		}
		size = fi.Size()
		mimeType = "audio/mpeg"
	}

	prompt := dubbingPrompt
	if t.IsRemote() {
		prompt += multiSpeakerPrompt
	}
	rec, err := p.recognizer.Recognize(ctx, transcription.RecognizeRequest{
		Path:         path,
		Size:         size,
		MimeType:     mimeType,
		LanguageHint: t.Language().Hint(),
		Prompt:       prompt,
	})
	if err != nil {
		if failure.KindOf(err) == failure.KindUnknown {
			err = failure.TranscriptionProvider("recognize", p.recognizer.Model(), err)
		}
		return transcription.TranscribedText{}, nil, err
	}

	duration := rec.Duration
	if duration <= 0 && src.Duration != nil {
		duration = *src.Duration
	}
	segs, invalid := validSegments(rec.Segments)
	cleaned := quality.Clean(segs, duration)
	cleaned.Removed += invalid
	text := transcription.TranscribedText{
		Text:     quality.SelectText(rec.Text, cleaned),
		Segments: cleaned.Segments,
		Duration: duration,
	}
	if text.Text == "" {
		return transcription.TranscribedText{}, nil, failure.TranscriptionProvider("recognize", "provider returned no usable text", nil)
	}

	words := text.WordCount()
	md := transcription.Metadata{
		"model":               p.recognizer.Model(),
		"detected_language":   rec.Language,
		"word_count":          words,
		"speech_rate":         speechRate(words, duration),
		"has_word_timestamps": rec.HasWordTimestamps(),
		"confidence_score":    math.Round(cleaned.Confidence*1000) / 1000,
		"removed_segments":    cleaned.Removed,
		"compressed":          res.Compressed,
	}
	if started := t.StartedAt(); started != nil {
		md["processing_seconds"] = int64(time.Since(*started) / time.Second)
	}
	return text, md, nil
}

// validSegments drops segments whose end is not after their start.
func validSegments(in []transcription.Segment) ([]transcription.Segment, int) {
	out := make([]transcription.Segment, 0, len(in))
	for _, s := range in {
		if err := s.Validate(); err != nil {
			log.WithError(err).Debug("dropping segment")
			continue
		}
		out = append(out, s)
	}
	return out, len(in) - len(out)
}

// removeCompressed deletes the ffmpeg output once the run is over. A retry
// compresses the source again.
func removeCompressed(l *logrus.Entry, t *transcription.Transcription) {
	src := t.Source()
	if src.PreprocessedPath == "" || src.PreprocessedPath == src.Path {
		return
	}
	if err := os.Remove(src.PreprocessedPath); err != nil && !os.IsNotExist(err) {
		l.WithError(err).WithField("path", src.PreprocessedPath).Warn("cannot remove compressed audio")
	}
}

// speechRate is words per minute, rounded to one decimal.
func speechRate(words int, durationSeconds float64) float64 {
	if durationSeconds <= 0 {
		return 0
	}
	return math.Round(float64(words)/(durationSeconds/60)*10) / 10
}
