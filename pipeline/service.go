package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"voxscribe/b3"
	"voxscribe/failure"
	"voxscribe/loader"
	"voxscribe/notify"
	"voxscribe/transcription"
	"voxscribe/translation"
)

// Service is the entry point used by the HTTP API, the CLI and the inbox
// watcher. It creates and changes work items; processing happens through the
// dispatcher.
type Service struct {
	transcriptions TranscriptionRepository
	projects       ProjectRepository
	dispatcher     Dispatcher
	notifier       Notifier
	provider       string
}

// NewService builds a Service. provider names the translation provider used
// for cost estimates. A nil dispatcher leaves new work to the scheduler.
func NewService(t TranscriptionRepository, p ProjectRepository, d Dispatcher, n Notifier, provider string) *Service {
	if n == nil {
		n = discard{}
	}
	return &Service{transcriptions: t, projects: p, dispatcher: d, notifier: n, provider: provider}
}

// StartLocal registers an uploaded file. A file whose content the user
// already submitted returns the existing transcription unless that one
// failed or was cancelled.
func (s *Service) StartLocal(ctx context.Context, userID, path, originalName, lang string) (*transcription.Transcription, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, failure.New(failure.KindInput, "start transcribe", "opening file", err)
	}
	blake3Hash, err := b3.HashFile(path)
	if err != nil {
		return nil, fmt.Errorf("start transcribe: %w", err)
	}

	existing, err := s.transcriptions.FindTranscriptionByHash(ctx, userID, blake3Hash)
	switch {
	case err == nil && existing.Status() != transcription.StatusFailed && existing.Status() != transcription.StatusCancelled:
		log.WithFields(logrus.Fields{"id": existing.ID(), "hash": blake3Hash}).Info("duplicate upload, reusing transcription")
		return existing, nil
	case err != nil && !errors.Is(err, failure.ErrNotFound):
		return nil, fmt.Errorf("start transcribe: %w", err)
	}

	if originalName == "" {
		originalName = filepath.Base(path)
	}
	mimeType := transcription.MimeTypeFromName(originalName)
	if mimeType == "" {
		mimeType = transcription.MimeTypeFromName(path)
	}
	src := transcription.AudioSource{
		Origin:       transcription.OriginLocal,
		Path:         path,
		OriginalName: originalName,
		MimeType:     mimeType,
		Size:         fi.Size(),
	}
	return s.create(ctx, userID, src, lang, blake3Hash)
}

// StartRemote registers a remote video URL.
func (s *Service) StartRemote(ctx context.Context, userID, videoURL, lang string) (*transcription.Transcription, error) {
	remoteID, normalized, err := loader.ParseVideoURL(videoURL)
	if err != nil {
		return nil, failure.New(failure.KindInput, "start transcribe", "invalid video url", err)
	}
	src := transcription.AudioSource{
		Origin:    transcription.OriginRemoteVideo,
		RemoteID:  remoteID,
		RemoteURL: normalized,
		MimeType:  "audio/mpeg",
	}
	return s.create(ctx, userID, src, lang, "")
}

func (s *Service) create(ctx context.Context, userID string, src transcription.AudioSource, langCode, hash string) (*transcription.Transcription, error) {
	lang, err := transcription.ParseLanguage(langCode)
	if err != nil {
		return nil, failure.New(failure.KindInput, "start transcribe", "", err)
	}
	t, err := transcription.New(s.transcriptions.NextID(), userID, src, lang)
	if err != nil {
		return nil, failure.New(failure.KindInput, "start transcribe", "", err)
	}
	t.SetContentHash(hash)
	if err := s.transcriptions.CreateTranscription(ctx, t); err != nil {
		return nil, fmt.Errorf("start transcribe: %w", err)
	}
	publishTranscription(s.notifier, t)
	s.dispatch(ctx, Job{Kind: CommandTranscribe, ID: t.ID()})
	return t, nil
}

func (s *Service) Transcription(ctx context.Context, id string) (*transcription.Transcription, error) {
	return s.transcriptions.GetTranscription(ctx, id)
}

func (s *Service) TranscriptionsByUser(ctx context.Context, userID string) ([]*transcription.Transcription, error) {
	return s.transcriptions.ListTranscriptionsByUser(ctx, userID)
}

func (s *Service) TranscriptionsByStatus(ctx context.Context, status transcription.Status) ([]*transcription.Transcription, error) {
	return s.transcriptions.ListTranscriptionsByStatus(ctx, status, 0)
}

// Retry puts a failed transcription back to Pending and dispatches it.
func (s *Service) Retry(ctx context.Context, id string) (*transcription.Transcription, error) {
	t, err := s.transcriptions.GetTranscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := t.Retry(); err != nil {
		return nil, err
	}
	if err := s.saveTranscription(ctx, t, "retry", transcription.StatusFailed); err != nil {
		return nil, err
	}
	s.dispatch(ctx, Job{Kind: CommandTranscribe, ID: id})
	return t, nil
}

// Cancel stops a pending or processing transcription. A worker still running
// it will find the row cancelled and drop its result.
func (s *Service) Cancel(ctx context.Context, id string) (*transcription.Transcription, error) {
	t, err := s.transcriptions.GetTranscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := t.Cancel(); err != nil {
		return nil, err
	}
	if err := s.saveTranscription(ctx, t, "cancel", transcription.StatusPending, transcription.StatusProcessing); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) saveTranscription(ctx context.Context, t *transcription.Transcription, action string, from ...transcription.Status) error {
	saved, err := s.transcriptions.SaveTranscription(ctx, t, from...)
	if err != nil {
		return fmt.Errorf("%s transcription: %w", action, err)
	}
	if !saved {
		return failure.InvalidState("transcription", action, "changed concurrently")
	}
	publishTranscription(s.notifier, t)
	return nil
}

// StartTranslation creates a pending project for a completed transcription.
func (s *Service) StartTranslation(ctx context.Context, userID, transcriptionID, target string, cfg translation.Config) (*translation.Project, error) {
	src, err := s.transcriptions.GetTranscription(ctx, transcriptionID)
	if err != nil {
		return nil, err
	}
	if src.Status() != transcription.StatusCompleted {
		return nil, failure.InvalidState("transcription", "translate", string(src.Status()))
	}

	var duration float64
	if d := src.Source().Duration; d != nil {
		duration = *d
	} else if src.Text() != nil {
		duration = src.Text().Duration
	}
	sourceLang := src.Language().Code
	if detected, ok := src.Metadata()["detected_language"].(string); ok && sourceLang == transcription.AutoDetect.Code {
		sourceLang = detected
	}
	if sourceLang == transcription.AutoDetect.Code {
		sourceLang = ""
	}

	p, err := translation.NewProject(s.projects.NextID(), userID, transcriptionID, sourceLang, target, s.provider, cfg,
		translation.EstimateCost(s.provider, duration))
	if err != nil {
		return nil, failure.New(failure.KindInput, "start translation", "", err)
	}
	if err := s.projects.CreateProject(ctx, p); err != nil {
		return nil, fmt.Errorf("start translation: %w", err)
	}
	s.notifier.Publish(notify.FromProject(p, EventTranslationCreated))
	s.dispatch(ctx, Job{Kind: CommandTranslate, ID: p.ID()})
	return p, nil
}

func (s *Service) Project(ctx context.Context, id string) (*translation.Project, error) {
	return s.projects.GetProject(ctx, id)
}

func (s *Service) ProjectsByTranscription(ctx context.Context, transcriptionID string) ([]*translation.Project, error) {
	return s.projects.ListProjectsByTranscription(ctx, transcriptionID)
}

func (s *Service) CancelProject(ctx context.Context, id string) (*translation.Project, error) {
	p, err := s.projects.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.Cancel(); err != nil {
		return nil, err
	}
	if err := s.saveProject(ctx, p, "cancel", EventTranslationCancelled, translation.StatusPending, translation.StatusProcessing); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) RetryProject(ctx context.Context, id string) (*translation.Project, error) {
	p, err := s.projects.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.Retry(); err != nil {
		return nil, err
	}
	if err := s.saveProject(ctx, p, "retry", EventTranslationRetried, translation.StatusFailed); err != nil {
		return nil, err
	}
	s.dispatch(ctx, Job{Kind: CommandTranslate, ID: id})
	return p, nil
}

// DeleteProject removes a project that is not running.
func (s *Service) DeleteProject(ctx context.Context, id string) error {
	p, err := s.projects.GetProject(ctx, id)
	if err != nil {
		return err
	}
	if p.Status() == translation.StatusProcessing {
		return failure.InvalidState("translation project", "delete", string(p.Status()))
	}
	return s.projects.DeleteProject(ctx, id)
}

func (s *Service) saveProject(ctx context.Context, p *translation.Project, action, event string, from ...translation.Status) error {
	saved, err := s.projects.SaveProject(ctx, p, from...)
	if err != nil {
		return fmt.Errorf("%s project: %w", action, err)
	}
	if !saved {
		return failure.InvalidState("translation project", action, "changed concurrently")
	}
	s.notifier.Publish(notify.FromProject(p, event))
	return nil
}

func (s *Service) dispatch(ctx context.Context, job Job) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		log.WithError(err).WithFields(logrus.Fields{"kind": job.Kind, "id": job.ID}).Warn("dispatch failed, leaving job to the scheduler")
	}
}
