// Package pipeline drives transcriptions and translation projects through
// their lifecycles: claiming work, calling providers and persisting the
// outcome.
package pipeline

import (
	"context"

	"github.com/sirupsen/logrus"

	"voxscribe/acquire"
	"voxscribe/notify"
	"voxscribe/store"
	"voxscribe/transcription"
	"voxscribe/translation"
)

var log = logrus.WithField("component", "pipeline")

type (
	TranscriptionRepository interface {
		NextID() string
		CreateTranscription(ctx context.Context, t *transcription.Transcription) error
		GetTranscription(ctx context.Context, id string) (*transcription.Transcription, error)
		FindTranscriptionByHash(ctx context.Context, userID, blake3Hash string) (*transcription.Transcription, error)
		ListTranscriptionsByUser(ctx context.Context, userID string) ([]*transcription.Transcription, error)
		ListTranscriptionsByStatus(ctx context.Context, status transcription.Status, limit int) ([]*transcription.Transcription, error)
		ClaimTranscription(ctx context.Context, t *transcription.Transcription) (bool, error)
		SaveTranscription(ctx context.Context, t *transcription.Transcription, from ...transcription.Status) (bool, error)
	}

	ProjectRepository interface {
		NextID() string
		CreateProject(ctx context.Context, p *translation.Project) error
		GetProject(ctx context.Context, id string) (*translation.Project, error)
		ListProjectsByStatus(ctx context.Context, status translation.Status, limit int) ([]*translation.Project, error)
		ListProjectsByTranscription(ctx context.Context, transcriptionID string) ([]*translation.Project, error)
		ClaimProject(ctx context.Context, p *translation.Project) (bool, error)
		SaveProject(ctx context.Context, p *translation.Project, from ...translation.Status) (bool, error)
		DeleteProject(ctx context.Context, id string) error
	}

	Acquirer interface {
		Resolve(ctx context.Context, t *transcription.Transcription) (acquire.Result, error)
	}

	TranslationEngine interface {
		Translate(ctx context.Context, segs []transcription.Segment, target string, cfg translation.Config) ([]translation.Segment, error)
		ProviderName() string
	}

	Notifier interface {
		Publish(m notify.Message) notify.Message
	}
)

var (
	_ TranscriptionRepository = store.SQLiteRepo{}
	_ ProjectRepository       = store.SQLiteRepo{}
	_ Acquirer                = (*acquire.Pipeline)(nil)
	_ TranslationEngine       = (*translation.Engine)(nil)
	_ Notifier                = (*notify.Bus)(nil)
)

// discard is used when no notifier is configured.
type discard struct{}

func (discard) Publish(m notify.Message) notify.Message { return m }

func publishTranscription(n Notifier, t *transcription.Transcription) {
	for _, e := range t.PullEvents() {
		n.Publish(notify.FromTranscription(e))
	}
}
