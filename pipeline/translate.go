package pipeline

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"voxscribe/failure"
	"voxscribe/notify"
	"voxscribe/transcription"
	"voxscribe/translation"
)

const (
	EventTranslationStarted   = "translation.started"
	EventTranslationCompleted = "translation.completed"
	EventTranslationFailed    = "translation.failed"
	EventTranslationCreated   = "translation.created"
	EventTranslationCancelled = "translation.cancelled"
	EventTranslationRetried   = "translation.retried"
)

// Translator runs one translation project from Pending to a terminal status.
type Translator struct {
	projects       ProjectRepository
	transcriptions TranscriptionRepository
	engine         TranslationEngine
	notifier       Notifier
}

func NewTranslator(projects ProjectRepository, transcriptions TranscriptionRepository, e TranslationEngine, n Notifier) *Translator {
	if n == nil {
		n = discard{}
	}
	return &Translator{projects: projects, transcriptions: transcriptions, engine: e, notifier: n}
}

// Process claims the project, translates the source segments in batches of
// at most translation.MaxBatch and stores the result as a new version.
// Failures are appended to the project's error log, not returned.
func (p *Translator) Process(ctx context.Context, projectID string) error {
	l := log.WithField("project_id", projectID)

	proj, err := p.projects.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("process project: %w", err)
	}
	if err := proj.Start(); err != nil {
		return err
	}
	claimed, err := p.projects.ClaimProject(ctx, proj)
	if err != nil {
		return fmt.Errorf("process project: %w", err)
	}
	if !claimed {
		l.Info("project no longer pending, skipping")
		return nil
	}
	p.notifier.Publish(notify.FromProject(proj, EventTranslationStarted))

	segs, cost, runErr := p.run(ctx, proj)
	event := EventTranslationCompleted
	if runErr != nil {
		if failure.IsInvalidState(runErr) {
			return runErr
		}
		if err := proj.Fail(string(failure.KindOf(runErr)), runErr.Error()); err != nil {
			return err
		}
		event = EventTranslationFailed
		l.WithError(runErr).Warn("translation failed")
	} else {
		score := translation.QualityScore(segs, proj.Config().MaxDurationDeviation)
		if err := proj.Complete(segs, score, cost); err != nil {
			return err
		}
	}

	saved, err := p.projects.SaveProject(context.WithoutCancel(ctx), proj, translation.StatusProcessing)
	if err != nil {
		return fmt.Errorf("process project: %w", err)
	}
	if !saved {
		l.Info("project changed while processing, discarding result")
		return nil
	}
	p.notifier.Publish(notify.FromProject(proj, event))
	if runErr != nil {
		return nil
	}
	l.WithFields(logrus.Fields{"segments": len(segs), "version": proj.Version()}).Info("translation completed")
	return nil
}

func (p *Translator) run(ctx context.Context, proj *translation.Project) ([]translation.Segment, decimal.Decimal, error) {
	src, err := p.transcriptions.GetTranscription(ctx, proj.TranscriptionID())
	if err != nil {
		return nil, decimal.Zero, err
	}
	if src.Status() != transcription.StatusCompleted || src.Text() == nil {
		return nil, decimal.Zero, failure.New(failure.KindInput, "translate project",
			fmt.Sprintf("source transcription is %s, not completed", src.Status()), nil)
	}

	segs := src.Text().Segments
	if len(segs) == 0 {
		return nil, decimal.Zero, failure.New(failure.KindInput, "translate project", "", failure.ErrNoSegments)
	}

	out := make([]translation.Segment, 0, len(segs))
	cost := decimal.Zero
	for start := 0; start < len(segs); start += translation.MaxBatch {
		batch := segs[start:min(start+translation.MaxBatch, len(segs))]
		res, err := p.engine.Translate(ctx, batch, proj.TargetLanguage(), proj.Config())
		if err != nil {
			return nil, decimal.Zero, err
		}
		out = append(out, res...)
		cost = cost.Add(translation.TokenCost(batch))
	}
	return out, cost, nil
}
