package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"voxscribe/transcription"
	"voxscribe/translation"
)

// Scheduler polls for pending work and hands it to a Dispatcher while fewer
// than maxWorkers jobs are running. Failed items are never picked up here;
// they come back only through an explicit retry.
type Scheduler struct {
	transcriptions TranscriptionRepository
	projects       ProjectRepository
	dispatcher     Dispatcher
	interval       time.Duration
	maxWorkers     int
}

func NewScheduler(t TranscriptionRepository, p ProjectRepository, d Dispatcher, interval time.Duration, maxWorkers int) *Scheduler {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Scheduler{transcriptions: t, projects: p, dispatcher: d, interval: interval, maxWorkers: maxWorkers}
}

// Tick dispatches pending transcriptions, then pending projects, up to the
// free worker slots. It returns how many jobs were dispatched.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	free := s.maxWorkers - s.dispatcher.Running()
	if free <= 0 {
		return 0, nil
	}

	dispatched := 0
	pending, err := s.transcriptions.ListTranscriptionsByStatus(ctx, transcription.StatusPending, free)
	if err != nil {
		return 0, err
	}
	for _, t := range pending {
		if err := s.dispatcher.Dispatch(ctx, Job{Kind: CommandTranscribe, ID: t.ID()}); err != nil {
			return dispatched, err
		}
		dispatched++
	}

	free -= dispatched
	if free <= 0 || s.projects == nil {
		return dispatched, nil
	}
	projects, err := s.projects.ListProjectsByStatus(ctx, translation.StatusPending, free)
	if err != nil {
		return dispatched, err
	}
	for _, p := range projects {
		if err := s.dispatcher.Dispatch(ctx, Job{Kind: CommandTranslate, ID: p.ID()}); err != nil {
			return dispatched, err
		}
		dispatched++
	}
	return dispatched, nil
}

// Run ticks every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		n, err := s.Tick(ctx)
		if err != nil {
			log.WithError(err).Error("scheduler tick failed")
		} else if n > 0 {
			log.WithFields(logrus.Fields{"dispatched": n, "running": s.dispatcher.Running()}).Debug("scheduler tick")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
