package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

const DefaultRetention = 48 * time.Hour

type CachePurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Sweeper removes downloaded and compressed audio older than the retention
// period and expired translation cache rows. Failures are logged, never
// fatal.
type Sweeper struct {
	dirs      []string
	retention time.Duration
	cache     CachePurger
	now       func() time.Time
}

func NewSweeper(retention time.Duration, cache CachePurger, dirs ...string) *Sweeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Sweeper{dirs: dirs, retention: retention, cache: cache, now: time.Now}
}

// Sweep runs one pass and returns how many files it deleted.
func (s *Sweeper) Sweep(ctx context.Context) int {
	cutoff := s.now().Add(-s.retention)
	removed := 0
	for _, dir := range s.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			log.WithError(err).WithField("dir", dir).Warn("sweeper cannot read dir")
			continue
		}
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if err := os.Remove(path); err != nil {
				log.WithError(err).WithField("path", path).Warn("sweeper cannot remove file")
				continue
			}
			removed++
		}
	}

	var purged int64
	if s.cache != nil {
		n, err := s.cache.PurgeExpired(ctx)
		if err != nil {
			log.WithError(err).Warn("sweeper cannot purge translation cache")
		}
		purged = n
	}
	log.WithFields(logrus.Fields{"files": removed, "cache_entries": purged}).Info("sweep done")
	return removed
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		s.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
