// Package acquire turns an audio source into a local file the recognition
// provider accepts: remote videos are downloaded through the download
// service and oversized files are re-encoded.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"voxscribe/audio"
	"voxscribe/backoff"
	"voxscribe/failure"
	"voxscribe/loader"
	"voxscribe/transcription"
)

var log = logrus.WithField("component", "acquire")

type (
	// Downloader is the download service boundary.
	Downloader interface {
		Submit(ctx context.Context, videoURL, format string) (loader.Submission, error)
		Poll(ctx context.Context, progressURL string) (loader.Progress, error)
		Fetch(ctx context.Context, downloadURL string, w io.Writer) (int64, error)
	}

	Pipeline struct {
		downloader Downloader
		compressor Compressor
		policy     backoff.Policy
		cacheDir   string
		ceiling    int64
		probe      func(path, mimeType string) *float64
	}

	// Result is what Resolve learned about the audio.
	Result struct {
		Path             string
		PreprocessedPath string
		Size             int64
		Duration         *float64
		Compressed       bool
	}
)

var _ Downloader = (*loader.Client)(nil)

// NewPipeline wires the acquisition steps. downloader may be nil when remote
// sources are not configured.
func NewPipeline(d Downloader, c Compressor, policy backoff.Policy, cacheDir string) *Pipeline {
	return &Pipeline{
		downloader: d,
		compressor: c,
		policy:     policy,
		cacheDir:   cacheDir,
		ceiling:    transcription.MaxRecognitionBytes,
		probe:      audio.Duration,
	}
}

// CachePath is the cache file for a remote source.
func CachePath(cacheDir, transcriptionID, remoteID string) string {
	return filepath.Join(cacheDir, fmt.Sprintf("%s_%s.mp3", transcriptionID, remoteID))
}

// Resolve produces a recognizable local file for t and writes the result
// back onto its audio source. t must be processing.
func (p *Pipeline) Resolve(ctx context.Context, t *transcription.Transcription) (Result, error) {
	src := t.Source()
	l := log.WithFields(logrus.Fields{"transcription_id": t.ID(), "origin": src.Origin})

	var (
		res Result
		err error
	)
	switch src.Origin {
	case transcription.OriginLocal:
		res, err = p.local(src)
	case transcription.OriginRemoteVideo:
		res, err = p.remote(ctx, t.ID(), src)
	default:
		err = failure.Acquisition("resolve", fmt.Sprintf("unknown origin %q", src.Origin), nil)
	}
	if err != nil {
		return Result{}, err
	}

	if res.Size > p.ceiling {
		l.WithField("size", res.Size).Info("source over recognition ceiling, compressing")
		out, err := p.compressor.Compress(ctx, res.Path)
		if err != nil {
			return Result{}, err
		}
		res.PreprocessedPath = out
		res.Compressed = true
	}

	if src.Duration != nil {
		res.Duration = src.Duration
	} else {
		res.Duration = p.probe(res.Path, src.MimeType)
	}

	if err := t.RecordAcquisition(res.Path, res.Size, res.PreprocessedPath, res.Duration); err != nil {
		return Result{}, err
	}
	l.WithFields(logrus.Fields{"path": res.Path, "size": res.Size, "compressed": res.Compressed}).Debug("audio resolved")
	return res, nil
}

func (p *Pipeline) local(src transcription.AudioSource) (Result, error) {
	fi, err := os.Stat(src.Path)
	if err != nil {
		return Result{}, failure.Acquisition("resolve local", "audio file unavailable", err)
	}
	return Result{Path: src.Path, Size: fi.Size(), PreprocessedPath: src.PreprocessedPath}, nil
}

func (p *Pipeline) remote(ctx context.Context, id string, src transcription.AudioSource) (Result, error) {
	path := CachePath(p.cacheDir, id, src.RemoteID)
	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		log.WithField("path", path).Debug("using cached download")
		return Result{Path: path, Size: fi.Size()}, nil
	}
	if p.downloader == nil {
		return Result{}, failure.Acquisition("download", "download service not configured", nil)
	}

	sub, err := p.downloader.Submit(ctx, src.RemoteURL, "mp3")
	if err != nil {
		return Result{}, failure.Acquisition("download", "submit failed", err)
	}

	var downloadURL string
	err = p.policy.Poll(ctx, func(ctx context.Context, n int) (backoff.Status, error) {
		pr, err := p.downloader.Poll(ctx, sub.ProgressURL)
		if err != nil {
			log.WithFields(logrus.Fields{"download_id": sub.ID, "attempt": n}).WithError(err).Warn("progress poll failed")
			return backoff.Status{}, err
		}
		if pr.Success && pr.DownloadURL != "" {
			downloadURL = pr.DownloadURL
			return backoff.Status{Done: true, Progress: pr.Progress}, nil
		}
		return backoff.Status{Progress: pr.Progress}, nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{}, failure.Acquisition("download", "polling interrupted", err)
		}
		return Result{}, failure.Acquisition("download", "no download url", err)
	}

	size, err := p.store(ctx, downloadURL, path)
	if err != nil {
		return Result{}, failure.Acquisition("download", "fetching audio", err)
	}
	return Result{Path: path, Size: size}, nil
}

// store writes to a temp file in the cache dir and renames it into place so a
// partial download never looks like a cache hit.
func (p *Pipeline) store(ctx context.Context, downloadURL, path string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := p.downloader.Fetch(ctx, downloadURL, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("empty download")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, err
	}
	return n, nil
}
