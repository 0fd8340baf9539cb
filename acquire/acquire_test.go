package acquire

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxscribe/backoff"
	"voxscribe/failure"
	"voxscribe/loader"
	"voxscribe/transcription"
)

type fakeDownloader struct {
	polls     []loader.Progress
	pollErr   error
	submits   int
	pollCalls int
	body      string
}

func (f *fakeDownloader) Submit(_ context.Context, _, format string) (loader.Submission, error) {
	f.submits++
	return loader.Submission{ID: "dl-1", ProgressURL: "http://dl/progress?id=dl-1"}, nil
}

func (f *fakeDownloader) Poll(context.Context, string) (loader.Progress, error) {
	f.pollCalls++
	if f.pollErr != nil {
		return loader.Progress{}, f.pollErr
	}
	i := min(f.pollCalls-1, len(f.polls)-1)
	return f.polls[i], nil
}

func (f *fakeDownloader) Fetch(_ context.Context, _ string, w io.Writer) (int64, error) {
	n, err := io.Copy(w, strings.NewReader(f.body))
	return n, err
}

type fakeCompressor struct {
	outDir string
	calls  int
	err    error
}

func (f *fakeCompressor) Compress(_ context.Context, in string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	out := CompressedPath(f.outDir, in)
	return out, os.WriteFile(out, []byte("small"), 0o644)
}

func instantPolicy() backoff.Policy {
	p := backoff.Default()
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func processingTranscription(t *testing.T, src transcription.AudioSource) *transcription.Transcription {
	t.Helper()
	tr, err := transcription.New("tr-1", "user-1", src, transcription.AutoDetect)
	require.NoError(t, err)
	require.NoError(t, tr.StartProcessing(""))
	return tr
}

func TestResolveLocalUnderCeiling(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.mp3")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	comp := &fakeCompressor{}
	p := NewPipeline(nil, comp, instantPolicy(), t.TempDir())
	tr := processingTranscription(t, transcription.AudioSource{
		Origin: transcription.OriginLocal, Path: path, MimeType: "audio/mpeg", Size: 10,
	})

	res, err := p.Resolve(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, path, res.Path)
	assert.False(t, res.Compressed)
	assert.Zero(t, comp.calls)
	assert.Equal(t, path, tr.Source().RecognitionPath())
}

func TestResolveLocalOverCeilingCompresses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lecture.wav")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 64)), 0o644))

	comp := &fakeCompressor{outDir: t.TempDir()}
	p := NewPipeline(nil, comp, instantPolicy(), t.TempDir())
	p.ceiling = 32
	tr := processingTranscription(t, transcription.AudioSource{
		Origin: transcription.OriginLocal, Path: path, MimeType: "audio/wav", Size: 64,
	})

	res, err := p.Resolve(context.Background(), tr)
	require.NoError(t, err)
	assert.True(t, res.Compressed)
	assert.Equal(t, 1, comp.calls)
	assert.Equal(t, CompressedPath(comp.outDir, path), tr.Source().PreprocessedPath)
}

func TestResolveCompressionFailureIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.mp3")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 64)), 0o644))

	comp := &fakeCompressor{err: failure.Compression("compress", "ffmpeg exited with code 1", nil)}
	p := NewPipeline(nil, comp, instantPolicy(), t.TempDir())
	p.ceiling = 32
	tr := processingTranscription(t, transcription.AudioSource{
		Origin: transcription.OriginLocal, Path: path, MimeType: "audio/mpeg", Size: 64,
	})

	_, err := p.Resolve(context.Background(), tr)
	require.Error(t, err)
	assert.Equal(t, failure.KindCompression, failure.KindOf(err))
	assert.Empty(t, tr.Source().PreprocessedPath)
}

func TestResolveLocalMissingFile(t *testing.T) {
	p := NewPipeline(nil, &fakeCompressor{}, instantPolicy(), t.TempDir())
	tr := processingTranscription(t, transcription.AudioSource{
		Origin: transcription.OriginLocal, Path: "/does/not/exist.mp3", MimeType: "audio/mpeg", Size: 10,
	})

	_, err := p.Resolve(context.Background(), tr)
	assert.Equal(t, failure.KindAcquisition, failure.KindOf(err))
}

func remoteSource() transcription.AudioSource {
	return transcription.AudioSource{
		Origin:    transcription.OriginRemoteVideo,
		RemoteURL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		RemoteID:  "dQw4w9WgXcQ",
		MimeType:  "audio/mpeg",
	}
}

func TestResolveRemoteDownloadsIntoCache(t *testing.T) {
	cache := t.TempDir()
	dl := &fakeDownloader{
		polls: []loader.Progress{
			{Progress: 200},
			{Progress: 950},
			{Progress: 1000, Success: true, DownloadURL: "http://dl/file.mp3"},
		},
		body: "ID3 audio bytes",
	}
	p := NewPipeline(dl, &fakeCompressor{}, instantPolicy(), cache)
	tr := processingTranscription(t, remoteSource())

	res, err := p.Resolve(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, CachePath(cache, "tr-1", "dQw4w9WgXcQ"), res.Path)
	assert.EqualValues(t, len(dl.body), res.Size)
	assert.Equal(t, 3, dl.pollCalls)

	b, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, dl.body, string(b))
	assert.Equal(t, res.Path, tr.Source().Path)
	assert.EqualValues(t, len(dl.body), tr.Source().Size)

	// a second resolve reuses the cached file
	tr2 := processingTranscription(t, remoteSource())
	_, err = p.Resolve(context.Background(), tr2)
	require.NoError(t, err)
	assert.Equal(t, 1, dl.submits)
}

func TestResolveRemoteExhaustsAttempts(t *testing.T) {
	dl := &fakeDownloader{polls: []loader.Progress{{Progress: 100}}}
	p := NewPipeline(dl, &fakeCompressor{}, instantPolicy(), t.TempDir())
	tr := processingTranscription(t, remoteSource())

	_, err := p.Resolve(context.Background(), tr)
	require.Error(t, err)
	assert.Equal(t, failure.KindAcquisition, failure.KindOf(err))
	assert.True(t, errors.Is(err, backoff.ErrExhausted))
	assert.Equal(t, 30, dl.pollCalls)
}

func TestResolveRemoteTransportErrors(t *testing.T) {
	dl := &fakeDownloader{pollErr: errors.New("connection refused")}
	p := NewPipeline(dl, &fakeCompressor{}, instantPolicy(), t.TempDir())
	tr := processingTranscription(t, remoteSource())

	_, err := p.Resolve(context.Background(), tr)
	assert.Equal(t, failure.KindAcquisition, failure.KindOf(err))
	assert.ErrorContains(t, err, "connection refused")
}

func TestResolveRequiresProcessing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.mp3")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))
	tr, err := transcription.New("tr-1", "user-1", transcription.AudioSource{
		Origin: transcription.OriginLocal, Path: path, MimeType: "audio/mpeg", Size: 3,
	}, transcription.AutoDetect)
	require.NoError(t, err)

	_, err = NewPipeline(nil, &fakeCompressor{}, instantPolicy(), t.TempDir()).Resolve(context.Background(), tr)
	assert.True(t, failure.IsInvalidState(err))
}
