package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxscribe/acquire"
	"voxscribe/backoff"
	"voxscribe/failure"
	"voxscribe/notify"
	"voxscribe/store"
	"voxscribe/transcription"
	"voxscribe/translation"
)

func openRepo(t *testing.T) store.SQLiteRepo {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.Migrate(context.Background(), db))
	return store.NewSQLiteRepo(db)
}

type fakeAcquirer struct {
	err error
	// compressed, when set, is written and recorded as the preprocessed file.
	compressed string
}

func (f fakeAcquirer) Resolve(_ context.Context, t *transcription.Transcription) (acquire.Result, error) {
	if f.err != nil {
		return acquire.Result{}, f.err
	}
	d := 10.0
	path, size := t.Source().Path, t.Source().Size
	if t.IsRemote() {
		path, size = "/cache/"+t.ID()+".mp3", 2048
	}
	if f.compressed != "" {
		if err := os.WriteFile(f.compressed, []byte("mp3"), 0o644); err != nil {
			return acquire.Result{}, err
		}
	}
	if err := t.RecordAcquisition(path, size, f.compressed, &d); err != nil {
		return acquire.Result{}, err
	}
	return acquire.Result{Path: path, Size: size, Duration: &d, PreprocessedPath: f.compressed, Compressed: f.compressed != ""}, nil
}

type fakeRecognizer struct {
	rec    transcription.Recognition
	err    error
	calls  int
	req    transcription.RecognizeRequest
	onCall func()
}

func (f *fakeRecognizer) Model() string { return "fake-whisper" }

func (f *fakeRecognizer) Recognize(_ context.Context, req transcription.RecognizeRequest) (transcription.Recognition, error) {
	f.calls++
	f.req = req
	if f.onCall != nil {
		f.onCall()
	}
	return f.rec, f.err
}

func logprob(v float64) *float64 { return &v }

func recognition() transcription.Recognition {
	return transcription.Recognition{
		Text:     "Bonjour à tous. Bienvenue. Transcribed by https://example.com",
		Language: "french",
		Duration: 10,
		Segments: []transcription.Segment{
			{ID: 0, Text: "Bonjour à tous.", Start: 0, End: 2, AvgLogProb: logprob(-0.1)},
			{ID: 1, Text: "Bienvenue.", Start: 2.5, End: 4, AvgLogProb: logprob(-0.2)},
			{ID: 2, Text: "Transcribed by https://example.com", Start: 9.5, End: 10, AvgLogProb: logprob(-0.3)},
		},
	}
}

func pendingLocal(t *testing.T, repo store.SQLiteRepo, remote bool) *transcription.Transcription {
	t.Helper()
	src := transcription.AudioSource{
		Origin:   transcription.OriginLocal,
		Path:     "/data/a.mp3",
		MimeType: "audio/mpeg",
		Size:     1024,
	}
	if remote {
		src = transcription.AudioSource{
			Origin:    transcription.OriginRemoteVideo,
			RemoteID:  "dQw4w9WgXcQ",
			RemoteURL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
			MimeType:  "audio/mpeg",
		}
	}
	lang, _ := transcription.ParseLanguage("fr")
	tr, err := transcription.New(repo.NextID(), "u1", src, lang)
	require.NoError(t, err)
	require.NoError(t, repo.CreateTranscription(context.Background(), tr))
	return tr
}

func TestProcessCompletes(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	bus := notify.NewBus(10)
	rec := &fakeRecognizer{rec: recognition()}
	tr := pendingLocal(t, repo, false)

	require.NoError(t, NewTranscriber(repo, fakeAcquirer{}, rec, bus).Process(ctx, tr.ID()))

	got, err := repo.GetTranscription(ctx, tr.ID())
	require.NoError(t, err)
	require.Equal(t, transcription.StatusCompleted, got.Status())
	assert.Equal(t, "Bonjour à tous. Bienvenue.", got.Text().Text)
	assert.Len(t, got.Text().Segments, 2)

	md := got.Metadata()
	assert.Equal(t, "fake-whisper", md["model"])
	assert.Equal(t, "french", md["detected_language"])
	assert.EqualValues(t, 4, md["word_count"])
	assert.EqualValues(t, 24, md["speech_rate"])
	assert.EqualValues(t, 1, md["removed_segments"])
	assert.Equal(t, false, md["has_word_timestamps"])
	assert.Contains(t, md, "confidence_score")
	assert.Contains(t, md, "processing_seconds")

	assert.Equal(t, "fr", rec.req.LanguageHint)
	assert.Equal(t, dubbingPrompt, rec.req.Prompt)

	events := bus.Since(0)
	require.Len(t, events, 2)
	assert.Equal(t, string(transcription.EventStartedProcessing), events[0].Type)
	assert.Equal(t, string(transcription.EventCompleted), events[1].Type)
}

func TestProcessRemoteAddsSpeakerHint(t *testing.T) {
	repo := openRepo(t)
	rec := &fakeRecognizer{rec: recognition()}
	tr := pendingLocal(t, repo, true)

	require.NoError(t, NewTranscriber(repo, fakeAcquirer{}, rec, nil).Process(context.Background(), tr.ID()))
	assert.Equal(t, dubbingPrompt+multiSpeakerPrompt, rec.req.Prompt)
}

func TestProcessRecordsFailureKind(t *testing.T) {
	tests := []struct {
		name     string
		acquirer fakeAcquirer
		recErr   error
		want     failure.Kind
	}{
		{"acquisition", fakeAcquirer{err: failure.Acquisition("poll download", "retries exhausted", nil)}, nil, failure.KindAcquisition},
		{"compression", fakeAcquirer{err: failure.Compression("compress", "ffmpeg exited 1", nil)}, nil, failure.KindCompression},
		{"untyped provider error", fakeAcquirer{}, errors.New("connection reset"), failure.KindTranscriptionProvider},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			repo := openRepo(t)
			tr := pendingLocal(t, repo, false)
			rec := &fakeRecognizer{err: tt.recErr}

			require.NoError(t, NewTranscriber(repo, tt.acquirer, rec, nil).Process(ctx, tr.ID()))

			got, err := repo.GetTranscription(ctx, tr.ID())
			require.NoError(t, err)
			assert.Equal(t, transcription.StatusFailed, got.Status())
			assert.Equal(t, string(tt.want), got.FailureCode())
			assert.NotEmpty(t, got.FailureReason())
			assert.Nil(t, got.Text())
		})
	}
}

func TestProcessEmptyTextFails(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	tr := pendingLocal(t, repo, false)
	rec := &fakeRecognizer{rec: transcription.Recognition{Duration: 10, Segments: []transcription.Segment{
		{ID: 0, Text: "Powered by Acme", Start: 0, End: 1},
	}}}

	require.NoError(t, NewTranscriber(repo, fakeAcquirer{}, rec, nil).Process(ctx, tr.ID()))
	got, err := repo.GetTranscription(ctx, tr.ID())
	require.NoError(t, err)
	assert.Equal(t, transcription.StatusFailed, got.Status())
	assert.Equal(t, string(failure.KindTranscriptionProvider), got.FailureCode())
}

func TestProcessDropsSegmentsWithBadTiming(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	tr := pendingLocal(t, repo, false)
	r := recognition()
	r.Segments = append(r.Segments,
		transcription.Segment{ID: 3, Text: "Encore.", Start: 6, End: 5, AvgLogProb: logprob(-0.1)},
		transcription.Segment{ID: 4, Text: "Merci.", Start: 7, End: 7, AvgLogProb: logprob(-0.1)},
	)

	require.NoError(t, NewTranscriber(repo, fakeAcquirer{}, &fakeRecognizer{rec: r}, nil).Process(ctx, tr.ID()))

	got, err := repo.GetTranscription(ctx, tr.ID())
	require.NoError(t, err)
	require.Equal(t, transcription.StatusCompleted, got.Status())
	require.Len(t, got.Text().Segments, 2)
	for _, s := range got.Text().Segments {
		assert.NoError(t, s.Validate())
	}
	assert.EqualValues(t, 3, got.Metadata()["removed_segments"])
	assert.Equal(t, "Bonjour à tous. Bienvenue.", got.Text().Text)
}

func TestProcessRemovesCompressedAudio(t *testing.T) {
	for _, name := range []string{"completed", "failed"} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := openRepo(t)
			tr := pendingLocal(t, repo, false)
			compressed := filepath.Join(t.TempDir(), "compressed_a.mp3")
			rec := &fakeRecognizer{rec: recognition()}
			if name == "failed" {
				rec.err = errors.New("timeout")
			}

			require.NoError(t, NewTranscriber(repo, fakeAcquirer{compressed: compressed}, rec, nil).Process(ctx, tr.ID()))

			assert.Equal(t, compressed, rec.req.Path)
			assert.NoFileExists(t, compressed)
			got, err := repo.GetTranscription(ctx, tr.ID())
			require.NoError(t, err)
			assert.Equal(t, transcription.Status(name), got.Status())
		})
	}
}

func TestFailedUploadRetriesAfterSweep(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	tmp := t.TempDir()
	uploads, compressed := filepath.Join(tmp, "uploads"), filepath.Join(tmp, "compressed")
	require.NoError(t, os.MkdirAll(uploads, 0o755))
	require.NoError(t, os.MkdirAll(compressed, 0o755))
	upload := filepath.Join(uploads, "talk.mp3")
	leftover := filepath.Join(compressed, "compressed_old.mp3")
	require.NoError(t, os.WriteFile(upload, []byte("ID3 talk"), 0o644))
	require.NoError(t, os.WriteFile(leftover, []byte("ID3 old"), 0o644))

	svc := NewService(repo, repo, nil, nil, "gpt-4o-mini")
	tr, err := svc.StartLocal(ctx, "u1", upload, "talk.mp3", "fr")
	require.NoError(t, err)
	acq := acquire.NewPipeline(nil, acquire.NewFFmpeg("", compressed), backoff.Default(), filepath.Join(tmp, "cache"))
	require.NoError(t, NewTranscriber(repo, acq, &fakeRecognizer{err: errors.New("timeout")}, nil).Process(ctx, tr.ID()))

	stale := time.Now().Add(-49 * time.Hour)
	require.NoError(t, os.Chtimes(upload, stale, stale))
	require.NoError(t, os.Chtimes(leftover, stale, stale))
	assert.Equal(t, 1, NewSweeper(48*time.Hour, nil, compressed).Sweep(ctx))
	assert.NoFileExists(t, leftover)
	assert.FileExists(t, upload)

	_, err = svc.Retry(ctx, tr.ID())
	require.NoError(t, err)
	require.NoError(t, NewTranscriber(repo, acq, &fakeRecognizer{rec: recognition()}, nil).Process(ctx, tr.ID()))
	got, err := repo.GetTranscription(ctx, tr.ID())
	require.NoError(t, err)
	assert.Equal(t, transcription.StatusCompleted, got.Status())
	assert.Empty(t, got.FailureCode())
}

func TestProcessNotPendingIsInvalidState(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	rec := &fakeRecognizer{rec: recognition()}
	tr := pendingLocal(t, repo, false)
	p := NewTranscriber(repo, fakeAcquirer{}, rec, nil)
	require.NoError(t, p.Process(ctx, tr.ID()))

	err := p.Process(ctx, tr.ID())
	assert.True(t, failure.IsInvalidState(err))
	assert.Equal(t, 1, rec.calls)
}

func TestProcessMissingTranscription(t *testing.T) {
	err := NewTranscriber(openRepo(t), fakeAcquirer{}, &fakeRecognizer{}, nil).Process(context.Background(), "missing")
	assert.ErrorIs(t, err, failure.ErrNotFound)
}

func TestCancelDuringProcessingWins(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	bus := notify.NewBus(10)
	svc := NewService(repo, repo, nil, bus, "gpt-4o-mini")
	tr := pendingLocal(t, repo, false)

	rec := &fakeRecognizer{rec: recognition()}
	rec.onCall = func() {
		_, err := svc.Cancel(ctx, tr.ID())
		require.NoError(t, err)
	}
	require.NoError(t, NewTranscriber(repo, fakeAcquirer{}, rec, bus).Process(ctx, tr.ID()))

	got, err := repo.GetTranscription(ctx, tr.ID())
	require.NoError(t, err)
	assert.Equal(t, transcription.StatusCancelled, got.Status())
	assert.Nil(t, got.Text())

	for _, e := range bus.Since(0) {
		assert.NotEqual(t, string(transcription.EventCompleted), e.Type)
	}
}

type fakeEngine struct {
	mu      sync.Mutex
	batches []int
	err     error
}

func (f *fakeEngine) ProviderName() string { return "fake" }

func (f *fakeEngine) Translate(_ context.Context, segs []transcription.Segment, target string, _ translation.Config) ([]translation.Segment, error) {
	f.mu.Lock()
	f.batches = append(f.batches, len(segs))
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]translation.Segment, len(segs))
	for i, s := range segs {
		out[i] = translation.Segment{ID: s.ID, Text: target + ":" + s.Text, OriginalText: s.Text, Start: s.Start, End: s.End, LengthRatio: 1}
	}
	return out, nil
}

func completedTranscription(t *testing.T, repo store.SQLiteRepo, n int) *transcription.Transcription {
	t.Helper()
	lang, _ := transcription.ParseLanguage("en")
	tr, err := transcription.New(repo.NextID(), "u1", transcription.AudioSource{
		Origin: transcription.OriginLocal, Path: "/a.wav", MimeType: "audio/wav", Size: 10,
	}, lang)
	require.NoError(t, err)
	require.NoError(t, tr.StartProcessing(""))
	segs := make([]transcription.Segment, n)
	for i := range segs {
		segs[i] = transcription.Segment{ID: i, Text: fmt.Sprintf("line %d", i), Start: float64(i), End: float64(i) + 0.5}
	}
	require.NoError(t, tr.Complete(transcription.TranscribedText{Text: "lines", Segments: segs, Duration: float64(n)}, nil))
	require.NoError(t, repo.CreateTranscription(context.Background(), tr))
	return tr
}

func TestTranslatorChunksBatches(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	bus := notify.NewBus(10)
	engine := &fakeEngine{}
	src := completedTranscription(t, repo, 250)
	svc := NewService(repo, repo, nil, bus, "gpt-4o-mini")

	p, err := svc.StartTranslation(ctx, "u1", src.ID(), "fr", translation.DubbingPreset("fr"))
	require.NoError(t, err)
	assert.True(t, p.Snapshot().EstimatedCost.IsPositive())

	require.NoError(t, NewTranslator(repo, repo, engine, bus).Process(ctx, p.ID()))
	assert.Equal(t, []int{100, 100, 50}, engine.batches)

	got, err := repo.GetProject(ctx, p.ID())
	require.NoError(t, err)
	assert.Equal(t, translation.StatusCompleted, got.Status())
	require.Len(t, got.Segments(), 250)
	assert.Equal(t, "fr:line 249", got.Segments()[249].Text)
	assert.Equal(t, 249.5, got.Segments()[249].End)
	assert.Equal(t, 1, got.Version())
	require.NotNil(t, got.QualityScore())
	assert.Equal(t, 1.0, *got.QualityScore())
	assert.True(t, got.ActualCost().IsPositive())

	events := bus.Since(0)
	assert.Equal(t, EventTranslationCompleted, events[len(events)-1].Type)
}

func TestTranslatorRecordsEngineFailure(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	src := completedTranscription(t, repo, 3)
	svc := NewService(repo, repo, nil, nil, "gpt-4o-mini")
	p, err := svc.StartTranslation(ctx, "u1", src.ID(), "fr", translation.DefaultConfig())
	require.NoError(t, err)

	engine := &fakeEngine{err: failure.TranslationValidation("translate", "missing segment 2", nil)}
	require.NoError(t, NewTranslator(repo, repo, engine, nil).Process(ctx, p.ID()))

	got, err := repo.GetProject(ctx, p.ID())
	require.NoError(t, err)
	assert.Equal(t, translation.StatusFailed, got.Status())
	require.Len(t, got.Errors(), 1)
	assert.Equal(t, string(failure.KindTranslationValidation), got.Errors()[0].Type)
	assert.Zero(t, got.Version())

	_, err = svc.RetryProject(ctx, p.ID())
	require.NoError(t, err)
	require.NoError(t, NewTranslator(repo, repo, &fakeEngine{}, nil).Process(ctx, p.ID()))
	got, err = repo.GetProject(ctx, p.ID())
	require.NoError(t, err)
	assert.Equal(t, translation.StatusCompleted, got.Status())
	assert.Len(t, got.Errors(), 1)
}

func TestStartTranslationRequiresCompletedSource(t *testing.T) {
	repo := openRepo(t)
	tr := pendingLocal(t, repo, false)
	svc := NewService(repo, repo, nil, nil, "gpt-4o-mini")

	_, err := svc.StartTranslation(context.Background(), "u1", tr.ID(), "en", translation.DefaultConfig())
	assert.True(t, failure.IsInvalidState(err))
}

func TestTranslatorSourceNoLongerCompleted(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	tr := pendingLocal(t, repo, false)
	p, err := translation.NewProject(repo.NextID(), "u1", tr.ID(), "fr", "en", "fake", translation.DefaultConfig(), decimal.Zero)
	require.NoError(t, err)
	require.NoError(t, repo.CreateProject(ctx, p))

	engine := &fakeEngine{}
	require.NoError(t, NewTranslator(repo, repo, engine, nil).Process(ctx, p.ID()))
	assert.Empty(t, engine.batches)
	got, err := repo.GetProject(ctx, p.ID())
	require.NoError(t, err)
	assert.Equal(t, translation.StatusFailed, got.Status())
	require.Len(t, got.Errors(), 1)
	assert.Equal(t, string(failure.KindInput), got.Errors()[0].Type)
}

func TestServiceStartLocalDeduplicates(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	svc := NewService(repo, repo, nil, nil, "gpt-4o-mini")
	path := filepath.Join(t.TempDir(), "talk.mp3")
	require.NoError(t, os.WriteFile(path, []byte("ID3 audio bytes"), 0o644))

	first, err := svc.StartLocal(ctx, "u1", path, "", "fr")
	require.NoError(t, err)
	assert.Equal(t, "audio/mpeg", first.Source().MimeType)
	assert.NotEmpty(t, first.ContentHash())

	again, err := svc.StartLocal(ctx, "u1", path, "talk.mp3", "fr")
	require.NoError(t, err)
	assert.Equal(t, first.ID(), again.ID())

	other, err := svc.StartLocal(ctx, "u2", path, "", "fr")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), other.ID())
}

func TestServiceStartRemote(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	svc := NewService(repo, repo, nil, nil, "gpt-4o-mini")

	tr, err := svc.StartRemote(ctx, "u1", "https://youtu.be/dQw4w9WgXcQ", "auto")
	require.NoError(t, err)
	assert.Equal(t, "dQw4w9WgXcQ", tr.Source().RemoteID)
	assert.True(t, tr.IsRemote())

	_, err = svc.StartRemote(ctx, "u1", "https://vimeo.com/1", "en")
	assert.Equal(t, failure.KindInput, failure.KindOf(err))

	_, err = svc.StartRemote(ctx, "u1", "https://youtu.be/dQw4w9WgXcQ", "xx")
	assert.Equal(t, failure.KindInput, failure.KindOf(err))
}

func TestServiceRetryOnlyFromFailed(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	svc := NewService(repo, repo, nil, nil, "gpt-4o-mini")
	tr := pendingLocal(t, repo, false)

	_, err := svc.Retry(ctx, tr.ID())
	assert.True(t, failure.IsInvalidState(err))

	_ = NewTranscriber(repo, fakeAcquirer{err: failure.Acquisition("x", "y", nil)}, &fakeRecognizer{}, nil).Process(ctx, tr.ID())
	got, err := svc.Retry(ctx, tr.ID())
	require.NoError(t, err)
	assert.Equal(t, transcription.StatusPending, got.Status())
	assert.Empty(t, got.FailureCode())
}

func TestCommandsRun(t *testing.T) {
	var got []Job
	c := Commands{
		CommandTranscribe: func(_ context.Context, id string) error {
			got = append(got, Job{Kind: CommandTranscribe, ID: id})
			return nil
		},
	}
	require.NoError(t, c.Run(context.Background(), Job{Kind: CommandTranscribe, ID: "t1"}))
	assert.Equal(t, []Job{{Kind: CommandTranscribe, ID: "t1"}}, got)
	assert.ErrorIs(t, c.Run(context.Background(), Job{Kind: "export"}), ErrUnknownCommand)

	table := NewCommands(&Transcriber{}, &Translator{})
	assert.Contains(t, table, CommandTranscribe)
	assert.Contains(t, table, CommandTranslate)
}

func TestLocalDispatcherSkipsRunningJob(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	d := NewLocalDispatcher(context.Background(), Commands{
		CommandTranscribe: func(context.Context, string) error {
			mu.Lock()
			calls++
			mu.Unlock()
			<-release
			return nil
		},
	})

	job := Job{Kind: CommandTranscribe, ID: "t1"}
	require.NoError(t, d.Dispatch(context.Background(), job))
	require.NoError(t, d.Dispatch(context.Background(), job))
	assert.Equal(t, 1, d.Running())
	assert.ErrorIs(t, d.Dispatch(context.Background(), Job{Kind: "nope"}), ErrUnknownCommand)

	close(release)
	d.Wait()
	assert.Equal(t, 0, d.Running())
	assert.Equal(t, 1, calls)
}

type recordingDispatcher struct {
	running int
	jobs    []Job
}

func (r *recordingDispatcher) Dispatch(_ context.Context, job Job) error {
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *recordingDispatcher) Running() int { return r.running }

func TestSchedulerRespectsWorkerCeiling(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	for i := 0; i < 3; i++ {
		pendingLocal(t, repo, false)
	}
	src := completedTranscription(t, repo, 1)
	p, err := translation.NewProject(repo.NextID(), "u1", src.ID(), "en", "fr", "fake", translation.DefaultConfig(), decimal.Zero)
	require.NoError(t, err)
	require.NoError(t, repo.CreateProject(ctx, p))

	d := &recordingDispatcher{running: 1}
	n, err := NewScheduler(repo, repo, d, time.Second, 3).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, j := range d.jobs {
		assert.Equal(t, CommandTranscribe, j.Kind)
	}

	d = &recordingDispatcher{}
	n, err = NewScheduler(repo, repo, d, time.Second, 10).Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, Job{Kind: CommandTranslate, ID: p.ID()}, d.jobs[3])

	d = &recordingDispatcher{running: 3}
	n, err = NewScheduler(repo, repo, d, time.Second, 3).Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type fakePurger struct{ calls int }

func (f *fakePurger) PurgeExpired(context.Context) (int64, error) {
	f.calls++
	return 2, nil
}

func TestSweeperRemovesOldFiles(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.mp3")
	fresh := filepath.Join(dir, "fresh.mp3")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	stale := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(old, stale, stale))

	purger := &fakePurger{}
	s := NewSweeper(0, purger, dir, filepath.Join(dir, "missing"))
	assert.Equal(t, 1, s.Sweep(context.Background()))
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.DirExists(t, filepath.Join(dir, "sub"))
	assert.Equal(t, 1, purger.calls)
}
