package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"voxscribe/acquire"
	"voxscribe/backoff"
	"voxscribe/config"
	"voxscribe/export"
	"voxscribe/failure"
	"voxscribe/inbox"
	"voxscribe/loader"
	"voxscribe/notify"
	"voxscribe/ollama"
	"voxscribe/openai"
	"voxscribe/pipeline"
	"voxscribe/queue"
	"voxscribe/store"
	"voxscribe/transcription"
	"voxscribe/translation"
	"voxscribe/whisperx"
)

const usage = `usage: voxscribe [-env file] <command> [args]

commands:
  serve                          run the HTTP API, scheduler and sweeper
  worker                         consume jobs from RabbitMQ
  process <transcription-id>     run one transcription now
  translate <transcription-id> <lang>
                                 create a translation project and run it now
  retry <transcription-id>       put a failed transcription back to pending
  export <id> <format>           write a transcription or translation to stdout
  sweep                          delete old audio files and expired cache rows
`

func main() {
	envFile := flag.String("env", ".env", "dotenv file to load")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		logrus.Fatal(err)
	}
	if err := cfg.ConfigureLogging(); err != nil {
		logrus.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, flag.Arg(0), flag.Args()[1:]); err != nil {
		logrus.WithError(err).Error(flag.Arg(0) + " failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, cmd string, args []string) error {
	wantArgs := map[string]int{"serve": 0, "worker": 0, "sweep": 0, "process": 1, "retry": 1, "translate": 2, "export": 2}
	n, ok := wantArgs[cmd]
	if !ok {
		return fmt.Errorf("unknown command %q", cmd)
	}
	if len(args) != n {
		return fmt.Errorf("%s takes %d argument(s), got %d", cmd, n, len(args))
	}

	db, err := initDB(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	a, err := newApp(cfg, db)
	if err != nil {
		return err
	}

	switch cmd {
	case "serve":
		return a.serve(ctx)
	case "worker":
		return a.work(ctx)
	case "sweep":
		a.sweeper.Sweep(ctx)
		return nil
	case "process":
		commands, err := a.jobCommands(ctx)
		if err != nil {
			return err
		}
		return commands.Run(ctx, pipeline.Job{Kind: pipeline.CommandTranscribe, ID: args[0]})
	case "translate":
		commands, err := a.jobCommands(ctx)
		if err != nil {
			return err
		}
		p, err := a.service.StartTranslation(ctx, "cli", args[0], args[1], translation.DubbingPreset(args[1]))
		if err != nil {
			return err
		}
		if err := commands.Run(ctx, pipeline.Job{Kind: pipeline.CommandTranslate, ID: p.ID()}); err != nil {
			return err
		}
		fmt.Println(p.ID())
		return nil
	case "retry":
		t, err := a.service.Retry(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", t.ID(), t.Status())
		return nil
	default:
		return a.export(ctx, args[0], args[1])
	}
}

// app holds the components shared by every command. Providers are wired
// separately by jobCommands, only for commands that run jobs.
type app struct {
	cfg     config.Config
	repo    store.SQLiteRepo
	bus     *notify.Bus
	cache   *store.Cache
	service *pipeline.Service
	sweeper *pipeline.Sweeper
}

func newApp(cfg config.Config, db *sql.DB) (*app, error) {
	for _, dir := range []string{cfg.CacheDir, cfg.TempDir, cfg.UploadDir(), cfg.CompressedDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	repo := store.NewSQLiteRepo(db)
	bus := notify.NewBus(1000)
	cache := store.NewCache(db, cfg.CacheTTL)
	return &app{
		cfg:     cfg,
		repo:    repo,
		bus:     bus,
		cache:   cache,
		service: pipeline.NewService(repo, repo, nil, bus, costProvider(cfg)),
		// uploads and downloaded audio stay so failed items can be retried
		sweeper: pipeline.NewSweeper(cfg.Retention, cache, cfg.CompressedDir()),
	}, nil
}

// jobCommands wires the recognition, translation and download providers
// into the command table.
func (a *app) jobCommands(ctx context.Context) (pipeline.Commands, error) {
	cfg := a.cfg
	if cfg.NeedsOpenAI() && cfg.OpenAIKey == "" {
		return nil, errors.New("OPENAI_API_KEY is required for the configured providers")
	}
	oa := openai.NewClient(cfg.OpenAIBaseURL, cfg.OpenAIKey, nil)

	var recognizer transcription.Recognizer = openai.NewWhisper(oa, cfg.WhisperModel)
	if cfg.Recognizer == "whisperx" {
		recognizer = whisperx.Transcriber{Bin: cfg.WhisperXBin, ModelName: cfg.WhisperXSize}
	}

	var provider translation.Provider = openai.NewChat(oa, cfg.ChatModel)
	if cfg.TranslationProvider == "ollama" {
		op := ollama.NewProvider(cfg.OllamaHost, cfg.OllamaModel)
		if err := op.EnsureModel(ctx); err != nil {
			return nil, fmt.Errorf("ollama check failed: %w", err)
		}
		provider = op
	}
	engine := translation.NewEngine(provider, a.cache)

	acquirer := acquire.NewPipeline(
		loader.New(cfg.LoaderAPIURL, cfg.LoaderProgressURL, cfg.LoaderAPIKey, nil),
		acquire.NewFFmpeg(cfg.FFmpegBin, cfg.CompressedDir()),
		backoff.Default(),
		cfg.CacheDir,
	)

	transcriber := pipeline.NewTranscriber(a.repo, acquirer, recognizer, a.bus)
	translator := pipeline.NewTranslator(a.repo, a.repo, engine, a.bus)
	return pipeline.NewCommands(transcriber, translator), nil
}

// costProvider names the price table entry used for estimates.
func costProvider(cfg config.Config) string {
	if cfg.TranslationProvider == "openai" {
		return cfg.ChatModel
	}
	return "ollama:" + cfg.OllamaModel
}

func (a *app) serve(ctx context.Context) error {
	commands, err := a.jobCommands(ctx)
	if err != nil {
		return err
	}

	var dispatcher pipeline.Dispatcher
	if a.cfg.RabbitMQURL != "" {
		pub, err := queue.NewPublisher(a.cfg.RabbitMQURL)
		if err != nil {
			return err
		}
		defer pub.Close()
		dispatcher = pub
		logrus.Info("dispatching jobs to rabbitmq")
	} else {
		local := pipeline.NewLocalDispatcher(ctx, commands)
		dispatcher = local
		defer local.Wait()
	}

	svc := pipeline.NewService(a.repo, a.repo, dispatcher, a.bus, costProvider(a.cfg))
	go pipeline.NewScheduler(a.repo, a.repo, dispatcher, a.cfg.SchedulerInterval, a.cfg.MaxWorkers).Run(ctx)
	go a.sweeper.Run(ctx, time.Hour)

	if a.cfg.InboxDir != "" {
		w, err := inbox.New(a.cfg.InboxDir, a.cfg.InboxLanguage, svc)
		if err != nil {
			return err
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				logrus.WithError(err).Error("inbox watcher stopped")
			}
		}()
	}

	return runServer(ctx, a.cfg.HTTPAddr, newRouter(svc, notify.NewHub(a.bus), a.cfg.UploadDir()))
}

func (a *app) work(ctx context.Context) error {
	if a.cfg.RabbitMQURL == "" {
		return errors.New("RABBITMQ_URL is required for worker")
	}
	commands, err := a.jobCommands(ctx)
	if err != nil {
		return err
	}
	c, err := queue.NewConsumer(a.cfg.RabbitMQURL, a.cfg.MaxWorkers)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Run(ctx, commands); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *app) export(ctx context.Context, id, format string) error {
	f, err := export.ParseFormat(format)
	if err != nil {
		return err
	}

	var doc export.Document
	t, err := a.repo.GetTranscription(ctx, id)
	switch {
	case err == nil:
		doc, err = export.FromTranscription(t)
	case errors.Is(err, failure.ErrNotFound):
		var p *translation.Project
		if p, err = a.repo.GetProject(ctx, id); err == nil {
			doc, err = export.FromProject(p)
		}
	}
	if err != nil {
		return err
	}
	return export.Write(os.Stdout, doc, f)
}
