package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

type CommandKind string

const (
	CommandTranscribe CommandKind = "transcribe"
	CommandTranslate  CommandKind = "translate"
)

var ErrUnknownCommand = errors.New("unknown command")

type (
	// Job names one unit of work. It is also the queue message body.
	Job struct {
		Kind CommandKind `json:"kind"`
		ID   string      `json:"id"`
	}

	Handler func(ctx context.Context, id string) error

	// Commands is the static dispatch table built at startup.
	Commands map[CommandKind]Handler

	Dispatcher interface {
		Dispatch(ctx context.Context, job Job) error
		Running() int
	}
)

func NewCommands(t *Transcriber, tr *Translator) Commands {
	return Commands{
		CommandTranscribe: t.Process,
		CommandTranslate:  tr.Process,
	}
}

func (c Commands) Run(ctx context.Context, job Job) error {
	h, ok := c[job.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, job.Kind)
	}
	return h(ctx, job.ID)
}

// LocalDispatcher runs jobs on goroutines of this process. A job already
// running is not started twice.
type LocalDispatcher struct {
	ctx      context.Context
	commands Commands

	mu      sync.Mutex
	running map[Job]struct{}
	wg      *sync.WaitGroup
}

var _ Dispatcher = (*LocalDispatcher)(nil)

// NewLocalDispatcher runs every job under ctx, so jobs outlive the request
// that dispatched them but stop on shutdown.
func NewLocalDispatcher(ctx context.Context, c Commands) *LocalDispatcher {
	var wg sync.WaitGroup
	return &LocalDispatcher{ctx: ctx, commands: c, running: make(map[Job]struct{}), wg: &wg}
}

func (d *LocalDispatcher) Dispatch(_ context.Context, job Job) error {
	if _, ok := d.commands[job.Kind]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, job.Kind)
	}

	d.mu.Lock()
	if _, ok := d.running[job]; ok {
		d.mu.Unlock()
		return nil
	}
	d.running[job] = struct{}{}
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.running, job)
			d.mu.Unlock()
			d.wg.Done()
		}()

		l := log.WithFields(logrus.Fields{"kind": job.Kind, "id": job.ID})
		if err := d.commands.Run(d.ctx, job); err != nil {
			l.WithError(err).Error("job failed")
			return
		}
		l.Debug("job done")
	}()
	return nil
}

func (d *LocalDispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

// Wait blocks until every dispatched job has returned.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}
