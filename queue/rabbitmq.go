// Package queue carries pipeline jobs over RabbitMQ so the HTTP server and
// the workers can run as separate processes.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"voxscribe/pipeline"
)

const JobQueue = "voxscribe.jobs"

// DefaultHold is how long a published job counts as running. The scheduler
// re-publishes a job that is still pending after that.
const DefaultHold = 2 * time.Minute

var log = logrus.WithField("component", "queue")

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher implements pipeline.Dispatcher by publishing jobs to JobQueue.
type Publisher struct {
	conn  *amqp.Connection
	ch    channel
	queue string
	hold  time.Duration
	now   func() time.Time

	mu       sync.Mutex
	inflight map[pipeline.Job]time.Time
}

var _ pipeline.Dispatcher = (*Publisher)(nil)

func NewPublisher(url string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	if _, err := ch.QueueDeclare(JobQueue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring queue: %w", err)
	}
	p := newPublisher(ch, JobQueue, DefaultHold)
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, queue string, hold time.Duration) *Publisher {
	return &Publisher{ch: ch, queue: queue, hold: hold, now: time.Now, inflight: make(map[pipeline.Job]time.Time)}
}

// Dispatch publishes job unless the same job was published within the hold
// period.
func (p *Publisher) Dispatch(ctx context.Context, job pipeline.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.prune()
	if _, ok := p.inflight[job]; ok {
		return nil
	}
	body, err := encodeJob(job)
	if err != nil {
		return err
	}
	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    p.now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publishing job: %w", err)
	}
	p.inflight[job] = p.now()
	return nil
}

func (p *Publisher) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prune()
	return len(p.inflight)
}

// prune must be called with mu held.
func (p *Publisher) prune() {
	cutoff := p.now().Add(-p.hold)
	for job, at := range p.inflight {
		if at.Before(cutoff) {
			delete(p.inflight, job)
		}
	}
}

func (p *Publisher) Close() {
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			log.WithError(err).Debug("closing channel")
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			log.WithError(err).Debug("closing connection")
		}
	}
}

// Consumer runs jobs from JobQueue. Prefetch equals the worker count, so the
// broker never hands this process more jobs than it runs at once.
type Consumer struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	queue       string
	concurrency int
}

func NewConsumer(url string, concurrency int) (*Consumer, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	if _, err := ch.QueueDeclare(JobQueue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring queue: %w", err)
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("setting qos: %w", err)
	}
	return &Consumer{conn: conn, ch: ch, queue: JobQueue, concurrency: concurrency}, nil
}

// Run consumes until ctx is done or the broker closes the channel. Every
// delivery is acked once handled: job failures are already recorded on the
// transcription or project, and a retry goes through the API.
func (c *Consumer) Run(ctx context.Context, commands pipeline.Commands) error {
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming %s: %w", c.queue, err)
	}
	log.WithFields(logrus.Fields{"queue": c.queue, "workers": c.concurrency}).Info("worker listening")

	var wg sync.WaitGroup
	for i := 0; i < c.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				if err := handle(ctx, commands, d.Body); err != nil {
					log.WithError(err).WithField("bytes", len(d.Body)).Error("job failed")
				}
				if err := d.Ack(false); err != nil {
					log.WithError(err).Warn("ack failed")
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (c *Consumer) Close() {
	if err := c.ch.Close(); err != nil {
		log.WithError(err).Debug("closing channel")
	}
	if err := c.conn.Close(); err != nil {
		log.WithError(err).Debug("closing connection")
	}
}

var errEmptyJob = errors.New("job without kind or id")

func encodeJob(job pipeline.Job) ([]byte, error) {
	if job.Kind == "" || job.ID == "" {
		return nil, errEmptyJob
	}
	return json.Marshal(job)
}

func decodeJob(body []byte) (pipeline.Job, error) {
	var job pipeline.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return pipeline.Job{}, fmt.Errorf("decoding job: %w", err)
	}
	if job.Kind == "" || job.ID == "" {
		return pipeline.Job{}, errEmptyJob
	}
	return job, nil
}

func handle(ctx context.Context, commands pipeline.Commands, body []byte) error {
	job, err := decodeJob(body)
	if err != nil {
		return err
	}
	l := log.WithFields(logrus.Fields{"kind": job.Kind, "id": job.ID})
	l.Info("job received")
	if err := commands.Run(ctx, job); err != nil {
		return fmt.Errorf("%s %s: %w", job.Kind, job.ID, err)
	}
	l.Info("job done")
	return nil
}
