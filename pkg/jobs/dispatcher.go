package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/interview"
)

// Queue is the durable queue surface the dispatcher drives.
type Queue interface {
	EnqueueJob(ctx context.Context, name string, payload json.RawMessage, maxAttempts int) (*interview.JobEvent, error)
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]interview.JobEvent, error)
	ReclaimStuckJobs(ctx context.Context, cutoff time.Time) (int, error)
	CompleteJob(ctx context.Context, jobID string) error
	RetryJob(ctx context.Context, jobID, lastError string, runAt time.Time) error
	DeadLetterJob(ctx context.Context, jobID, lastError string) error
}

// Handler processes one claimed job. Handlers must tolerate redelivery:
// a job whose handler succeeded but whose completion write was lost will
// run again.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Options tunes the dispatch loop.
type Options struct {
	PollInterval   time.Duration
	HandlerTimeout time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BatchSize      int
}

// Dispatcher owns the durable job queue: schema-gated enqueue, a poll/claim
// loop and retry bookkeeping up to the dead-letter state.
type Dispatcher struct {
	queue    Queue
	schemas  map[string]*gojsonschema.Schema
	handlers map[string]Handler
	opts     Options
	log      *slog.Logger
}

func New(queue Queue, opts Options, log *slog.Logger) (*Dispatcher, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 2 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if log == nil {
		log = slog.Default()
	}

	schemas := make(map[string]*gojsonschema.Schema, len(eventSchemas))
	for name, raw := range eventSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", name, err)
		}
		schemas[name] = schema
	}

	return &Dispatcher{
		queue:    queue,
		schemas:  schemas,
		handlers: make(map[string]Handler),
		opts:     opts,
		log:      log.With("component", "jobs"),
	}, nil
}

// Register binds a handler to an event name. Registering an unknown event
// name panics: the schema registry is the single source of event names.
func (d *Dispatcher) Register(name string, handler Handler) {
	if _, ok := d.schemas[name]; !ok {
		panic("jobs: registering handler for unknown event " + name)
	}
	d.handlers[name] = handler
}

// Enqueue validates the payload against the event's schema and persists the
// job. Unknown event names fail with ErrUnknownEvent, malformed payloads
// with ErrSchemaViolation; neither reaches the queue.
func (d *Dispatcher) Enqueue(ctx context.Context, name string, payload any) (*interview.JobEvent, error) {
	schema, ok := d.schemas[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interview.ErrUnknownEvent, name)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %s: %w", name, err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("validate payload for %s: %w", name, err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("%w: %s: %s", interview.ErrSchemaViolation, name, formatSchemaErrors(result))
	}

	job, err := d.queue.EnqueueJob(ctx, name, raw, d.opts.MaxAttempts)
	if err != nil {
		return nil, err
	}

	d.log.Debug("job enqueued", "job_id", job.ID, "event", name)
	return job, nil
}

// Run polls for due jobs until ctx is done. Delivery is at-least-once: a
// handler failure reschedules the job with exponential backoff until its
// attempts are exhausted, then parks it in the dead-letter state.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info("job dispatcher started", "poll_interval", d.opts.PollInterval)

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("job dispatcher stopped")
			return
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

func (d *Dispatcher) pollOnce(ctx context.Context) {
	// Jobs claimed by a worker that died before finishing stay running
	// forever otherwise. Twice the handler timeout leaves live handlers
	// in this process untouched.
	cutoff := time.Now().UTC().Add(-2 * d.opts.HandlerTimeout)
	if n, err := d.queue.ReclaimStuckJobs(ctx, cutoff); err != nil {
		if ctx.Err() == nil {
			d.log.Error("reclaiming stuck jobs failed", "error", err)
		}
	} else if n > 0 {
		d.log.Warn("reclaimed jobs abandoned by a dead worker", "count", n)
	}

	jobs, err := d.queue.ClaimDueJobs(ctx, time.Now().UTC(), d.opts.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			d.log.Error("claiming due jobs failed", "error", err)
		}
		return
	}

	for _, job := range jobs {
		d.process(ctx, job)
	}
}

func (d *Dispatcher) process(ctx context.Context, job interview.JobEvent) {
	handler, ok := d.handlers[job.Name]
	if !ok {
		// No handler registered in this process; park instead of retrying
		// into a guaranteed dead letter.
		d.fail(ctx, job, fmt.Errorf("no handler registered for %s", job.Name))
		return
	}

	handlerCtx, cancel := context.WithTimeout(ctx, d.opts.HandlerTimeout)
	err := handler(handlerCtx, job.Payload)
	cancel()

	if err == nil {
		if err := d.queue.CompleteJob(ctx, job.ID); err != nil {
			d.log.Error("completing job failed", "job_id", job.ID, "error", err)
		}
		return
	}

	d.fail(ctx, job, err)
}

func (d *Dispatcher) fail(ctx context.Context, job interview.JobEvent, cause error) {
	if job.Attempts >= job.MaxAttempts {
		d.log.Error("job exhausted attempts, moving to dead letter",
			"job_id", job.ID, "event", job.Name, "attempts", job.Attempts, "error", cause)
		if err := d.queue.DeadLetterJob(ctx, job.ID, cause.Error()); err != nil {
			d.log.Error("dead-lettering job failed", "job_id", job.ID, "error", err)
		}
		return
	}

	delay := d.opts.BackoffBase << (job.Attempts - 1)
	d.log.Warn("job attempt failed, rescheduling",
		"job_id", job.ID, "event", job.Name, "attempt", job.Attempts, "delay", delay, "error", cause)
	if err := d.queue.RetryJob(ctx, job.ID, cause.Error(), time.Now().UTC().Add(delay)); err != nil {
		d.log.Error("rescheduling job failed", "job_id", job.ID, "error", err)
	}
}

func formatSchemaErrors(result *gojsonschema.Result) string {
	parts := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		parts = append(parts, e.String())
	}

	return strings.Join(parts, "; ")
}
