// Package proactive implements the Proactive Messenger of spec §4.10:
// a durable queue of delayed outbound messages. schedule(req) enqueues
// with delay = max(0, scheduledFor - now) and returns a job id;
// cancel(jobId) removes it while still pending; a worker polls for due
// jobs and invokes the channel adapter resolved for (projectId,
// channel). Retry and dead-letter are this queue's own responsibility;
// channel adapters never retry internally.
//
// The queue is a ticker-driven worker pulling due work under a
// mutex-guarded map, generalized from cron-style scheduling to
// one-shot delayed deliveries. It depends on but does not implement
// the Send-only ChannelAdapter contract.
package proactive

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexuscore/core/internal/corerr"
	"github.com/nexuscore/core/internal/ids"
	"github.com/nexuscore/core/internal/observability"
)

// Status is the lifecycle state of one queued message.
type Status string

const (
	StatusPending    Status = "pending"
	StatusSent       Status = "sent"
	StatusCancelled  Status = "cancelled"
	StatusRetrying   Status = "retrying"
	StatusDeadLetter Status = "dead_letter"
)

// ScheduleRequest is the input to Schedule, matching the REST body
// named in spec §6: {channel, recipientIdentifier, content, scheduledFor?}.
type ScheduleRequest struct {
	ProjectID           ids.ProjectId
	Channel             string
	RecipientIdentifier string
	Content             string
	ScheduledFor        time.Time // zero means "as soon as the worker polls"
}

// Job is one queued outbound message.
type Job struct {
	ID                  string
	ProjectID           ids.ProjectId
	Channel             string
	RecipientIdentifier string
	Content             string
	ScheduledFor        time.Time
	Status              Status
	Attempts            int
	LastError           string
	CreatedAt           time.Time
	SentAt              *time.Time
}

// ChannelAdapter delivers one job's content to its recipient over a
// specific channel (Slack, Telegram, email, ...). Implementations are
// expected to be Send-only: they do not retry, queue, or persist.
type ChannelAdapter interface {
	Send(ctx context.Context, job Job) error
}

// AdapterResolver resolves the adapter a project has configured for a
// channel. Returning an error fails the job's current attempt like any
// other Send error.
type AdapterResolver func(projectID ids.ProjectId, channel string) (ChannelAdapter, error)

// QueueConfig controls the worker's polling and retry behavior.
type QueueConfig struct {
	// PollInterval is how often the worker checks for due jobs.
	PollInterval time.Duration
	// MaxAttempts is how many delivery attempts a job gets before it
	// moves to the dead letter state.
	MaxAttempts int
	// RetryBackoff is the delay applied before a job's next attempt,
	// doubled per additional attempt up to RetryBackoffCap.
	RetryBackoff time.Duration
	// RetryBackoffCap bounds the doubled backoff.
	RetryBackoffCap time.Duration
}

// DefaultQueueConfig returns sensible defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		PollInterval:    1 * time.Second,
		MaxAttempts:     5,
		RetryBackoff:    5 * time.Second,
		RetryBackoffCap: 5 * time.Minute,
	}
}

// Queue is the Proactive Messenger's durable delayed-delivery queue.
// The zero value is not usable; build with New.
type Queue struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	resolver AdapterResolver
	config   QueueConfig
	logger   *observability.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Queue. logger may be nil.
func New(resolver AdapterResolver, config QueueConfig, logger *observability.Logger) *Queue {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultQueueConfig().PollInterval
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultQueueConfig().MaxAttempts
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = DefaultQueueConfig().RetryBackoff
	}
	if config.RetryBackoffCap <= 0 {
		config.RetryBackoffCap = DefaultQueueConfig().RetryBackoffCap
	}
	return &Queue{
		jobs:     make(map[string]*Job),
		resolver: resolver,
		config:   config,
		logger:   logger,
	}
}

// Schedule enqueues req and returns its job id. A zero ScheduledFor
// (or one in the past) makes the job due on the worker's next poll —
// delay = max(0, scheduledFor - now).
func (q *Queue) Schedule(req ScheduleRequest) (string, error) {
	if req.Channel == "" {
		return "", corerr.New(corerr.CodeValidation, "proactive message requires a channel")
	}
	if req.RecipientIdentifier == "" {
		return "", corerr.New(corerr.CodeValidation, "proactive message requires a recipient identifier")
	}

	job := &Job{
		ID:                  uuid.NewString(),
		ProjectID:           req.ProjectID,
		Channel:             req.Channel,
		RecipientIdentifier: req.RecipientIdentifier,
		Content:             req.Content,
		ScheduledFor:        req.ScheduledFor,
		Status:              StatusPending,
		CreatedAt:           time.Now(),
	}
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = job.CreatedAt
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()

	return job.ID, nil
}

// Cancel removes jobID if it is still pending or retrying, returning
// whether it was found in a cancellable state.
func (q *Queue) Cancel(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return false
	}
	if job.Status != StatusPending && job.Status != StatusRetrying {
		return false
	}
	job.Status = StatusCancelled
	return true
}

// Get returns a job by id for status inspection.
func (q *Queue) Get(jobID string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Start runs the polling worker loop until ctx is cancelled or Stop is
// called.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.config.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.deliverDue(ctx)
			}
		}
	}()
}

// Stop halts the worker and waits for the in-flight poll to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *Queue) deliverDue(ctx context.Context) {
	now := time.Now()

	q.mu.Lock()
	var due []*Job
	for _, job := range q.jobs {
		if (job.Status == StatusPending || job.Status == StatusRetrying) && !job.ScheduledFor.After(now) {
			due = append(due, job)
		}
	}
	q.mu.Unlock()

	for _, job := range due {
		q.deliver(ctx, job)
	}
}

func (q *Queue) deliver(ctx context.Context, job *Job) {
	adapter, err := q.resolver(job.ProjectID, job.Channel)
	if err != nil {
		q.recordFailure(job, err)
		return
	}

	snapshot := *job
	if err := adapter.Send(ctx, snapshot); err != nil {
		q.recordFailure(job, err)
		return
	}

	q.mu.Lock()
	now := time.Now()
	job.Status = StatusSent
	job.SentAt = &now
	q.mu.Unlock()
}

func (q *Queue) recordFailure(job *Job, sendErr error) {
	q.mu.Lock()
	job.Attempts++
	job.LastError = sendErr.Error()

	if job.Attempts >= q.config.MaxAttempts {
		job.Status = StatusDeadLetter
		q.mu.Unlock()
		if q.logger != nil {
			q.logger.Error(context.Background(), "proactive message moved to dead letter",
				"jobId", job.ID, "channel", job.Channel, "attempts", job.Attempts, "error", sendErr.Error())
		}
		return
	}

	job.Status = StatusRetrying
	backoff := q.config.RetryBackoff << uint(job.Attempts-1)
	if backoff > q.config.RetryBackoffCap || backoff <= 0 {
		backoff = q.config.RetryBackoffCap
	}
	job.ScheduledFor = time.Now().Add(backoff)
	q.mu.Unlock()

	if q.logger != nil {
		q.logger.Warn(context.Background(), "proactive message delivery failed, will retry",
			"jobId", job.ID, "channel", job.Channel, "attempt", job.Attempts, "nextAttempt", job.ScheduledFor, "error", sendErr.Error())
	}
}
