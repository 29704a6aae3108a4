package proactive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexuscore/core/internal/ids"
)

type recordingAdapter struct {
	mu   sync.Mutex
	sent []Job
	err  error
}

func (a *recordingAdapter) Send(ctx context.Context, job Job) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.sent = append(a.sent, job)
	return nil
}

func (a *recordingAdapter) sentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

func TestScheduleReturnsJobIDAndWorkerDeliversDueJob(t *testing.T) {
	adapter := &recordingAdapter{}
	q := New(func(projectID ids.ProjectId, channel string) (ChannelAdapter, error) {
		return adapter, nil
	}, QueueConfig{PollInterval: 10 * time.Millisecond}, nil)

	project := ids.NewProjectId()
	jobID, err := q.Schedule(ScheduleRequest{
		ProjectID:           project,
		Channel:             "slack",
		RecipientIdentifier: "C123",
		Content:             "hello",
	})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	require.Eventually(t, func() bool { return adapter.sentCount() == 1 }, time.Second, 5*time.Millisecond)

	job, ok := q.Get(jobID)
	require.True(t, ok)
	require.Equal(t, StatusSent, job.Status)
}

func TestScheduleDelaysUntilScheduledFor(t *testing.T) {
	adapter := &recordingAdapter{}
	q := New(func(projectID ids.ProjectId, channel string) (ChannelAdapter, error) {
		return adapter, nil
	}, QueueConfig{PollInterval: 10 * time.Millisecond}, nil)

	jobID, err := q.Schedule(ScheduleRequest{
		ProjectID:           ids.NewProjectId(),
		Channel:             "slack",
		RecipientIdentifier: "C123",
		Content:             "later",
		ScheduledFor:        time.Now().Add(150 * time.Millisecond),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, adapter.sentCount())

	require.Eventually(t, func() bool { return adapter.sentCount() == 1 }, time.Second, 5*time.Millisecond)
	job, _ := q.Get(jobID)
	require.Equal(t, StatusSent, job.Status)
}

// TestCancelStopsPendingJobFromSending covers spec §4.10's
// "cancel(jobId) removes it if still pending" and testable property
// S8's "worker never invokes the adapter" after cancellation.
func TestCancelStopsPendingJobFromSending(t *testing.T) {
	adapter := &recordingAdapter{}
	q := New(func(projectID ids.ProjectId, channel string) (ChannelAdapter, error) {
		return adapter, nil
	}, QueueConfig{PollInterval: 10 * time.Millisecond}, nil)

	jobID, err := q.Schedule(ScheduleRequest{
		ProjectID:           ids.NewProjectId(),
		Channel:             "slack",
		RecipientIdentifier: "C123",
		Content:             "never",
		ScheduledFor:        time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	require.True(t, q.Cancel(jobID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, adapter.sentCount())

	job, ok := q.Get(jobID)
	require.True(t, ok)
	require.Equal(t, StatusCancelled, job.Status)
}

func TestCancelAfterSentReturnsFalse(t *testing.T) {
	q := New(func(projectID ids.ProjectId, channel string) (ChannelAdapter, error) {
		return &recordingAdapter{}, nil
	}, DefaultQueueConfig(), nil)

	jobID, err := q.Schedule(ScheduleRequest{
		ProjectID: ids.NewProjectId(), Channel: "slack", RecipientIdentifier: "C1", Content: "x",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	require.Eventually(t, func() bool {
		job, _ := q.Get(jobID)
		return job.Status == StatusSent
	}, time.Second, 5*time.Millisecond)
	q.Stop()
	cancel()

	require.False(t, q.Cancel(jobID))
}

// TestDeliveryFailureRetriesThenDeadLetters covers the queue's own
// retry/dead-letter responsibility (spec §4.10: "the messenger does
// not implement its own retry loop" — this queue is that retry loop).
func TestDeliveryFailureRetriesThenDeadLetters(t *testing.T) {
	adapter := &recordingAdapter{err: errors.New("boom")}
	q := New(func(projectID ids.ProjectId, channel string) (ChannelAdapter, error) {
		return adapter, nil
	}, QueueConfig{PollInterval: 5 * time.Millisecond, MaxAttempts: 2, RetryBackoff: 10 * time.Millisecond, RetryBackoffCap: 20 * time.Millisecond}, nil)

	jobID, err := q.Schedule(ScheduleRequest{
		ProjectID: ids.NewProjectId(), Channel: "slack", RecipientIdentifier: "C1", Content: "x",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	require.Eventually(t, func() bool {
		job, _ := q.Get(jobID)
		return job.Status == StatusDeadLetter
	}, 2*time.Second, 5*time.Millisecond)

	job, _ := q.Get(jobID)
	require.Equal(t, 2, job.Attempts)
	require.Contains(t, job.LastError, "boom")
}
