package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/akinyi-dev/backend-gems/internal/common"
	"github.com/akinyi-dev/backend-gems/internal/db"
	"github.com/akinyi-dev/backend-gems/internal/events"
	"github.com/akinyi-dev/backend-gems/internal/queue"
)

const emailJobKind = "notify-email"

// EmailJobKind returns the queue kind used for email notification jobs.
func EmailJobKind() string { return emailJobKind }

// Scheduler hands emitted events to the delivery queue so the worker sends
// notification emails off the request path. It implements
// events.DeliveryScheduler; the event id doubles as the dedup key so a
// re-emitted event never produces a second email.
type Scheduler struct {
	Queue       queue.Enqueuer
	MaxAttempts int
}

// Schedule enqueues a delivery job for the event.
func (s Scheduler) Schedule(ctx context.Context, event db.DomainEvent) error {
	if s.Queue.R == nil {
		return nil
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}
	return s.Queue.Enqueue(ctx, queue.Job{
		Kind:        emailJobKind,
		Payload:     raw,
		DedupKey:    common.UUIDString(event.ID),
		MaxAttempts: s.MaxAttempts,
	})
}

// HandleEmailJob decodes a queued event and delivers it through the notifier.
// Used as the queue worker handler in the worker process.
func HandleEmailJob(notifier EmailNotifier) func(context.Context, queue.Job) error {
	return func(ctx context.Context, job queue.Job) error {
		var event db.DomainEvent
		if err := json.Unmarshal(job.Payload, &event); err != nil {
			return fmt.Errorf("notify: decode event: %w", err)
		}
		return notifier.Notify(ctx, event)
	}
}

var _ events.DeliveryScheduler = Scheduler{}
