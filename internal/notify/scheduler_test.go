package notify_test

import (
	"context"
	"encoding/json"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/akinyi-dev/backend-gems/internal/common"
	"github.com/akinyi-dev/backend-gems/internal/events"
	"github.com/akinyi-dev/backend-gems/internal/notify"
	"github.com/akinyi-dev/backend-gems/internal/queue"
)

func TestSchedulerDeduplicatesOnEventID(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sched := notify.Scheduler{Queue: queue.Enqueuer{R: client, Prefix: "test"}, MaxAttempts: 3}
	ev := domainEvent(t, events.TopicPaymentCompleted, `{"email":"owner@example.com"}`)

	ctx := context.Background()
	require.NoError(t, sched.Schedule(ctx, ev))
	require.NoError(t, sched.Schedule(ctx, ev))

	queued, err := client.ZCard(ctx, "test:queue:"+notify.EmailJobKind()).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, queued)
}

func TestSchedulerWithoutQueueIsNoop(t *testing.T) {
	sched := notify.Scheduler{}
	ev := domainEvent(t, events.TopicPaymentCompleted, `{}`)
	require.NoError(t, sched.Schedule(context.Background(), ev))
}

func TestHandleEmailJobDelivers(t *testing.T) {
	outbox := &common.InMemoryEmail{}
	handler := notify.HandleEmailJob(notify.EmailNotifier{Mail: outbox, Enabled: true})

	ev := domainEvent(t, events.TopicListingTermActivated, `{"email":"owner@example.com","listingId":"lst-1"}`)
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	require.NoError(t, handler(context.Background(), queue.Job{
		Kind:     notify.EmailJobKind(),
		Payload:  raw,
		DedupKey: common.UUIDString(ev.ID),
	}))
	require.Len(t, outbox.Outbox, 1)
	require.Equal(t, "Your listing is live", outbox.Outbox[0].Subject)
	require.Contains(t, outbox.Outbox[0].HTML, "lst-1")
}

func TestHandleEmailJobRejectsGarbage(t *testing.T) {
	handler := notify.HandleEmailJob(notify.EmailNotifier{Mail: &common.InMemoryEmail{}, Enabled: true})
	err := handler(context.Background(), queue.Job{Kind: notify.EmailJobKind(), Payload: []byte("garbage")})
	require.Error(t, err)
}
