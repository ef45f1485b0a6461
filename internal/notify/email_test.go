package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"

	"github.com/akinyi-dev/backend-gems/internal/common"
	"github.com/akinyi-dev/backend-gems/internal/db"
	"github.com/akinyi-dev/backend-gems/internal/events"
	"github.com/akinyi-dev/backend-gems/internal/notify"
)

func domainEvent(t *testing.T, topic, payload string) db.DomainEvent {
	t.Helper()
	id, err := common.ToUUID(uuid.NewString())
	require.NoError(t, err)
	return db.DomainEvent{
		ID:          id,
		Topic:       topic,
		AggregateID: id,
		Payload:     []byte(payload),
		OccurredAt:  pgtype.Timestamptz{Time: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC), Valid: true},
	}
}

func TestNotifySendsPaymentReceipt(t *testing.T) {
	outbox := &common.InMemoryEmail{}
	notifier := notify.EmailNotifier{Mail: outbox, Enabled: true, From: "no-reply@gems.co.ke"}

	ev := domainEvent(t, events.TopicPaymentCompleted,
		`{"email":"owner@example.com","paymentId":"pay-1","receipt":"QK12XYZ789","description":"listing activation"}`)
	require.NoError(t, notifier.Notify(context.Background(), ev))

	require.Len(t, outbox.Outbox, 1)
	sent := outbox.Outbox[0]
	require.Equal(t, "owner@example.com", sent.To)
	require.Equal(t, "Payment received", sent.Subject)
	require.Contains(t, sent.HTML, "QK12XYZ789")
	require.Contains(t, sent.HTML, "listing activation")
	require.Contains(t, sent.HTML, "2026-03-14T09:30:00Z")
}

func TestNotifySubjects(t *testing.T) {
	cases := map[string]string{
		events.TopicPaymentFailed:        "Payment failed",
		events.TopicListingTermActivated: "Your listing is live",
		events.TopicListingModerated:     "Listing review update",
	}
	for topic, subject := range cases {
		outbox := &common.InMemoryEmail{}
		notifier := notify.EmailNotifier{Mail: outbox, Enabled: true}
		require.NoError(t, notifier.Notify(context.Background(), domainEvent(t, topic, `{"email":"a@b.co"}`)))
		require.Len(t, outbox.Outbox, 1)
		require.Equal(t, subject, outbox.Outbox[0].Subject)
	}
}

func TestNotifySkipsWhenDisabledOrUnaddressed(t *testing.T) {
	outbox := &common.InMemoryEmail{}

	disabled := notify.EmailNotifier{Mail: outbox, Enabled: false}
	require.NoError(t, disabled.Notify(context.Background(), domainEvent(t, events.TopicPaymentCompleted, `{"email":"a@b.co"}`)))

	noRecipient := notify.EmailNotifier{Mail: outbox, Enabled: true}
	require.NoError(t, noRecipient.Notify(context.Background(), domainEvent(t, events.TopicPaymentCompleted, `{"amount":1500}`)))

	toggledOff := notify.EmailNotifier{
		Mail:         outbox,
		Enabled:      true,
		TopicToggles: map[string]bool{events.TopicListingModerated: false},
	}
	require.NoError(t, toggledOff.Notify(context.Background(), domainEvent(t, events.TopicListingModerated, `{"email":"a@b.co"}`)))

	require.Empty(t, outbox.Outbox)
}

func TestNotifyRecipientFallbacks(t *testing.T) {
	for _, payload := range []string{
		`{"recipient":"r@example.com"}`,
		`{"ownerEmail":"r@example.com"}`,
		`{"payerEmail":"r@example.com"}`,
	} {
		outbox := &common.InMemoryEmail{}
		notifier := notify.EmailNotifier{Mail: outbox, Enabled: true}
		require.NoError(t, notifier.Notify(context.Background(), domainEvent(t, events.TopicPaymentCompleted, payload)))
		require.Len(t, outbox.Outbox, 1, "payload %s", payload)
		require.Equal(t, "r@example.com", outbox.Outbox[0].To)
	}
}

func TestNotifyMalformedPayload(t *testing.T) {
	notifier := notify.EmailNotifier{Mail: &common.InMemoryEmail{}, Enabled: true}
	err := notifier.Notify(context.Background(), domainEvent(t, events.TopicPaymentCompleted, `not json`))
	require.Error(t, err)
}
