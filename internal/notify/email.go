package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/akinyi-dev/backend-gems/internal/common"
	"github.com/akinyi-dev/backend-gems/internal/db"
	"github.com/akinyi-dev/backend-gems/internal/events"
)

// EmailNotifier sends transactional emails for selected topics.
type EmailNotifier struct {
	Mail         common.EmailSender
	Enabled      bool
	From         string
	TopicToggles map[string]bool
}

// Notify implements the events.Notifier interface.
func (n EmailNotifier) Notify(_ context.Context, event db.DomainEvent) error {
	if !n.Enabled || n.Mail == nil {
		return nil
	}
	if n.TopicToggles != nil {
		if enabled, ok := n.TopicToggles[event.Topic]; ok && !enabled {
			return nil
		}
	}
	payload := map[string]any{}
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("email notify: decode payload: %w", err)
		}
	}
	to := extractRecipient(payload)
	if to == "" {
		return nil
	}
	subject := subjectFor(event.Topic)
	body := bodyFor(event.Topic, payload, event.OccurredAt.Time)
	return n.Mail.Send(to, subject, body)
}

func extractRecipient(payload map[string]any) string {
	keys := []string{"email", "recipient", "ownerEmail", "payerEmail"}
	for _, key := range keys {
		if val, ok := payload[key]; ok {
			if s, ok := val.(string); ok {
				s = strings.TrimSpace(s)
				if s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func subjectFor(topic string) string {
	switch topic {
	case events.TopicPaymentCompleted:
		return "Payment received"
	case events.TopicPaymentFailed:
		return "Payment failed"
	case events.TopicListingTermActivated:
		return "Your listing is live"
	case events.TopicListingModerated:
		return "Listing review update"
	default:
		return fmt.Sprintf("Notification %s", topic)
	}
}

func bodyFor(topic string, payload map[string]any, occurred time.Time) string {
	summary := fmt.Sprintf("Event %s occurred at %s.", topic, occurred.Format(time.RFC3339))
	if listingID, ok := payload["listingId"].(string); ok && listingID != "" {
		summary += fmt.Sprintf("\nListing: %s", listingID)
	}
	if paymentID, ok := payload["paymentId"].(string); ok && paymentID != "" {
		summary += fmt.Sprintf("\nPayment: %s", paymentID)
	}
	if receipt, ok := payload["receipt"].(string); ok && receipt != "" {
		summary += fmt.Sprintf("\nM-Pesa receipt: %s", receipt)
	}
	if desc, ok := payload["description"].(string); ok && desc != "" {
		summary += "\n" + desc
	}
	return summary
}
