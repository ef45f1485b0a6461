package events

// Topic constants for domain events emitted by the platform.
const (
	TopicPaymentCompleted     = "payment.completed"
	TopicPaymentFailed        = "payment.failed"
	TopicListingTermActivated = "listing.term_activated"
	TopicListingModerated     = "listing.moderated"
)

// DefaultTopics returns the canonical list of topics that support notifications.
func DefaultTopics() []string {
	return []string{
		TopicPaymentCompleted,
		TopicPaymentFailed,
		TopicListingTermActivated,
		TopicListingModerated,
	}
}
