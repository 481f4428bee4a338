// Package notify delivers post-commit notifications to the external
// consumer and tracks whether that consumer is present and active.
package notify

// Kind identifies a notification.
type Kind string

// Notification kinds.
const (
	KindProducerUp   Kind = "producer_up"
	KindProducerDown Kind = "producer_down"
	KindItemsAdded   Kind = "items_added"
	KindItemsChanged Kind = "items_changed"
	KindItemRemoved  Kind = "item_removed"
	KindItemMoved    Kind = "item_moved"
)

// Message is one notification. Payload is empty except for
// KindItemsChanged (concatenated hashes) and KindItemMoved (one hash).
type Message struct {
	Kind    Kind   `json:"kind"`
	Payload string `json:"payload,omitempty"`
}

// Notifier sends best-effort notifications. Notify must not block.
type Notifier interface {
	// Present reports whether a consumer is currently reachable.
	Present() bool
	// Active reports whether a present consumer is in the foreground.
	Active() bool
	// Notify queues msg for delivery.
	Notify(msg Message)
}

// Nop is a Notifier with no consumer.
type Nop struct{}

// Present implements Notifier.
func (Nop) Present() bool { return false }

// Active implements Notifier.
func (Nop) Active() bool { return false }

// Notify implements Notifier.
func (Nop) Notify(Message) {}
