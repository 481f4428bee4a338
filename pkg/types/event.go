package types

// EventKind identifies an upstream lifecycle event.
type EventKind int

// Upstream lifecycle events.
const (
	EventItemAdded EventKind = iota + 1
	EventItemDeleted
	EventItemsUpdated
	EventItemMoved
)

func (k EventKind) String() string {
	switch k {
	case EventItemAdded:
		return "item_added"
	case EventItemDeleted:
		return "item_deleted"
	case EventItemsUpdated:
		return "items_updated"
	case EventItemMoved:
		return "item_moved"
	}
	return "unknown"
}

// Event is one upstream lifecycle event. Which fields are set depends on
// Kind: Item for added and moved, Hash for deleted, Items for updated,
// NewPath for moved.
type Event struct {
	Kind    EventKind
	Item    Item
	Items   []Item
	Hash    string
	NewPath string
}

// ItemAdded builds an EventItemAdded.
func ItemAdded(it Item) Event { return Event{Kind: EventItemAdded, Item: it} }

// ItemDeleted builds an EventItemDeleted.
func ItemDeleted(hash string) Event { return Event{Kind: EventItemDeleted, Hash: hash} }

// ItemsUpdated builds an EventItemsUpdated.
func ItemsUpdated(items []Item) Event { return Event{Kind: EventItemsUpdated, Items: items} }

// ItemMoved builds an EventItemMoved.
func ItemMoved(it Item, newPath string) Event {
	return Event{Kind: EventItemMoved, Item: it, NewPath: newPath}
}
