package locker

// EventType names a committed state change.
type EventType string

const (
	EventLockerUpdated   EventType = "locker.updated"
	EventLockerDeleted   EventType = "locker.deleted"
	EventBoxUpdated      EventType = "box.updated"
	EventHistoryAppended EventType = "box.history_appended"
)

// Event describes a committed change. Only the fields relevant to Type are
// set; all are copies the observer may keep.
type Event struct {
	Type     EventType     `json:"type"`
	LockerID string        `json:"locker_id"`
	Locker   *Locker       `json:"locker,omitempty"`
	Box      *Box          `json:"box,omitempty"`
	History  *HistoryEntry `json:"history,omitempty"`
}

// Observer receives events after the transaction that produced them has
// committed. Observers run synchronously on the writer's goroutine and must
// not block or call back into the Registry.
type Observer func(Event)
