package recurrence

import "time"

// ChangeEvent is the payload of eventbus.TypeRecurrenceChanged.
type ChangeEvent struct {
	PassID         string    `json:"pass_id,omitempty"`
	SubscriptionID int64     `json:"subscription_id"`
	Category       string    `json:"category"`
	Interval       Interval  `json:"interval"`
	Spawned        int       `json:"spawned"`
	ChildIDs       []int64   `json:"child_ids,omitempty"`
	NextDue        time.Time `json:"next_due"`
}

// SkipEvent is the payload of eventbus.TypeRecurrenceSkipped.
type SkipEvent struct {
	PassID         string `json:"pass_id,omitempty"`
	SubscriptionID int64  `json:"subscription_id"`
	Reason         string `json:"reason"`
}

// LedgerEvent is the payload of eventbus.TypeLedgerChanged.
type LedgerEvent struct {
	Op      string `json:"op"`
	ID      int64  `json:"id"`
	Removed int64  `json:"removed,omitempty"`
}
