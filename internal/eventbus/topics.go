package eventbus

// Event types published inside finrecur.
const (
	// TypeRecurrenceChanged follows every catch-up commit that spawned children.
	TypeRecurrenceChanged = "recurrence.changed"
	// TypeRecurrenceSkipped is published when a subscription could not be
	// processed on this pass and stays due.
	TypeRecurrenceSkipped = "recurrence.skipped"
	// TypeLedgerChanged follows user edits and deletes.
	TypeLedgerChanged = "ledger.changed"
	// TypeWakeRearmed carries the new wake cadence (zero when disarmed).
	TypeWakeRearmed = "wake.rearmed"

	TypeNotifySent   = "notify.sent"
	TypeNotifyFailed = "notify.failed"
)
