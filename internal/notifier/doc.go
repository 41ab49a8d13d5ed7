// Package notifier tells the user when a subscription produced new entries.
//
// The service listens for recurrence.changed events on the bus, renders a
// short message and hands it to each configured Sink. Delivery is
// asynchronous and best-effort: a full queue drops the message, a failing
// sink is retried with backoff, and neither ever reaches the recurrence pass
// that produced the event.
//
// # Sinks
//
// LogSink writes to the application log and is always present. TelegramSink
// posts to a single chat through the Bot API when notifier.telegram is
// enabled.
package notifier
