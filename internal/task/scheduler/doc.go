// Package scheduler provides the periodic wake trigger for recurrence passes.
//
// A Trigger owns a single cron entry that fires every armed cadence. The job
// it runs re-arms the cadence itself, so the trigger holds no knowledge of
// subscriptions:
//   - Arm(d) (re)schedules the wake, keeping the schedule when d is unchanged
//   - Disarm() removes it
//   - RunNow(ctx) runs the job immediately (startup catch-up)
//
// Wakes never overlap: a wake that fires while the previous run is still in
// progress is skipped.
package scheduler
