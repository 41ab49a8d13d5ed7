package scheduler

import "time"

func (t *Trigger) Snapshot() Snapshot {
	t.mu.Lock()
	enabled := t.cfg.Enabled
	tz := t.cfg.Timezone
	c := t.c
	id := t.entryID
	every := t.every
	armedAt := t.armedAt
	loc := t.loc
	t.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	if tz == "" {
		tz = loc.String()
	}

	s := Snapshot{
		Enabled:  enabled,
		Running:  t.running.Load(),
		Timezone: tz,
		Armed:    every > 0,
		Every:    every,
		ArmedAt:  armedAt,
		Runs:     t.runs.Load(),
		Skipped:  t.skipped.Load(),
		Failures: t.failures.Load(),
	}
	if c != nil && id != 0 {
		e := c.Entry(id)
		s.Next = e.Next
		s.Prev = e.Prev
	}

	t.lastMu.Lock()
	s.LastRun = t.lastRun
	s.LastTook = t.lastTook
	s.LastErr = t.lastErr
	t.lastMu.Unlock()
	return s
}
