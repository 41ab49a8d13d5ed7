package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	logx "finrecur/pkg/logx"

	"github.com/robfig/cron/v3"
)

// ErrBusy is returned by RunNow when a run is already in progress.
var ErrBusy = errors.New("wake already running")

// Config controls the wake trigger.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means Local
}

// Job is executed on every wake with the wake time in the trigger's location.
type Job func(ctx context.Context, now time.Time) error

type Trigger struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	now func() time.Time

	job     Job
	baseCtx context.Context

	c       *cron.Cron
	entryID cron.EntryID
	every   time.Duration
	armedAt time.Time

	running  atomic.Bool
	runs     atomic.Uint64
	skipped  atomic.Uint64
	failures atomic.Uint64

	lastMu   sync.Mutex
	lastRun  time.Time
	lastTook time.Duration
	lastErr  string
}

// Snapshot is a point-in-time view of the trigger.
type Snapshot struct {
	Enabled  bool
	Running  bool
	Timezone string

	Armed   bool
	Every   time.Duration
	ArmedAt time.Time
	Next    time.Time
	Prev    time.Time

	Runs     uint64
	Skipped  uint64
	Failures uint64
	LastRun  time.Time
	LastTook time.Duration
	LastErr  string
}
