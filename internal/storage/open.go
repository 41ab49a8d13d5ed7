package storage

import (
	"context"
	"errors"
	"strings"

	logx "finrecur/pkg/logx"
)

// Store is the persistence API of the transactions table.
type Store interface {
	Insert(ctx context.Context, r Record) (int64, error)
	Get(ctx context.Context, id int64) (Record, error)
	List(ctx context.Context, f ListFilter) ([]Record, error)
	ListRecurring(ctx context.Context) ([]Record, error)
	ListByParent(ctx context.Context, parentID int64) ([]Record, error)

	// UpdateEntry rewrites the descriptive columns of r.ID. is_recurring,
	// interval_kind, next_due and the parent ref are left as stored.
	UpdateEntry(ctx context.Context, r Record) (bool, error)
	// UpdateSchedule rewrites every mutable column of r.ID provided next_due
	// still equals prevNextDue (nil matches NULL). It returns ErrConflict when
	// the row exists but next_due moved.
	UpdateSchedule(ctx context.Context, r Record, prevNextDue *string) (bool, error)
	// Delete removes a single row. Rows referencing it as parent go with it.
	Delete(ctx context.Context, id int64) (bool, error)
	// DeleteCascade removes id and every row whose parent ref is id in one
	// transaction and returns the number of rows removed.
	DeleteCascade(ctx context.Context, id int64) (int64, error)

	// CommitCatchUp advances next_due (compare-and-set on PrevNextDue) and
	// inserts the children atomically. It returns the new child ids.
	CommitCatchUp(ctx context.Context, c CatchUp) ([]int64, error)

	// FirstActiveInterval returns the first kind (in the given order) used by at
	// least one recurring row. Matching is case-insensitive.
	FirstActiveInterval(ctx context.Context, kinds []string) (string, bool, error)

	Close() error
}

// Open initializes the configured store and applies pending migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
