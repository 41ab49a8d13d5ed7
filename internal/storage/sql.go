package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	logx "finrecur/pkg/logx"
)

// Dialect selects placeholder style and driver-specific behavior.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const columns = `id, amount, kind, category, description, occurred_at, account_ref, instrument_ref,
	is_recurring, interval_kind, next_due, parent_subscription_ref`

// sqlStore implements Store on top of database/sql for every supported dialect.
// Queries are written with '?' placeholders and rebound per dialect.
type sqlStore struct {
	db      *sql.DB
	dialect Dialect
	log     logx.Logger
}

// NewSQL wraps an already opened database. It does not run migrations.
func NewSQL(db *sql.DB, dialect Dialect, log logx.Logger) Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, dialect: dialect, log: log}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqlStore) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	return rebindDollar(query)
}

// rebindDollar rewrites '?' placeholders to $1..$n.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Insert(ctx context.Context, r Record) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	return s.insert(ctx, s.db, r)
}

func (s *sqlStore) insert(ctx context.Context, q queryer, r Record) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, s.q(
		`INSERT INTO transactions(amount, kind, category, description, occurred_at, account_ref, instrument_ref,
			is_recurring, interval_kind, next_due, parent_subscription_ref)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?) RETURNING id`),
		r.Amount, r.Kind, r.Category, r.Description, r.Timestamp, r.AccountRef, nullInt(r.InstrumentRef),
		r.IsRecurring, nullStr(r.IntervalKind), nullStr(r.NextDue), nullInt(r.ParentRef),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}
	return id, nil
}

func (s *sqlStore) Get(ctx context.Context, id int64) (Record, error) {
	if s == nil || s.db == nil {
		return Record{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+columns+` FROM transactions WHERE id = ?`), id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

func (s *sqlStore) List(ctx context.Context, f ListFilter) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var (
		where []string
		args  []any
	)
	if f.ParentsOnly {
		where = append(where, "parent_subscription_ref IS NULL")
	}
	if f.RecurringOnly {
		where = append(where, "is_recurring = ?")
		args = append(args, true)
	}
	query := `SELECT ` + columns + ` FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryRecords(ctx, query, args...)
}

func (s *sqlStore) ListRecurring(ctx context.Context) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.queryRecords(ctx, `SELECT `+columns+` FROM transactions WHERE is_recurring = ? ORDER BY id`, true)
}

func (s *sqlStore) ListByParent(ctx context.Context, parentID int64) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.queryRecords(ctx, `SELECT `+columns+` FROM transactions WHERE parent_subscription_ref = ? ORDER BY id`, parentID)
}

func (s *sqlStore) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateEntry(ctx context.Context, r Record) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE transactions SET amount = ?, kind = ?, category = ?, description = ?, occurred_at = ?,
			account_ref = ?, instrument_ref = ?
		 WHERE id = ?`),
		r.Amount, r.Kind, r.Category, r.Description, r.Timestamp, r.AccountRef, nullInt(r.InstrumentRef), r.ID,
	)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s *sqlStore) UpdateSchedule(ctx context.Context, r Record, prevNextDue *string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	query := `UPDATE transactions SET amount = ?, kind = ?, category = ?, description = ?, occurred_at = ?,
			account_ref = ?, instrument_ref = ?, is_recurring = ?, interval_kind = ?, next_due = ?,
			parent_subscription_ref = ?
		 WHERE id = ?`
	args := []any{
		r.Amount, r.Kind, r.Category, r.Description, r.Timestamp, r.AccountRef, nullInt(r.InstrumentRef),
		r.IsRecurring, nullStr(r.IntervalKind), nullStr(r.NextDue), nullInt(r.ParentRef), r.ID,
	}
	if prevNextDue == nil {
		query += ` AND next_due IS NULL`
	} else {
		query += ` AND next_due = ?`
		args = append(args, *prevNextDue)
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return false, err
	}
	ok, err := affected(res)
	if err != nil || ok {
		return ok, err
	}

	var one int
	err = s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM transactions WHERE id = ?`), r.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return false, ErrConflict
}

func (s *sqlStore) Delete(ctx context.Context, id int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM transactions WHERE id = ?`), id)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (s *sqlStore) DeleteCascade(ctx context.Context, id int64) (n int64, err error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Children first so the count does not depend on FK action bookkeeping.
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM transactions WHERE parent_subscription_ref = ?`), id)
	if err != nil {
		return 0, err
	}
	children, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	res, err = tx.ExecContext(ctx, s.q(`DELETE FROM transactions WHERE id = ?`), id)
	if err != nil {
		return 0, err
	}
	self, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return children + self, nil
}

func (s *sqlStore) CommitCatchUp(ctx context.Context, c CatchUp) (ids []int64, err error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
				s.log.Warn("catch-up rollback failed", logx.Int64("subscription_id", c.SubscriptionID), logx.Err(rerr))
			}
		}
	}()

	res, err := tx.ExecContext(ctx, s.q(
		`UPDATE transactions SET next_due = ? WHERE id = ? AND is_recurring = ? AND next_due = ?`),
		c.NextDue, c.SubscriptionID, true, c.PrevNextDue,
	)
	if err != nil {
		return nil, fmt.Errorf("advance next_due: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}

	ids = make([]int64, 0, len(c.Children))
	for _, child := range c.Children {
		id, err := s.insert(ctx, tx, child)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *sqlStore) FirstActiveInterval(ctx context.Context, kinds []string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrDisabled
	}
	query := s.q(`SELECT 1 FROM transactions WHERE is_recurring = ? AND LOWER(interval_kind) = ? LIMIT 1`)
	for _, k := range kinds {
		var one int
		err := s.db.QueryRowContext(ctx, query, true, strings.ToLower(k)).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return "", false, err
		}
		return k, true, nil
	}
	return "", false, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		r          Record
		instrument sql.NullInt64
		interval   sql.NullString
		nextDue    sql.NullString
		parent     sql.NullInt64
	)
	err := sc.Scan(&r.ID, &r.Amount, &r.Kind, &r.Category, &r.Description, &r.Timestamp, &r.AccountRef, &instrument,
		&r.IsRecurring, &interval, &nextDue, &parent)
	if err != nil {
		return Record{}, err
	}
	if instrument.Valid {
		r.InstrumentRef = &instrument.Int64
	}
	if interval.Valid {
		r.IntervalKind = &interval.String
	}
	if nextDue.Valid {
		r.NextDue = &nextDue.String
	}
	if parent.Valid {
		r.ParentRef = &parent.Int64
	}
	return r, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullStr(v *string) any {
	if v == nil || strings.TrimSpace(*v) == "" {
		return nil
	}
	return *v
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
