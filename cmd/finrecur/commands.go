package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"finrecur/internal/app"
	"finrecur/internal/recurrence"

	"github.com/shopspring/decimal"
)

func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// setFlags returns the names of flags given on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	m := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { m[f.Name] = true })
	return m
}

func cmdTick(ctx context.Context, a *app.App, args []string) error {
	fs := newFlags("tick")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rep, err := a.Tick(ctx)
	fmt.Printf("pass %s: due=%d processed=%d spawned=%d skipped=%d\n",
		rep.ID, rep.Due, rep.Processed, rep.Spawned, len(rep.Skipped))
	for _, s := range rep.Skipped {
		fmt.Printf("  skipped #%d: %v\n", s.ID, s.Err)
	}
	if rep.Armed {
		fmt.Printf("shortest interval %s, wake every %s\n", rep.Interval, rep.Cadence)
	} else if err == nil {
		fmt.Println("no active subscriptions")
	}
	return err
}

func cmdAdd(ctx context.Context, a *app.App, args []string) error {
	fs := newFlags("add")
	amount := fs.String("amount", "", "amount, e.g. 12.50")
	kind := fs.String("kind", "expense", "income or expense")
	category := fs.String("category", "", "category")
	desc := fs.String("desc", "", "description")
	at := fs.String("at", "", "timestamp dd/MM/yyyy HH:mm (default now)")
	account := fs.Int64("account", 0, "account id")
	instrument := fs.Int64("instrument", 0, "card/instrument id")
	interval := fs.String("interval", "", "minutely|daily|weekly|monthly|yearly; makes it a subscription")
	if err := fs.Parse(args); err != nil {
		return err
	}

	amt, err := decimal.NewFromString(strings.TrimSpace(*amount))
	if err != nil {
		return fmt.Errorf("-amount: %w", err)
	}
	ts := strings.TrimSpace(*at)
	if ts == "" {
		ts = a.Calendar().Format(time.Now())
	}
	in := recurrence.NewTransaction{
		Amount:      amt,
		Kind:        *kind,
		Category:    *category,
		Description: *desc,
		Timestamp:   ts,
		AccountRef:  *account,
		Recurring:   strings.TrimSpace(*interval) != "",
		Interval:    *interval,
	}
	if *instrument != 0 {
		in.InstrumentRef = instrument
	}

	t, err := a.Ledger().Create(ctx, in)
	if err != nil {
		return err
	}
	fmt.Printf("created #%d\n", t.Base().ID)
	if s, ok := t.(recurrence.Subscription); ok {
		fmt.Printf("next due %s\n", a.Calendar().Format(s.NextDue))
	}
	return nil
}

func cmdEdit(ctx context.Context, a *app.App, args []string) error {
	id, ed, err := parseEdit(args)
	if err != nil {
		return err
	}
	ok, err := a.Ledger().Edit(ctx, id, ed)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("transaction %d not found", id)
	}
	fmt.Printf("updated #%d\n", id)
	return nil
}

// parseEdit maps edit flags to a recurrence.Edit. Only flags given on the
// command line are set; the rest stay nil and keep their stored values.
func parseEdit(args []string) (int64, recurrence.Edit, error) {
	var ed recurrence.Edit
	fs := newFlags("edit")
	id := fs.Int64("id", 0, "transaction id")
	amount := fs.String("amount", "", "new amount")
	category := fs.String("category", "", "new category")
	desc := fs.String("desc", "", "new description")
	interval := fs.String("interval", "", "new interval (recomputes next due)")
	recurring := fs.Bool("recurring", false, "turn recurrence on or off")
	if err := fs.Parse(args); err != nil {
		return 0, ed, err
	}
	if *id <= 0 {
		return 0, ed, errors.New("-id is required")
	}

	set := setFlags(fs)
	if set["amount"] {
		amt, err := decimal.NewFromString(strings.TrimSpace(*amount))
		if err != nil {
			return 0, ed, fmt.Errorf("-amount: %w", err)
		}
		ed.Amount = &amt
	}
	if set["category"] {
		ed.Category = category
	}
	if set["desc"] {
		ed.Description = desc
	}
	if set["interval"] {
		ed.Interval = interval
	}
	if set["recurring"] {
		ed.Recurring = recurring
	}
	if ed == (recurrence.Edit{}) {
		return 0, ed, errors.New("nothing to change")
	}
	return *id, ed, nil
}

func cmdDelete(ctx context.Context, a *app.App, args []string) error {
	fs := newFlags("delete")
	id := fs.Int64("id", 0, "transaction id")
	subscription := fs.Bool("subscription", false, "fail unless id is a subscription")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id <= 0 {
		return errors.New("-id is required")
	}

	del := a.Ledger().Delete
	if *subscription {
		del = a.Ledger().DeleteSubscription
	}
	ok, err := del(ctx, *id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("transaction %d not found", *id)
	}
	fmt.Printf("deleted #%d\n", *id)
	return nil
}

func cmdList(ctx context.Context, a *app.App, args []string) error {
	fs := newFlags("list")
	subs := fs.Bool("subscriptions", false, "only subscriptions")
	parents := fs.Bool("parents", false, "hide spawned transactions")
	children := fs.Int64("children", 0, "list transactions spawned from this subscription")
	limit := fs.Int("limit", 0, "max rows (0 = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var rows []recurrence.Transaction
	if *children > 0 {
		kids, err := a.Ledger().Children(ctx, *children)
		if err != nil {
			return err
		}
		for _, c := range kids {
			rows = append(rows, c)
		}
	} else {
		var err error
		rows, err = a.Ledger().List(ctx, recurrence.ListOptions{
			ParentsOnly:       *parents,
			SubscriptionsOnly: *subs,
			Limit:             *limit,
		})
		if err != nil {
			return err
		}
	}

	cal := a.Calendar()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWHEN\tKIND\tAMOUNT\tCATEGORY\tSCHEDULE")
	for _, t := range rows {
		e := t.Base()
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, cal.Format(e.At), e.Kind, e.Amount.StringFixed(2), e.Category, schedule(cal, t))
	}
	return w.Flush()
}

func schedule(cal recurrence.Calendar, t recurrence.Transaction) string {
	switch v := t.(type) {
	case recurrence.Subscription:
		return fmt.Sprintf("%s, next %s", v.Interval, cal.Format(v.NextDue))
	case recurrence.Child:
		return fmt.Sprintf("from #%d", v.Parent)
	default:
		return "-"
	}
}

func cmdNext(args []string) error {
	fs := newFlags("next")
	at := fs.String("at", "", "timestamp dd/MM/yyyy HH:mm")
	interval := fs.String("interval", "", "minutely|daily|weekly|monthly|yearly")
	tz := fs.String("tz", "", "timezone (default local)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	loc := time.Local
	if strings.TrimSpace(*tz) != "" {
		l, err := time.LoadLocation(*tz)
		if err != nil {
			return err
		}
		loc = l
	}
	next, err := recurrence.NewCalendar(loc).NextRun(*at, *interval)
	if err != nil {
		return err
	}
	fmt.Println(next)
	return nil
}
