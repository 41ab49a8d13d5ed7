package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"finrecur/internal/app"
)

const usage = `usage: finrecur [-config path] <command> [flags]

commands:
  run      run the scheduler daemon
  tick     process every due subscription once and exit
  add      create a transaction (recurring with -interval)
  edit     change a transaction
  delete   delete a transaction (subscriptions take their children along)
  list     list transactions
  next     print the next run time for a timestamp and interval
`

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd, rest := args[0], args[1:]; cmd {
	case "run":
		err = runDaemon(ctx, cfgPath)
	case "next":
		err = cmdNext(rest)
	case "tick", "add", "edit", "delete", "list":
		err = withApp(ctx, cfgPath, func(a *app.App) error {
			return dispatch(ctx, a, cmd, rest)
		})
	default:
		flag.Usage()
		os.Exit(2)
	}
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context, cfgPath string) error {
	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Close()
		return err
	}

	reason := app.StopSIGTERM
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return a.Err()
}

func withApp(ctx context.Context, cfgPath string, fn func(a *app.App) error) error {
	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func dispatch(ctx context.Context, a *app.App, cmd string, args []string) error {
	switch cmd {
	case "tick":
		return cmdTick(ctx, a, args)
	case "add":
		return cmdAdd(ctx, a, args)
	case "edit":
		return cmdEdit(ctx, a, args)
	case "delete":
		return cmdDelete(ctx, a, args)
	case "list":
		return cmdList(ctx, a, args)
	}
	return fmt.Errorf("unknown command %q", cmd)
}
