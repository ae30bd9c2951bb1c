// Command scanctl controls a running stepscand through the shared state
// store: it submits stored scan definitions, raises the interrupt flags and
// inspects queue, status and published data.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timzifer/stepscan/config"
	"github.com/timzifer/stepscan/remote"
	"github.com/timzifer/stepscan/store"
)

const usage = `Usage: scanctl [-config path] <command> [args]

Commands:
  submit <scan> [-order n] [-wait]  queue a stored scan definition
  status                            show daemon status
  queue                             list queued commands
  cancel                            cancel every queued command
  abort                             abort the running scan and empty the queue
  pause                             pause the running scan
  resume                            resume a paused scan
  shutdown                          stop the daemon after the current scan
  show <scan>                       print a stored definition
  data <run> <label>                print one published series
`

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatal(fmt.Errorf("load configuration: %w", err))
	}
	client, err := remote.Open(cfg.Store)
	if err != nil {
		fatal(fmt.Errorf("connect store: %w", err))
	}
	defer client.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := dispatch(ctx, client, flag.Args()); err != nil {
		fatal(err)
	}
}

func dispatch(ctx context.Context, client *remote.Client, args []string) error {
	command, rest := args[0], args[1:]
	switch command {
	case "submit":
		return runSubmit(ctx, client, rest)
	case "status":
		return runStatus(ctx, client)
	case "queue":
		return runQueue(ctx, client)
	case "cancel":
		canceled, err := client.CancelQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("canceled %d queued commands\n", canceled)
		return nil
	case "abort":
		if err := client.Abort(ctx); err != nil {
			return err
		}
		fmt.Println("abort requested")
		return nil
	case "pause":
		if err := client.Pause(ctx); err != nil {
			return err
		}
		fmt.Println("pause requested")
		return nil
	case "resume":
		if err := client.Resume(ctx); err != nil {
			return err
		}
		fmt.Println("resume requested")
		return nil
	case "shutdown":
		if err := client.Shutdown(ctx); err != nil {
			return err
		}
		fmt.Println("shutdown requested")
		return nil
	case "show":
		if len(rest) != 1 {
			return fmt.Errorf("usage: scanctl show <scan>")
		}
		return runShow(ctx, client, rest[0])
	case "data":
		if len(rest) != 2 {
			return fmt.Errorf("usage: scanctl data <run> <label>")
		}
		return runData(ctx, client, rest[0], rest[1])
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func runSubmit(ctx context.Context, client *remote.Client, args []string) error {
	flags := flag.NewFlagSet("submit", flag.ExitOnError)
	order := flags.Int("order", 0, "Queue position, lower runs first")
	wait := flags.Bool("wait", false, "Block until the scan ends")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: scanctl submit <scan> [-order n] [-wait]")
	}
	name := flags.Arg(0)

	id, err := client.SubmitName(ctx, name, *order)
	if err != nil {
		return err
	}
	fmt.Printf("command %d queued, run %s\n", id, store.RunID(name, id))

	if !*wait {
		return nil
	}
	status, err := client.Wait(ctx, id, 0)
	if err != nil {
		return fmt.Errorf("wait for command %d: %w", id, err)
	}
	fmt.Printf("command %d %s\n", id, status)
	if status != store.CommandFinished {
		return fmt.Errorf("scan did not finish")
	}
	return nil
}

func runStatus(ctx context.Context, client *remote.Client) error {
	status, err := client.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("State:     %s\n", status.State)
	fmt.Printf("Points:    %d\n", status.Points)
	if status.Estimate > 0 {
		fmt.Printf("Remaining: %s\n", status.Estimate.Round(time.Second))
	}
	fmt.Printf("Heartbeat: %s\n", describeHeartbeat(status))
	if status.Command != 0 {
		fmt.Printf("Command:   %d\n", status.Command)
	}
	if status.Host != "" {
		fmt.Printf("Daemon:    %s (pid %d)\n", status.Host, status.PID)
	}
	return nil
}

func describeHeartbeat(status remote.Status) string {
	if status.Heartbeat.IsZero() {
		return "never"
	}
	age := time.Since(status.Heartbeat).Round(time.Second)
	if status.Alive(time.Minute) {
		return fmt.Sprintf("%s ago", age)
	}
	return fmt.Sprintf("%s ago (stale)", age)
}

func runQueue(ctx context.Context, client *remote.Client) error {
	queue, err := client.Queue(ctx)
	if err != nil {
		return err
	}
	if len(queue) == 0 {
		fmt.Println("queue is empty")
		return nil
	}
	for _, cmd := range queue {
		fmt.Printf("%6d  order %-3d  %-20s  %s\n",
			cmd.ID, cmd.RunOrder, cmd.Scan, cmd.Created.Format(time.RFC3339))
	}
	return nil
}

func runShow(ctx context.Context, client *remote.Client, name string) error {
	def, err := client.Definition(ctx, name)
	if err != nil {
		return err
	}
	body, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}

func runData(ctx context.Context, client *remote.Client, run, label string) error {
	values, err := client.ScanData(ctx, run, label)
	if err != nil {
		return err
	}
	for _, value := range values {
		fmt.Printf("%g\n", value)
	}
	return nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "scanctl: %v\n", err)
	os.Exit(1)
}
