// Command streamctl is the operator interface of the shared-stream engine. It
// talks to the shared store directly, so it works whether or not a daemon is
// running.
//
// Exit codes: 0 success, 1 failure (not found, action failed, or any stream
// unhealthy for the health command), 2 usage error.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"streamshare/internal/app"
	"streamshare/internal/config"
	"streamshare/internal/janitor"
	"streamshare/internal/models"
	"streamshare/internal/observability/logging"
	"streamshare/internal/operator"
)

const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

// Operator is the action set the commands drive.
type Operator interface {
	List(ctx context.Context) ([]operator.StreamInfo, error)
	Stop(ctx context.Context, key models.StreamKey) error
	StopAll(ctx context.Context) ([]models.StreamKey, error)
	Cleanup(ctx context.Context) (janitor.Report, error)
	Sync(ctx context.Context) (operator.SyncReport, error)
	Stats(ctx context.Context) (operator.Stats, error)
	Health(ctx context.Context) (operator.HealthReport, error)
	Debug(ctx context.Context, key models.StreamKey) (operator.DebugInfo, error)
	ClearRedirects(ctx context.Context) (int, error)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, rest, err := config.Load("streamctl", args, nil)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			usage(stderr)
			return exitOK
		}
		fmt.Fprintf(stderr, "streamctl: %v\n", err)
		return exitUsage
	}
	if len(rest) == 0 {
		usage(stderr)
		return exitUsage
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Writer: stderr})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.NewOperator(ctx, cfg, logger, app.Options{})
	if err != nil {
		fmt.Fprintf(stderr, "streamctl: %v\n", err)
		return exitFail
	}
	defer a.Close()
	return dispatch(ctx, a.Operator, rest[0], rest[1:], stdout, stderr)
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `usage: streamctl [settings] <command> [args]

commands:
  list                 list active streams
  stop <key> | --all   stop one stream or every stream
  cleanup              run a janitor sweep now
  sync                 reconcile the store with running processes
  stats                show aggregate counters
  health               check every stream; exits 1 if any is unhealthy
  debug <key>          dump everything known about one stream
  clear-redirects      remove every failover redirect

every command accepts --json

settings:`)
	config.Usage("streamctl", w)
}

func dispatch(ctx context.Context, op Operator, command string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	asJSON := fs.Bool("json", false, "print JSON")
	all := fs.Bool("all", false, "stop every stream")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	out := printer{w: stdout, json: *asJSON}

	var err error
	code := exitOK
	switch command {
	case "list":
		err = cmdList(ctx, op, out)
	case "stop":
		err = cmdStop(ctx, op, out, fs.Args(), *all)
	case "cleanup":
		err = cmdCleanup(ctx, op, out)
	case "sync":
		err = cmdSync(ctx, op, out)
	case "stats":
		err = cmdStats(ctx, op, out)
	case "health":
		var healthy bool
		healthy, err = cmdHealth(ctx, op, out)
		if err == nil && !healthy {
			code = exitFail
		}
	case "debug":
		err = cmdDebug(ctx, op, out, fs.Args())
	case "clear-redirects":
		err = cmdClearRedirects(ctx, op, out)
	default:
		fmt.Fprintf(stderr, "streamctl: unknown command %q\n", command)
		return exitUsage
	}
	if err != nil {
		var usageErr usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintf(stderr, "streamctl %s: %v\n", command, err)
			return exitUsage
		}
		fmt.Fprintf(stderr, "streamctl %s: %v\n", command, err)
		return exitFail
	}
	return code
}

type usageError string

func (e usageError) Error() string { return string(e) }

type printer struct {
	w    io.Writer
	json bool
}

func (p printer) emit(v any, text func(io.Writer)) error {
	if p.json {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(p.w)
	return nil
}

func cmdList(ctx context.Context, op Operator, out printer) error {
	streams, err := op.List(ctx)
	if err != nil {
		return err
	}
	return out.emit(streams, func(w io.Writer) {
		if len(streams) == 0 {
			fmt.Fprintln(w, "no active streams")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tSTATUS\tCLIENTS\tPID\tSTARTED\tIDLE\tREQUEST")
		for _, s := range streams {
			rec := s.Record
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
				rec.StreamKey, rec.Status, s.Clients, rec.PID,
				humanize.Time(rec.CreatedAt), s.Idle.Round(time.Second), rec.RequestID)
		}
		tw.Flush()
	})
}

func cmdStop(ctx context.Context, op Operator, out printer, args []string, all bool) error {
	switch {
	case all && len(args) > 0:
		return usageError("give a key or --all, not both")
	case all:
		stopped, err := op.StopAll(ctx)
		if err != nil {
			return err
		}
		return out.emit(map[string]any{"stopped": stopped}, func(w io.Writer) {
			fmt.Fprintf(w, "stopped %d stream(s)\n", len(stopped))
			for _, key := range stopped {
				fmt.Fprintf(w, "  %s\n", key)
			}
		})
	case len(args) != 1:
		return usageError("stop needs exactly one stream key or --all")
	}
	key, err := operator.ParseKey(args[0])
	if err != nil {
		return usageError(err.Error())
	}
	if err := op.Stop(ctx, key); err != nil {
		return err
	}
	return out.emit(map[string]any{"stopped": []models.StreamKey{key}}, func(w io.Writer) {
		fmt.Fprintf(w, "stopped %s\n", key)
	})
}

func cmdCleanup(ctx context.Context, op Operator, out printer) error {
	report, err := op.Cleanup(ctx)
	if err != nil {
		return err
	}
	return out.emit(report, func(w io.Writer) {
		fmt.Fprintf(w, "reclaimed streams:   %d\n", len(report.Reclaimed))
		for _, key := range report.Reclaimed {
			fmt.Fprintf(w, "  %s\n", key)
		}
		fmt.Fprintf(w, "evicted segments:    %d (%s)\n", report.EvictedSegments, humanize.Bytes(uint64(report.EvictedBytes)))
		fmt.Fprintf(w, "pruned index items:  %d\n", report.PrunedIndex)
		fmt.Fprintf(w, "footprint:           %s -> %s\n", humanize.Bytes(uint64(report.FootprintBefore)), humanize.Bytes(uint64(report.FootprintAfter)))
		fmt.Fprintf(w, "orphan directories:  %d\n", len(report.OrphanDirs))
		fmt.Fprintf(w, "temp files removed:  %d\n", report.TempFiles)
		if report.Errors > 0 {
			fmt.Fprintf(w, "errors:              %d (see logs)\n", report.Errors)
		}
	})
}

func cmdSync(ctx context.Context, op Operator, out printer) error {
	report, err := op.Sync(ctx)
	if err != nil {
		return err
	}
	return out.emit(report, func(w io.Writer) {
		if !report.Changed() {
			fmt.Fprintln(w, "store is in sync")
		} else {
			fmt.Fprintf(w, "stale pid keys:   %d\n", len(report.StalePIDKeys))
			fmt.Fprintf(w, "dead streams:     %d\n", len(report.DeadStreams))
			for _, key := range report.DeadStreams {
				fmt.Fprintf(w, "  %s\n", key)
			}
			fmt.Fprintf(w, "orphan leases:    %d\n", report.OrphanLeases)
			fmt.Fprintf(w, "orphan indexes:   %d\n", len(report.OrphanIndexes))
		}
		for _, msg := range report.Errors {
			fmt.Fprintf(w, "error: %s\n", msg)
		}
	})
}

func cmdStats(ctx context.Context, op Operator, out printer) error {
	stats, err := op.Stats(ctx)
	if err != nil {
		return err
	}
	return out.emit(stats, func(w io.Writer) {
		fmt.Fprintf(w, "streams:    %d\n", stats.Streams)
		statuses := make([]string, 0, len(stats.ByStatus))
		for status := range stats.ByStatus {
			statuses = append(statuses, string(status))
		}
		sort.Strings(statuses)
		for _, status := range statuses {
			fmt.Fprintf(w, "  %-9s %d\n", status+":", stats.ByStatus[models.Status(status)])
		}
		fmt.Fprintf(w, "clients:    %s\n", humanize.Comma(int64(stats.Clients)))
		fmt.Fprintf(w, "segments:   %s\n", humanize.Comma(int64(stats.Segments)))
		fmt.Fprintf(w, "buffered:   %s in store, %s on disk\n", humanize.Bytes(uint64(stats.StoreBytes)), humanize.Bytes(uint64(stats.DiskBytes)))
		fmt.Fprintf(w, "redirects:  %d\n", stats.Redirects)
	})
}

func cmdHealth(ctx context.Context, op Operator, out printer) (bool, error) {
	report, err := op.Health(ctx)
	if err != nil {
		return false, err
	}
	return report.Healthy, out.emit(report, func(w io.Writer) {
		if len(report.Streams) == 0 {
			fmt.Fprintln(w, "no active streams")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tHEALTHY\tREASON\tDETAIL")
		for _, e := range report.Streams {
			fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", e.StreamKey, e.Healthy, e.Reason, e.Detail)
		}
		tw.Flush()
	})
}

func cmdDebug(ctx context.Context, op Operator, out printer, args []string) error {
	if len(args) != 1 {
		return usageError("debug needs exactly one stream key")
	}
	key, err := operator.ParseKey(args[0])
	if err != nil {
		return usageError(err.Error())
	}
	info, err := op.Debug(ctx, key)
	if err != nil {
		return err
	}
	return out.emit(info, func(w io.Writer) {
		rec := info.Record
		fmt.Fprintf(w, "stream:        %s (%s)\n", rec.StreamKey, rec.Status)
		fmt.Fprintf(w, "source:        %s/%s %s\n", rec.Type, rec.SourceID, rec.Title)
		fmt.Fprintf(w, "request:       %s (candidate %d)\n", rec.RequestID, rec.CandidateIndex)
		fmt.Fprintf(w, "pid:           %d (stored %d, %s)\n", rec.PID, info.StoredPID, orDash(info.ProcessState))
		if len(info.Process.Cmdline) > 0 {
			fmt.Fprintf(w, "cmdline:       %s\n", strings.Join(info.Process.Cmdline, " "))
		}
		fmt.Fprintf(w, "output dir:    %s (%d segment files)\n", rec.OutputDir, info.SegmentFiles)
		fmt.Fprintf(w, "created:       %s\n", humanize.Time(rec.CreatedAt))
		fmt.Fprintf(w, "last activity: %s\n", humanize.Time(rec.LastActivity))
		if rec.ErrorMessage != "" {
			fmt.Fprintf(w, "error:         %s\n", rec.ErrorMessage)
		}
		fmt.Fprintf(w, "index:         %s\n", strings.Join(info.Index, " "))
		fmt.Fprintf(w, "footprint:     %s in store, %s on disk\n", humanize.Bytes(uint64(info.Footprint.StoreBytes)), humanize.Bytes(uint64(info.Footprint.DiskBytes)))
		fmt.Fprintf(w, "leases:        %d\n", len(info.Leases))
		for _, l := range info.Leases {
			fmt.Fprintf(w, "  %s seen %s\n", l.ClientID, humanize.Time(l.LastSeen))
		}
		if info.Redirect != "" {
			fmt.Fprintf(w, "redirect:      -> %s\n", info.Redirect)
		}
		for _, r := range info.Redirects {
			fmt.Fprintf(w, "redirected in: %s ->\n", r.StreamKey)
		}
		fmt.Fprintf(w, "monitor:       disabled=%t\n", info.MonitorDisabled)
		fmt.Fprintf(w, "health:        %t %s %s\n", info.Health.Healthy, info.Health.Reason, info.Health.Detail)
	})
}

func cmdClearRedirects(ctx context.Context, op Operator, out printer) error {
	n, err := op.ClearRedirects(ctx)
	if err != nil {
		return err
	}
	return out.emit(map[string]int{"cleared": n}, func(w io.Writer) {
		fmt.Fprintf(w, "cleared %d redirect(s)\n", n)
	})
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
