package main

// ---------------------------------------------------------------------------
// cmd_logs.go — fetch recent logs from a running instance, with --follow
// ---------------------------------------------------------------------------

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/veilguard/veil/internal/core"
	"github.com/veilguard/veil/internal/guardian"
)

// dialInstance connects to the bridge of the instance configured at path.
func dialInstance(path, urlOverride string, timeout time.Duration) *guardian.Client {
	cfg, err := core.LoadConfig(envConfig(path))
	if err != nil {
		errorf("loading config: %v", err)
	}
	if timeout <= 0 {
		timeout = cfg.Bus.RPCTimeout
	}
	url := busURL(cfg, urlOverride)
	c, err := guardian.Dial(url, timeout)
	if err != nil {
		errorf("%v (is `veil serve` running?)", err)
	}
	return c
}

func printLogEntry(w io.Writer, e core.LogEntry) {
	if raw := strings.TrimSpace(e.Raw); raw != "" {
		fmt.Fprintln(w, raw)
		return
	}
	fmt.Fprintf(w, "%s %s\n", dim(e.Timestamp.Format(time.RFC3339)), e.Message)
}

func cmdLogs(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	urlFlag := fs.String("url", "", "Bus URL override")
	lines := fs.Int("lines", 50, "Number of log lines to fetch")
	follow := fs.Bool("follow", false, "Continuously poll for new log entries")
	fs.BoolVar(follow, "f", false, "Continuously poll for new log entries")
	poll := fs.Duration("poll-interval", 2*time.Second, "Poll interval for --follow")
	format := fs.String("format", "table", "Output format: table, json")
	timeout := fs.Duration("timeout", 0, "Request timeout (default bus.rpc_timeout)")
	fs.Parse(args)

	c := dialInstance(*configPath, *urlFlag, *timeout)
	defer c.Close()

	if *follow {
		followLogs(c, *lines, *poll)
		return
	}

	entries, err := c.Logs(context.Background(), *lines)
	if err != nil {
		errorf("%v", err)
	}
	if parseFormat(*format) == FormatJSON {
		writeJSON(os.Stdout, entries)
		return
	}
	if len(entries) == 0 {
		fmt.Fprintf(os.Stdout, "%s No log entries found.\n", dim("▸"))
		return
	}
	for _, e := range entries {
		printLogEntry(os.Stdout, e)
	}
}

// followLogs polls for new entries until interrupted. Entries are returned
// oldest first; everything up to the last printed one is skipped.
func followLogs(c *guardian.Client, lines int, poll time.Duration) {
	fmt.Fprintf(os.Stderr, "%s Tailing logs (Ctrl+C to stop)...\n\n", dim("▸"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var last core.LogEntry
	seen := false
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		entries, err := c.Logs(ctx, lines)
		if err != nil && ctx.Err() == nil {
			warnf("%v", err)
		}
		start := 0
		if seen {
			for i := len(entries) - 1; i >= 0; i-- {
				if entries[i].Timestamp.Equal(last.Timestamp) && entries[i].Raw == last.Raw {
					start = i + 1
					break
				}
			}
		}
		for _, e := range entries[start:] {
			printLogEntry(os.Stdout, e)
		}
		if len(entries) > 0 {
			last, seen = entries[len(entries)-1], true
		}

		select {
		case <-ctx.Done():
			fmt.Fprintf(os.Stderr, "\n%s Log tailing stopped.\n", dim("▸"))
			return
		case <-ticker.C:
		}
	}
}
