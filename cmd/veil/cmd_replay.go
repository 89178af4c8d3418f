package main

// ---------------------------------------------------------------------------
// cmd_replay.go — feed a recorded host session through a fresh engine
// ---------------------------------------------------------------------------

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/veilguard/veil/internal/core"
	"github.com/veilguard/veil/internal/guardian"
)

type replayRecord struct {
	At   time.Time       `json:"at"`
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data,omitempty"`
}

type replayAlert struct {
	Module string `json:"module"`
	Level  string `json:"level"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

type replayStep struct {
	Line   int           `json:"line"`
	At     time.Time     `json:"at,omitempty"`
	Op     string        `json:"op"`
	Result interface{}   `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
	Alerts []replayAlert `json:"alerts,omitempty"`
}

// replaySession is a guardian on a manual clock that records the alerts
// raised by each step.
type replaySession struct {
	g     *guardian.Guardian
	clock *core.ManualClock

	mu      sync.Mutex
	pending []replayAlert
}

func newReplaySession(cfg *core.Config, logger zerolog.Logger) (*replaySession, error) {
	cfg.Bus.Enabled = false
	cfg.Alerts.EnableConsole = false

	s := &replaySession{clock: core.NewManualClock(time.Unix(0, 0).UTC())}
	engine, err := core.NewEngine(cfg, core.WithLogger(logger), core.WithClock(s.clock))
	if err != nil {
		return nil, err
	}
	engine.Pipeline.AddHandler(func(a *core.Alert) {
		s.mu.Lock()
		s.pending = append(s.pending, replayAlert{
			Module: a.Module,
			Level:  a.Level.String(),
			Title:  a.Title,
			Detail: a.Description,
		})
		s.mu.Unlock()
	})
	g, err := guardian.New(engine)
	if err != nil {
		return nil, err
	}
	s.g = g
	return s, nil
}

func (s *replaySession) takeAlerts() []replayAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

// run replays every record in r. Malformed lines become steps with an error.
func (s *replaySession) run(r io.Reader) ([]replayStep, error) {
	var steps []replayStep
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var rec replayRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			steps = append(steps, replayStep{Line: line, Error: "bad record: " + err.Error()})
			continue
		}
		if !rec.At.IsZero() {
			s.clock.Set(rec.At)
		}

		step := replayStep{Line: line, At: rec.At, Op: rec.Op}
		result, err := s.g.Dispatch(rec.Op, rec.Data)
		if err != nil {
			step.Error = err.Error()
		} else {
			step.Result = result
		}
		step.Alerts = s.takeAlerts()
		steps = append(steps, step)
	}
	if err := sc.Err(); err != nil {
		return steps, fmt.Errorf("reading session: %w", err)
	}

	// Flush port-scan summaries still waiting on their timer.
	s.g.TrackPack.Reset()
	if tail := s.takeAlerts(); len(tail) > 0 {
		steps = append(steps, replayStep{Line: line, Op: "end", Alerts: tail})
	}
	return steps, nil
}

func cmdReplay(args []string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	profile := fs.String("profile", "", "Identity profile override")
	format := fs.String("format", "table", "Output format: table, json")
	verbose := fs.Bool("verbose", false, "Show engine logs on stderr")
	fs.Parse(args)

	if fs.NArg() != 1 {
		errorf("usage: veil replay [flags] <session.jsonl>")
	}
	cfg := loadConfig(envConfig(*configPath), *profile, "")

	var in io.Reader = os.Stdin
	if path := fs.Arg(0); path != "-" {
		f, err := os.Open(path)
		if err != nil {
			errorf("opening session: %v", err)
		}
		defer f.Close()
		in = f
	}

	logger := zerolog.Nop()
	if *verbose {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(core.ParseLogLevel(cfg.LogLevel())).With().Timestamp().Logger()
	}

	s, err := newReplaySession(cfg, logger)
	if err != nil {
		errorf("creating engine: %v", err)
	}
	steps, err := s.run(in)
	if err != nil {
		errorf("%v", err)
	}

	if parseFormat(*format) == FormatJSON {
		writeJSON(os.Stdout, steps)
		return
	}

	t := NewTable(os.Stdout, "LINE", "AT", "OP", "RESULT", "ALERTS")
	failed, alerts := 0, 0
	for _, st := range steps {
		result := compactJSON(st.Result)
		if st.Error != "" {
			result = red("error: ") + st.Error
			failed++
		}
		at := ""
		if !st.At.IsZero() {
			at = st.At.Format("15:04:05.000")
		}
		alerts += len(st.Alerts)
		t.AddRow(fmt.Sprint(st.Line), at, st.Op, truncate(result, 72), fmt.Sprint(len(st.Alerts)))
	}
	t.Render()

	if alerts > 0 {
		fmt.Fprintf(os.Stdout, "\n%s\n", bold("ALERTS"))
		for _, st := range steps {
			for _, a := range st.Alerts {
				fmt.Fprintf(os.Stdout, "  %s %-8s %s", dim(fmt.Sprintf("line %d", st.Line)), a.Level, a.Title)
				if a.Detail != "" && a.Detail != a.Title {
					fmt.Fprintf(os.Stdout, " %s", dim(a.Detail))
				}
				fmt.Fprintln(os.Stdout)
			}
		}
	}
	fmt.Fprintf(os.Stdout, "\n%d steps, %d alerts, %d errors\n", len(steps), alerts, failed)
}

func compactJSON(v interface{}) string {
	if v == nil {
		return "ok"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
