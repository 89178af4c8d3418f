package main

// ---------------------------------------------------------------------------
// usage.go — version, usage and per-command help
// ---------------------------------------------------------------------------

import (
	"fmt"
	"io"
	"os"
	goruntime "runtime"
	"runtime/debug"
)

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "veil v%s", version)
	if commit != "dev" {
		fmt.Fprintf(w, " (%s)", commit[:min(7, len(commit))])
	}
	if buildDate != "unknown" {
		fmt.Fprintf(w, " built %s", buildDate)
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(w, " %s", bi.GoVersion)
	}
	fmt.Fprintf(w, " %s/%s", goruntime.GOOS, goruntime.GOARCH)
	fmt.Fprintln(w)
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n\n", bold(cyan("veil")), dim("v"+version))
	fmt.Fprintf(w, "  Client identity and tracking protection engine.\n\n")
	fmt.Fprintf(w, "%s\n\n", bold("USAGE"))
	fmt.Fprintf(w, "  veil <command> [flags]\n\n")
	fmt.Fprintf(w, "%s\n\n", bold("COMMANDS"))
	fmt.Fprintf(w, "  %-10s  %s\n", bold("serve"), "Run the engine and serve the host bridge")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("check"), "Classify resource-pack URLs")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("replay"), "Feed a recorded session through a fresh engine")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("config"), "Show, validate or initialize configuration")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("logs"), "Fetch recent logs from a running instance")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("status"), "Show counters of a running instance")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("version"), "Print version and build info")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("help"), "Show help for a command")
	fmt.Fprintf(w, "\n%s\n\n", bold("ENVIRONMENT VARIABLES"))
	fmt.Fprintf(w, "  %-22s  %s\n", "VEIL_CONFIG", "Default config file path")
	fmt.Fprintf(w, "  %-22s  %s\n", "VEIL_PROFILE", "Identity profile: native, reduced, alternate, bare")
	fmt.Fprintf(w, "  %-22s  %s\n", "VEIL_LOG_LEVEL", "Log level: debug, info, warn, error")
	fmt.Fprintf(w, "  %-22s  %s\n", "VEIL_BUS_URL", "Use an external NATS server")
	fmt.Fprintf(w, "  %-22s  %s\n", "VEIL_API_ADDR", "Local HTTP API address")
	fmt.Fprintf(w, "\nRun %s for detailed help on any command.\n\n", bold("veil help <command>"))
}

var commandHelp = map[string]string{
	"serve": `veil serve [flags]

Run the engine until SIGINT/SIGTERM. The host talks to it over NATS
request/reply on veil.rpc.<op>, or over the local HTTP API at
POST /api/v1/bridge/<op> when api.enabled is set. Config file changes are
applied live.

  --config <path>     Config file (default veil.yaml, env VEIL_CONFIG)
  --profile <name>    Override policy.profile
  --log-level <lvl>   Override logging.level
  --api <addr>        Enable the local HTTP API on addr
  --no-watch          Do not reload the config file on change
  --dry-run           Validate config, then exit
  -q, --quiet         No startup messages
`,
	"check": `veil check [flags] <url>...

Classify URLs the way inbound resource-pack requests are classified.

  --config <path>     Config file (detection thresholds)
  --no-dns            Do not resolve hostnames
  --format <fmt>      table or json
`,
	"replay": `veil replay [flags] <session.jsonl>

Feed recorded host events through a fresh engine and print each verdict
followed by the alerts raised. Each line is
  {"at": "<RFC3339>", "op": "<operation>", "data": {...}}
where op is one of transfer, outgoing, brand, configured, resolve, context,
discovery, language, connect, disconnect, tick. The engine clock follows
"at", so windows and cooldowns behave as they did live.

  --config <path>     Config file
  --profile <name>    Override policy.profile
  --format <fmt>      table or json
`,
	"config": `veil config [flags]

Print the effective configuration as YAML.

  --config <path>     Config file to load
  --init <path>       Write the default configuration to path
  --force             Overwrite an existing file with --init
  --validate          Validate and exit
`,
	"logs": `veil logs [flags]

Fetch recent log lines from a running instance over its bridge.

  --config <path>     Config file (bus address)
  --url <nats-url>    Bus address override
  --lines <n>         Number of lines (default 50)
  -f, --follow        Keep polling for new lines
  --format <fmt>      table or json
`,
	"status": `veil status [flags]

Show the counters of a running instance.

  --config <path>     Config file (bus address)
  --url <nats-url>    Bus address override
`,
}

func cmdHelp(cmd string) {
	text, ok := commandHelp[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, red("error: ")+"no help for %q\n\n", cmd)
		printUsage(os.Stderr)
		os.Exit(1)
	}
	fmt.Fprint(os.Stdout, text)
}
