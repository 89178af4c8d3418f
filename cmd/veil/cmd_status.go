package main

// ---------------------------------------------------------------------------
// cmd_status.go — counters of a running instance
// ---------------------------------------------------------------------------

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
)

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	urlFlag := fs.String("url", "", "Bus URL override")
	format := fs.String("format", "table", "Output format: table, json")
	fs.Parse(args)

	c := dialInstance(*configPath, *urlFlag, 0)
	defer c.Close()

	stats, err := c.Stats(context.Background())
	if err != nil {
		errorf("%v", err)
	}
	if parseFormat(*format) == FormatJSON {
		writeJSON(os.Stdout, stats)
		return
	}

	fmt.Fprintf(os.Stdout, "%s profile %v, peer %v\n\n", green("●"), stats["profile"], orNone(stats["peer"]))
	t := NewTable(os.Stdout, "COMPONENT", "COUNTER", "VALUE")
	for _, component := range sortedKeys(stats) {
		group, ok := stats[component].(map[string]interface{})
		if !ok {
			continue
		}
		for _, k := range sortedKeys(group) {
			if _, nested := group[k].(map[string]interface{}); nested {
				continue
			}
			t.AddRow(component, k, fmt.Sprint(group[k]))
		}
	}
	t.Render()
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orNone(v interface{}) interface{} {
	if s, ok := v.(string); ok && s == "" {
		return "none"
	}
	return v
}
