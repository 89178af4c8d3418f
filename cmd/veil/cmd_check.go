package main

// ---------------------------------------------------------------------------
// cmd_check.go — classify resource-pack URLs
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/veilguard/veil/internal/localaddr"
	"github.com/veilguard/veil/internal/modules/trackpack"
)

type checkResult struct {
	URL        string                    `json:"url"`
	Local      bool                      `json:"local"`
	Suspicious bool                      `json:"suspicious"`
	Score      int                       `json:"score"`
	Traits     []string                  `json:"traits,omitempty"`
	Detection  trackpack.DetectionResult `json:"detection"`
}

func checkURLs(d *trackpack.Detector, classifier *localaddr.Classifier, urls []string) []checkResult {
	results := make([]checkResult, 0, len(urls))
	for _, u := range urls {
		det, suspicious := d.Classify(u)
		score, traits := d.Score(u)
		results = append(results, checkResult{
			URL:        u,
			Local:      classifier.IsLocalURL(u),
			Suspicious: suspicious,
			Score:      score,
			Traits:     traits,
			Detection:  det,
		})
	}
	return results
}

func cmdCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	noDNS := fs.Bool("no-dns", false, "Do not resolve hostnames")
	format := fs.String("format", "table", "Output format: table, json")
	fs.Parse(args)

	urls := fs.Args()
	if len(urls) == 0 {
		errorf("usage: veil check [flags] <url>...")
	}

	cfg := loadConfig(envConfig(*configPath), "", "")
	classifier := localaddr.NewSystemClassifier()
	if *noDNS {
		classifier = localaddr.NewClassifier(nil, 0)
	}
	d := trackpack.NewDetector(cfg.Detection, classifier, nil, nil)
	results := checkURLs(d, classifier, urls)

	if parseFormat(*format) == FormatJSON {
		writeJSON(os.Stdout, results)
		return
	}

	t := NewTable(os.Stdout, "URL", "LOCAL", "VERDICT", "TYPE", "SCORE", "REASON")
	flagged := 0
	for _, r := range results {
		verdict := green("clean")
		switch {
		case r.Suspicious:
			verdict = red("probe")
			flagged++
		case r.Detection.Type != trackpack.DetectionNone:
			verdict = yellow("suspect")
			flagged++
		}
		reason := r.Detection.Reason
		if reason == "" && len(r.Traits) > 0 {
			reason = strings.Join(r.Traits, ", ")
		}
		t.AddRow(r.URL, strconv.FormatBool(r.Local), verdict, r.Detection.Type.String(), strconv.Itoa(r.Score), reason)
	}
	t.Render()
	fmt.Fprintf(os.Stdout, "\n%d/%d flagged\n", flagged, len(results))
}
