package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"sqlgrep/internal/config"
	"sqlgrep/internal/db"
	"sqlgrep/internal/monitor"
	"sqlgrep/internal/uploader"
	"sqlgrep/internal/util"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	recent := flag.Int("recent", 0, "also print the newest N log entries")
	exportDir := flag.String("export-dir", "", "export logs and summaries under this directory")
	flag.Parse()

	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	util.SetVerbose(cfg.Verbose)

	specs := make(map[string]db.Spec, len(cfg.Connections))
	for name, conn := range cfg.Connections {
		specs[name] = db.Spec{Driver: conn.Driver, DSN: conn.DSN}
	}
	registry, err := db.Open(specs, cfg.DefaultConnection)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer registry.Close()

	conn, err := registry.Get(cfg.Monitor.Connection)
	if err != nil {
		fmt.Fprintf(os.Stderr, "monitor connection unavailable: %v\n", err)
		os.Exit(1)
	}
	store := monitor.NewStore(conn, cfg.Monitor.Table, cfg.Monitor.RetentionDays)
	ctx := context.Background()

	summaries, err := store.Summaries(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load summaries: %v\n", err)
		os.Exit(1)
	}
	printSummaries(summaries)

	if *recent > 0 {
		entries, err := store.Recent(ctx, *recent)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load entries: %v\n", err)
			os.Exit(1)
		}
		printEntries(entries)
	}

	if *exportDir != "" {
		exporter := monitor.NewExporter(store, uploader.FromStorage(cfg.Storage))
		dir, location, err := exporter.Export(ctx, *exportDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "export failed: %v\n", err)
			os.Exit(1)
		}
		util.Infof("exported to %s", dir)
		if location != "" {
			util.Highlightf("uploaded to %s", location)
		}
	}
}

func printSummaries(summaries []monitor.Summary) {
	if len(summaries) == 0 {
		fmt.Println("no recorded runs")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SCOPE\tSTATUS\tCOUNT\tAVG MS\tPROMPT\tCOMPLETION")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\n",
			s.Scope, s.Status, s.Count, s.AvgDurationMs, s.PromptTokens, s.CompletionTokens)
	}
	w.Flush()
}

func printEntries(entries []monitor.Entry) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tSCOPE\tSTATUS\tMS\tITER\tQUESTION")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			e.CreatedAt, e.Scope, e.Status, e.DurationMs, e.Iterations, e.Question)
	}
	w.Flush()
}
