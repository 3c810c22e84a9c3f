package cmd

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"grimm.is/appwall/internal/journal"
)

// RunHistory prints recent journal events, newest first.
func RunHistory(args []string) error {
	var g GlobalFlags
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	g.register(fs)
	limit := fs.Int("limit", 20, "Number of events")
	path := fs.String("path", "", "Only events for this rule path")
	kind := fs.String("kind", "", "Only events of this kind (rule, reconcile)")
	since := fs.Duration("since", 0, "Only events newer than this age, e.g. 24h")
	asJSON := fs.Bool("json", false, "Print JSON")
	fs.Parse(args)

	switch journal.Kind(*kind) {
	case "", journal.KindRule, journal.KindReconcile:
	default:
		return usagef("unknown event kind %q", *kind)
	}

	ctx := context.Background()
	a, err := openApp(ctx, g, openOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	q := journal.Query{Limit: *limit, Path: *path, Kind: journal.Kind(*kind)}
	if *since > 0 {
		q.Since = time.Now().Add(-*since)
	}
	events, err := a.engine.History(ctx, q)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}
	if len(events) == 0 {
		Printer.Printf("No journal events.\n")
		return nil
	}
	for _, e := range events {
		Printer.Printf("%s  %s\n", e.At.Local().Format(time.RFC3339), e)
	}
	return nil
}
