package cmd

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"strconv"
	"text/tabwriter"

	"grimm.is/appwall/internal/monitor"
)

// RunConnections prints live connections with their owning applications.
func RunConnections(args []string) error {
	var g GlobalFlags
	fs := flag.NewFlagSet("connections", flag.ExitOnError)
	g.register(fs)
	asJSON := fs.Bool("json", false, "Print JSON")
	fs.Parse(args)

	ctx := context.Background()
	a, err := openApp(ctx, g, openOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	conns, err := a.engine.GetConnectionSnapshot(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(conns)
	}
	printConnections(conns)
	return nil
}

func printConnections(conns []monitor.ConnectionSnapshot) {
	if len(conns) == 0 {
		Printer.Printf("No active connections.\n")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	Printer.Fprintln(w, "PROTO\tLOCAL\tREMOTE\tSTATE\tPID\tAPPLICATION\tRULE")
	for _, c := range conns {
		remote := "-"
		if c.Remote.IsValid() && !c.Remote.Addr().IsUnspecified() {
			remote = c.Remote.String()
		}
		pid := "-"
		if c.PID > 0 {
			pid = strconv.Itoa(int(c.PID))
		}
		rule := string(c.RuleState)
		if rule == "" {
			rule = "-"
		}
		Printer.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.Protocol, c.Local, remote, orDash(c.State), pid, c.Identity, rule)
	}
	w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
