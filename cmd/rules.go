package cmd

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"text/tabwriter"

	"grimm.is/appwall/internal/brand"
	"grimm.is/appwall/internal/engine"
	"grimm.is/appwall/internal/reconcile"
	"grimm.is/appwall/internal/rules"
)

// RunList prints known and connected applications with their rules.
func RunList(args []string) error {
	var g GlobalFlags
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	g.register(fs)
	asJSON := fs.Bool("json", false, "Print JSON")
	fs.Parse(args)

	ctx := context.Background()
	a, err := openApp(ctx, g, openOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	apps, err := a.engine.ListApplications(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(apps)
	}
	printApplications(apps)
	return nil
}

func printApplications(apps []engine.Application) {
	if len(apps) == 0 {
		Printer.Printf("No applications known.\n")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	Printer.Fprintln(w, "APPLICATION\tSTATE\tSOURCE\tENFORCED\tCONNECTED\tPATH")
	for _, app := range apps {
		state := string(app.Rule.State)
		if app.Tampered {
			state += " (tampered)"
		}
		Printer.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			app.Identity.Name, state, app.Rule.Source, yesNo(app.Enforced), yesNo(app.Connected), app.Identity.Path)
	}
	w.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "-"
}

// RunSetState implements block and allow.
func RunSetState(name string, state rules.State, args []string) error {
	var g GlobalFlags
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	g.register(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return usagef("usage: %s %s [options] <executable>", brand.BinaryName, name)
	}

	ctx := context.Background()
	a, err := openApp(ctx, g, openOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.engine.SetRuleState(ctx, fs.Arg(0), state)
	if err != nil {
		printReport(rep)
		return err
	}
	path, cerr := a.engine.Resolver().Canonicalize(fs.Arg(0))
	if cerr != nil {
		path = fs.Arg(0)
	}
	if state == rules.Blocked {
		Printer.Printf("Blocked %s\n", path)
	} else {
		Printer.Printf("Allowed %s\n", path)
	}
	printReport(rep)
	return partial(rep)
}

// RunRemove deletes the rule for an executable.
func RunRemove(args []string) error {
	var g GlobalFlags
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	g.register(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return usagef("usage: %s remove [options] <executable>", brand.BinaryName)
	}

	ctx := context.Background()
	a, err := openApp(ctx, g, openOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.engine.RemoveRule(ctx, fs.Arg(0))
	if err != nil {
		printReport(rep)
		return err
	}
	Printer.Printf("Removed rule for %s\n", fs.Arg(0))
	printReport(rep)
	return partial(rep)
}

// RunRefresh reconciles enforcement with the rules file once.
func RunRefresh(args []string) error {
	var g GlobalFlags
	fs := flag.NewFlagSet("refresh", flag.ExitOnError)
	g.register(fs)
	fs.Parse(args)

	ctx := context.Background()
	a, err := openApp(ctx, g, openOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.engine.Refresh(ctx)
	if err != nil {
		return err
	}
	printReport(rep)
	return partial(rep)
}

func printReport(rep reconcile.Report) {
	if rep.ID == "" {
		return
	}
	Printer.Printf("Enforcement: %d applied, %d revoked, %d failed\n", len(rep.Applied), len(rep.Revoked), len(rep.Failed))
	for _, f := range rep.Failed {
		Printer.Printf("  failed %s %s: %v\n", f.Op, f.Path, f.Err)
	}
	if rep.Drift > 0 {
		Printer.Printf("Drift corrected: %d\n", rep.Drift)
	}
}
