package main

import (
	"os"

	"grimm.is/appwall/cmd"
	"grimm.is/appwall/internal/brand"
	"grimm.is/appwall/internal/i18n"
	"grimm.is/appwall/internal/rules"
)

var printer = i18n.NewCLIPrinter()

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(cmd.ExitUsage)
	}

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "list", "ls":
		err = cmd.RunList(args)
	case "block":
		err = cmd.RunSetState("block", rules.Blocked, args)
	case "allow":
		err = cmd.RunSetState("allow", rules.Allowed, args)
	case "remove", "rm":
		err = cmd.RunRemove(args)
	case "refresh":
		err = cmd.RunRefresh(args)
	case "connections", "conns":
		err = cmd.RunConnections(args)
	case "daemon":
		err = cmd.RunDaemon(args)
	case "history":
		err = cmd.RunHistory(args)
	case "config":
		err = cmd.RunConfig(args)
	case "version":
		printer.Printf("%s %s (%s)\n", brand.Name, brand.Version, brand.GitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		printer.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(cmd.ExitUsage)
	}

	if err != nil {
		printer.Fprintf(os.Stderr, "%s: %v\n", brand.BinaryName, err)
		os.Exit(cmd.ExitCode(err))
	}
}

func printUsage() {
	printer.Printf(`%s - %s

Usage:
  %s <command> [options]

Rule Commands:
  list         List known and connected applications (--json)
  block        Block network access for an executable
  allow        Allow network access for an executable
  remove       Delete the rule for an executable (reverts to the default)
  refresh      Reconcile firewall state with the rules file

Observation:
  connections  Show live connections and their owning applications (--json)
  history      Show recent rule changes and reconciliation passes
               Options: -limit <count>, -path <exe>, -kind <rule|reconcile>, -since <age>

Service:
  daemon       Run the enforcement daemon in the foreground
               Options: -teardown (remove firewall state on exit)
  config       Manage configuration
               Subcommands: init [-force], show
  version      Print version

Global options (every command):
  -config, -c <file>   Configuration file (default %s)
  -dry-run             Use the in-memory backend; change no OS firewall state
  -v                   Verbose logging

Exit codes:
  0 ok, 1 failure, 2 usage, 3 not found, 4 permission denied,
  5 storage, 6 backend unavailable or timed out, 7 partial failure

Examples:
  %s block /usr/bin/curl
  %s list
  %s remove /usr/bin/curl
  %s daemon -v
`,
		brand.Name, brand.Description,
		brand.BinaryName,
		brand.DefaultConfigPath(),
		brand.BinaryName, brand.BinaryName, brand.BinaryName, brand.BinaryName)
}
