package cmd

import (
	"flag"
	"os"

	"grimm.is/appwall/internal/brand"
	"grimm.is/appwall/internal/config"
	awerrors "grimm.is/appwall/internal/errors"
)

// RunConfig implements "config init" and "config show".
func RunConfig(args []string) error {
	if len(args) == 0 {
		return usagef("usage: %s config <init|show> [options]", brand.BinaryName)
	}
	switch args[0] {
	case "init":
		return runConfigInit(args[1:])
	case "show":
		return runConfigShow(args[1:])
	default:
		return usagef("unknown config subcommand %q", args[0])
	}
}

func runConfigInit(args []string) error {
	var g GlobalFlags
	fs := flag.NewFlagSet("config init", flag.ExitOnError)
	g.register(fs)
	force := fs.Bool("force", false, "Overwrite an existing file")
	fs.Parse(args)

	if _, err := os.Stat(g.ConfigFile); err == nil {
		if !*force {
			return awerrors.Errorf(awerrors.KindValidation, "%s already exists (use -force to overwrite)", g.ConfigFile)
		}
		if err := os.Remove(g.ConfigFile); err != nil {
			return awerrors.Wrap(err, awerrors.KindStorage, "replace configuration")
		}
	}
	if err := config.WriteDefault(g.ConfigFile); err != nil {
		return awerrors.Wrap(err, awerrors.KindStorage, "write configuration")
	}
	Printer.Printf("Wrote default configuration to %s\n", g.ConfigFile)
	return nil
}

func runConfigShow(args []string) error {
	var g GlobalFlags
	fs := flag.NewFlagSet("config show", flag.ExitOnError)
	g.register(fs)
	fs.Parse(args)

	cfg, _, err := loadConfig(g, false)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(config.Render(cfg))
	return err
}
