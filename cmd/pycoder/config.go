package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/ChamsBouzaiene/pycoder/internal/config"
)

// newConfigManager locates the user config; tests replace it.
var newConfigManager = config.NewManager

func configCommand(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return usagef("config needs a subcommand: show, set or path")
	}
	mgr, err := newConfigManager()
	if err != nil {
		return err
	}

	switch args[0] {
	case "show":
		cfg, err := mgr.Load()
		if err != nil {
			return err
		}
		shown := cfg.Redacted()
		values := map[string]string{
			"provider": shown.Provider,
			"api_key":  shown.APIKey,
			"model":    shown.Model,
			"base_url": shown.BaseURL,
		}
		for _, k := range config.Keys() {
			v := values[k]
			if v == "" {
				v = "(not set)"
			}
			fmt.Fprintf(stdout, "%-9s %s\n", k, v)
		}
		if !mgr.Exists() {
			fmt.Fprintf(stdout, "\nNo config file yet; create one with `pycoder config set <key> <value>`.\n")
		}
		return nil

	case "set":
		if len(args) != 3 {
			return usagef("usage: pycoder config set <%s> <value>", strings.Join(config.Keys(), "|"))
		}
		cfg, err := mgr.Load()
		if err != nil {
			return err
		}
		if err := cfg.Set(args[1], args[2]); err != nil {
			return usageError{msg: err.Error()}
		}
		if err := mgr.Save(cfg); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Saved %s to %s\n", strings.ToLower(args[1]), mgr.GetConfigPath())
		return nil

	case "path":
		fmt.Fprintln(stdout, mgr.GetConfigPath())
		return nil

	default:
		return usagef("unknown config subcommand: %s", args[0])
	}
}
