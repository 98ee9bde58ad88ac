// Copyright (c) 2024 Kestrel VM Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// kestrel-faultctl is an offline diagnostic tool for the fault dispatch
// subsystem: it validates fault configurations, prints the installed
// signal table and replays recorded fault journals through the exact
// classifier pipeline the runtime uses.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/kestrel-vm/runtime/pkg/faultconfig"
	"github.com/kestrel-vm/runtime/pkg/signals"
)

// name is the official name of this tool.
const name = "kestrel-faultctl"

// version is populated at link time.
var version = "unknown"

// faultctlLog is the logger used to record all messages.
var faultctlLog = logrus.WithField("name", name)

// defaultOutputFile is where gathered information is written to.
var defaultOutputFile = os.Stdout

var checkCLICommand = cli.Command{
	Name:  "check",
	Usage: "validate a fault dispatch configuration file",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Usage: "path to the fault configuration (TOML)",
		},
	},
	Action: func(context *cli.Context) error {
		path := context.String("config")
		if path == "" {
			return errors.New("missing --config")
		}

		cfg, err := faultconfig.LoadConfiguration(path)
		if err != nil {
			return err
		}

		geom := cfg.Geometry()
		fmt.Fprintf(defaultOutputFile, "configuration %q is valid\n", path)
		fmt.Fprintf(defaultOutputFile, "  page size:      %d\n", geom.PageSize)
		fmt.Fprintf(defaultOutputFile, "  red pages:      %d\n", geom.RedPages)
		fmt.Fprintf(defaultOutputFile, "  yellow pages:   %d\n", geom.YellowPages)
		fmt.Fprintf(defaultOutputFile, "  reserved pages: %d\n", geom.ReservedPages)
		fmt.Fprintf(defaultOutputFile, "  stack gap hook: %s\n", cfg.Platform.StackGapHook)
		return nil
	},
}

var signalsCLICommand = cli.Command{
	Name:  "signals",
	Usage: "print the signal table the dispatcher installs on",
	Action: func(context *cli.Context) error {
		for _, sig := range signals.HandledSignals() {
			disposition := "ignorable"
			if signals.FatalSignal(sig) {
				disposition = "fatal if unresolved"
			}
			fmt.Fprintf(defaultOutputFile, "%-10s %s\n", sig.String(), disposition)
		}
		return nil
	},
}

func beforeSubcommands(context *cli.Context) error {
	if context.GlobalBool("debug") {
		logrus.SetLevel(logrus.DebugLevel)
	}
	return nil
}

func createCLIApp() *cli.App {
	app := cli.NewApp()
	app.Name = name
	app.Version = version
	app.Usage = "inspect and exercise the Kestrel fault dispatch subsystem"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug output for logging",
		},
	}
	app.Before = beforeSubcommands
	app.Commands = []cli.Command{
		checkCLICommand,
		replayCLICommand,
		signalsCLICommand,
	}
	return app
}

func main() {
	defer signals.HandlePanic(func() {})

	app := createCLIApp()
	if err := app.Run(os.Args); err != nil {
		faultctlLog.WithError(err).Error(name + " failed")
		os.Exit(1)
	}
}
