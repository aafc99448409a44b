// Package main is the racer command: it builds racelines, stores them and runs the
// controller against a simulated car.
package main

import (
	"io"
	"os"

	"github.com/edaniels/golog"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const (
	flagDebug  = "debug"
	flagConfig = "config"
	flagDB     = "db"
	flagName   = "name"
	flagTicks  = "ticks"
)

func newApp(out io.Writer) *cli.App {
	var logger golog.Logger
	a := &actions{logger: func() golog.Logger { return logger }}

	return &cli.App{
		Name:            "racer",
		Usage:           "sampling based race car control",
		HideHelpCommand: true,
		Writer:          out,
		ErrWriter:       out,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool(flagDebug) {
				logger = golog.NewDebugLogger("racer")
			} else {
				logger = zap.NewNop().Sugar()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "build",
				Usage: "fit a raceline, solve its speed profile and store its table",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagConfig,
						Aliases:  []string{"c"},
						Usage:    "load configuration from `FILE`",
						Required: true,
					},
					&cli.StringFlag{
						Name:  flagDB,
						Usage: "store racelines in sqlite `FILE`, defaults to the config's store",
					},
					&cli.StringFlag{
						Name:  flagName,
						Usage: "name to store the raceline under",
					},
				},
				Action: a.build,
			},
			{
				Name:  "inspect",
				Usage: "list stored racelines",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagDB,
						Usage:    "sqlite `FILE` to read",
						Required: true,
					},
					&cli.StringFlag{
						Name:  flagName,
						Usage: "only show racelines with this name",
					},
				},
				Action: a.inspect,
			},
			{
				Name:  "simulate",
				Usage: "drive a simulated car around the track in closed loop",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagConfig,
						Aliases:  []string{"c"},
						Usage:    "load configuration from `FILE`",
						Required: true,
					},
					&cli.StringFlag{
						Name:  flagDB,
						Usage: "load the raceline from sqlite `FILE` instead of fitting it",
					},
					&cli.IntFlag{
						Name:  flagTicks,
						Usage: "number of control ticks to run",
					},
				},
				Action: a.simulate,
			},
		},
	}
}

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		golog.Global().Fatal(err)
	}
}
