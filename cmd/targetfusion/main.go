// Package main runs the target fusion node: it pairs depth frames with person detections, locates
// the named person in 3D and publishes the result into a transform tree served over HTTP.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"go.viam.com/targetfusion/logging"
	"go.viam.com/targetfusion/ros"
	"go.viam.com/targetfusion/web/server"
)

const (
	// Flags.
	flagConfig   = "config"
	flagTarget   = "target"
	flagDebug    = "debug"
	flagBind     = "bind"
	flagBag      = "bag"
	flagRealtime = "realtime"
	flagPprof    = "webprofile"
	flagOutput   = "output"
	flagTopics   = "topics"
	flagStart    = "start"
	flagEnd      = "end"
)

var logger = logging.NewLogger("targetfusion")

func main() {
	app := &cli.App{
		Name:  "targetfusion",
		Usage: "locate a named person from depth and detection streams",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:  flagTarget,
				Usage: "name of the person to track, overrides the config",
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.StringFlag{
				Name:  flagBind,
				Usage: "address to serve HTTP on, overrides the config",
			},
			&cli.StringFlag{
				Name:  flagBag,
				Usage: "replay depth and detections from the rosbag at `FILE`",
			},
			&cli.BoolFlag{
				Name:  flagRealtime,
				Usage: "pace the bag replay by its recorded stamps",
			},
			&cli.BoolFlag{
				Name:  flagPprof,
				Usage: "include profiler in http server",
			},
		},
		Action: runAction,
		Commands: []*cli.Command{
			{
				Name:      "export-bag",
				Usage:     "write the messages of a rosbag as JSON lines, one file per topic",
				ArgsUsage: "<bag>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagOutput,
						Value: ".",
						Usage: "directory to write the topic files to",
					},
					&cli.StringSliceFlag{
						Name:  flagTopics,
						Usage: "topics to export, all when empty",
					},
					&cli.Int64Flag{
						Name:  flagStart,
						Usage: "first second to export",
					},
					&cli.Int64Flag{
						Name:  flagEnd,
						Usage: "last second to export",
					},
				},
				Action: exportBagAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Fatal(err)
	}
}

func runAction(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.RunServer(ctx, server.Arguments{
		ConfigFile: c.String(flagConfig),
		Target:     c.String(flagTarget),
		Debug:      c.Bool(flagDebug),
		Bind:       c.String(flagBind),
		Bag:        c.String(flagBag),
		Realtime:   c.Bool(flagRealtime),
		WebProfile: c.Bool(flagPprof),
	}, logger)
}

func exportBagAction(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return cli.Exit("need to specify a rosbag file path", 1)
	}
	rb, err := ros.ReadBag(c.Args().First())
	if err != nil {
		return err
	}
	if err := ros.WriteTopicsJSON(rb, c.String(flagOutput), c.Int64(flagStart), c.Int64(flagEnd),
		c.StringSlice(flagTopics)); err != nil {
		return err
	}
	logger.CInfow(context.Background(), "bag exported", "output", c.String(flagOutput))
	return nil
}
