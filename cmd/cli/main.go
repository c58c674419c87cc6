package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/jaywantadh/filehoster/pkg/env"
	"github.com/jaywantadh/filehoster/pkg/logging"
)

func main() {
	env.LoadEnv()

	app := &cli.App{
		Name:  "filehoster",
		Usage: "Share local files and pull them from peers over TCP, resuming partial downloads",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config-dir",
				Usage:   "directory holding config.yaml, shared.txt and the download ledger",
				EnvVars: []string{"FILEHOSTER_CONFIG_DIR"},
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "verbose text logging",
			},
		},
		Before: setup,
		Commands: []*cli.Command{
			serveCommand(),
			shareCommand(),
			unshareCommand(),
			listCommand(),
			remoteListCommand(),
			getCommand(),
			resumeCommand(),
			downloadsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Log.Fatal(err)
	}
}
