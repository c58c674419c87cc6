package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/jaywantadh/filehoster/config"
	"github.com/jaywantadh/filehoster/internal/metadata"
	"github.com/jaywantadh/filehoster/internal/registry"
	"github.com/jaywantadh/filehoster/internal/session"
	"github.com/jaywantadh/filehoster/internal/storage"
	"github.com/jaywantadh/filehoster/pkg/httpserver"
	"github.com/jaywantadh/filehoster/pkg/logging"
)

func setup(c *cli.Context) error {
	logging.InitLogger(c.Bool("debug"))
	cfg, err := config.LoadConfig(c.String("config-dir"))
	if err != nil {
		return err
	}
	if cfg.Debug && !c.Bool("debug") {
		logging.InitLogger(true)
	}
	return nil
}

func sharedRegistry() *registry.FileRegistry {
	return registry.NewFileRegistry(config.Config.SharedFile)
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Serve the shared files to peers",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Usage: "override the configured port"},
		},
		Action: func(c *cli.Context) error {
			cfg := config.Config
			if c.IsSet("port") {
				cfg.Port = c.Int("port")
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", cfg.ListenAddr())
			if err != nil {
				return fmt.Errorf("failed to start TCP listener: %w", err)
			}
			httpserver.Start(ctx, cfg.MetricsAddress)

			reg := sharedRegistry()
			logging.Log.WithField("shared_file", reg.Location()).Info("Using shared file list")
			srv := session.NewServer(reg, session.Options{
				Version:       cfg.ProtocolVersion,
				MaxFrameSize:  cfg.MaxFrameSize,
				MaxChunkSize:  cfg.MaxChunkSize,
				MaxOfferBytes: cfg.MaxOfferBytes,
				ReadTimeout:   cfg.ReadTimeout,
			}, logging.Log)
			return srv.Serve(ctx, ln)
		},
	}
}

func shareCommand() *cli.Command {
	return &cli.Command{
		Name:      "share",
		Usage:     "Add a file to the shared list",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("share takes exactly one path", 1)
			}
			abs, err := sharedRegistry().Share(c.Args().First())
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "sharing %s\n", abs)
			return nil
		},
	}
}

func unshareCommand() *cli.Command {
	return &cli.Command{
		Name:      "unshare",
		Usage:     "Remove a file from the shared list by index",
		ArgsUsage: "<index>",
		Action: func(c *cli.Context) error {
			index, err := indexArg(c, 0)
			if err != nil {
				return err
			}
			removed, err := sharedRegistry().Unshare(index)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "no longer sharing %s\n", removed)
			return nil
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "ls",
		Usage: "Show the local shared list",
		Action: func(c *cli.Context) error {
			entries, err := registry.Entries(sharedRegistry())
			if err != nil {
				return err
			}
			for i, entry := range entries {
				if entry.Err != nil {
					fmt.Fprintf(c.App.Writer, "%d: %s (unavailable)\n", i, entry.Path)
					continue
				}
				fmt.Fprintf(c.App.Writer, "%d: %s (%d bytes)\n", i, entry.Path, entry.Size)
			}
			return nil
		},
	}
}

func remoteListCommand() *cli.Command {
	return &cli.Command{
		Name:      "remote-ls",
		Usage:     "Show the files a peer shares",
		ArgsUsage: "<addr>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("remote-ls takes exactly one address", 1)
			}
			cfg := config.Config
			ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
			defer cancel()

			client, err := session.Dial(ctx, peerAddr(c.Args().First(), cfg.Port), session.ClientOptions{
				Version:      cfg.ProtocolVersion,
				MaxFrameSize: cfg.MaxFrameSize,
				ReadTimeout:  cfg.ReadTimeout,
				Log:          logging.Log,
			})
			if err != nil {
				return err
			}
			defer client.Close()

			paths, err := client.List()
			if err != nil {
				return err
			}
			for i, path := range paths {
				fmt.Fprintf(c.App.Writer, "%d: %s\n", i, path)
			}
			return nil
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Download a peer's file by index, resuming what is already on disk",
		ArgsUsage: "<addr> <index> <dest>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "restart", Usage: "truncate the destination and start from zero"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 3 {
				return cli.Exit("get takes <addr> <index> <dest>", 1)
			}
			index, err := indexArg(c, 1)
			if err != nil {
				return err
			}
			return withDownloader(c, func(d *downloader) error {
				rec, err := d.get(c.Context, c.Args().Get(0), index, c.Args().Get(2), c.Bool("restart"))
				if err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "%s: %d bytes\n", rec.LocalPath, rec.BytesDone)
				return nil
			})
		},
	}
}

func resumeCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Continue a download recorded in the ledger",
		ArgsUsage: "<dest>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("resume takes exactly one destination", 1)
			}
			return withDownloader(c, func(d *downloader) error {
				rec, err := d.resume(c.Context, c.Args().First())
				if err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "%s: %d bytes\n", rec.LocalPath, rec.BytesDone)
				return nil
			})
		},
	}
}

func downloadsCommand() *cli.Command {
	return &cli.Command{
		Name:  "downloads",
		Usage: "Show the download ledger",
		Action: func(c *cli.Context) error {
			ledger, err := metadata.OpenMetadataStore(config.Config.LedgerPath)
			if err != nil {
				return err
			}
			defer ledger.Close()

			records, err := ledger.ListDownloads()
			if err != nil {
				return err
			}
			for _, rec := range records {
				line := fmt.Sprintf("%s  %-9s %d/%d  %s:%s", rec.LocalPath, rec.Status, rec.BytesDone, rec.SourceSize, rec.Peer, rec.RemotePath)
				if rec.LastError != "" {
					line += "  (" + rec.LastError + ")"
				}
				fmt.Fprintln(c.App.Writer, line)
			}
			return nil
		},
	}
}

func withDownloader(c *cli.Context, fn func(*downloader) error) error {
	cfg := config.Config
	ledger, err := metadata.OpenMetadataStore(cfg.LedgerPath)
	if err != nil {
		return err
	}
	defer ledger.Close()

	store, err := storage.NewLocalStorage(cfg.DownloadDir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	c.Context = ctx

	return fn(newDownloader(cfg, ledger, store, logging.Log, os.Stderr))
}

func indexArg(c *cli.Context, pos int) (int, error) {
	index, err := strconv.Atoi(c.Args().Get(pos))
	if err != nil || index < 0 {
		return 0, cli.Exit(fmt.Sprintf("invalid index %q", c.Args().Get(pos)), 1)
	}
	return index, nil
}
