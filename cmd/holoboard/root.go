package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/astromechza/holoboard/pkg/config"
)

type rootOptions struct {
	ConfigPath string
	Verbose    bool

	RelayURL    string
	APIURL      string
	DataDir     string
	UserID      string
	DisplayName string

	Config config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "holoboard",
		Short:         "Collaborative whiteboard replicas, relay and persistence",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if opts.Verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("relay") {
				cfg.RelayURL = opts.RelayURL
			}
			if flags.Changed("api") {
				cfg.APIURL = opts.APIURL
			}
			if flags.Changed("data-dir") {
				cfg.DataDir = opts.DataDir
			}
			if flags.Changed("user") {
				cfg.UserID = opts.UserID
			}
			if flags.Changed("name") {
				cfg.DisplayName = opts.DisplayName
			}
			opts.Config = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a yaml config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose logging")
	cmd.PersistentFlags().StringVar(&opts.RelayURL, "relay", "", "relay url, e.g. ws://localhost:8080")
	cmd.PersistentFlags().StringVar(&opts.APIURL, "api", "", "persistence api url, e.g. http://localhost:8080")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "directory holding local room state")
	cmd.PersistentFlags().StringVar(&opts.UserID, "user", "", "user id used when saving boards")
	cmd.PersistentFlags().StringVar(&opts.DisplayName, "name", "", "display name shown to other peers")

	cmd.AddCommand(newRelayCommand(opts))
	cmd.AddCommand(newJoinCommand(opts))
	cmd.AddCommand(newInspectCommand(opts))
	return cmd
}
