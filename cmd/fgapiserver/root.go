package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fgateway/fgapiserver/internal/buildinfo"
	"github.com/fgateway/fgapiserver/internal/config"
	"github.com/fgateway/fgapiserver/internal/db"
	"github.com/fgateway/fgapiserver/internal/server"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "fgapiserver",
		Short: "REST front-end for submitting application tasks to distributed infrastructures",
		Long: `fgapiserver exposes applications, infrastructures and tasks over a
versioned REST API and hands ready tasks to the executor queue.

Examples:
  fgapiserver serve --config /etc/fgapiserver/config.yaml
  fgapiserver user add alice --password - --group users
  fgapiserver app import apps.yaml`,
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate(buildinfo.String() + "\n")
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (default: search /etc/fgapiserver and .)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log_level (debug, info, warn, error)")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newVersionCmd(),
		newKeygenCmd(opts),
		newUserCmd(opts),
		newGroupCmd(opts),
		newAppCmd(opts),
		newQueueCmd(opts),
	)
	return cmd
}

// load reads the configuration and reports a group-readable config file
// on stderr.
func (o *rootOptions) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, err
	}
	if strings.TrimSpace(o.logLevel) != "" {
		cfg.LogLevel = o.logLevel
	}
	if cfg.ConfigPath != "" {
		warning, err := config.CheckConfigPermissions(cfg.ConfigPath)
		if err != nil {
			return cfg, err
		}
		if warning != "" {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning:", warning)
		}
	}
	return cfg, nil
}

func (o *rootOptions) openStore(cmd *cobra.Command) (config.Config, *db.Store, error) {
	cfg, err := o.load(cmd)
	if err != nil {
		return cfg, nil, err
	}
	store, err := server.OpenStore(cfg)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, store, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
			return err
		},
	}
}
