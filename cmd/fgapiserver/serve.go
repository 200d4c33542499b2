package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fgateway/fgapiserver/internal/buildinfo"
	"github.com/fgateway/fgapiserver/internal/redact"
	"github.com/fgateway/fgapiserver/internal/secrets"
	"github.com/fgateway/fgapiserver/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			redactor := redact.New()
			redactor.AddValues(cfg.DBDSN)
			logger, err := newLogger(cfg.LogLevel, os.Stderr, redactor)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			logger.Info("starting fgapiserver",
				zap.String("version", buildinfo.Version),
				zap.String("commit", buildinfo.Commit),
				zap.String("config", cfg.ConfigPath))
			return server.Run(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override the listen address (host:port)")
	return cmd
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, store, err := opts.openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s %s)\n", store.Driver(), store.Path)
			return err
		},
	}
}

func newKeygenCmd(opts *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the age key that seals infrastructure secrets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				cfg, err := opts.load(cmd)
				if err != nil {
					return err
				}
				out = cfg.SecretsAgeKeyPath
			}
			vault, err := secrets.GenerateKeyFile(out)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\npublic key: %s\n", out, vault.Recipient())
			return err
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "key file to create (default: secrets_age_key_path)")
	return cmd
}
