// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mautrix-slack is a Slack to Matrix bridge running as a Matrix
// application service. Slack users appear in Matrix as ghost accounts whose
// profiles follow their Slack profiles.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/mautrix-slack/pkg/connector"
	"github.com/aiku/mautrix-slack/pkg/database"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath       string
	registrationPath string
	generateConfig   bool
)

func main() {
	root := &cobra.Command{
		Use:           "mautrix-slack",
		Short:         "A Slack to Matrix bridge",
		Version:       Tag + " (" + Commit + ", built " + BuildTime + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	root.Flags().StringVarP(&registrationPath, "registration", "r", "", "path to the appservice registration (overrides appservice.registration)")
	root.Flags().BoolVarP(&generateConfig, "generate-example-config", "e", false, "write the example config to --config and exit")

	if err := root.Execute(); err != nil {
		log := zerolog.New(os.Stderr).With().Timestamp().Logger()
		log.Fatal().Err(err).Msg("Bridge exited with error")
	}
}

func run(cmd *cobra.Command, _ []string) error {
	if generateConfig {
		if err := os.WriteFile(configPath, []byte(connector.ExampleConfig), 0o600); err != nil {
			return errors.Wrap(err, "failed to write example config")
		}
		cmd.Printf("Wrote example config to %s\n", configPath)
		return nil
	}

	_ = godotenv.Load(".env")
	cfg, err := connector.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if registrationPath != "" {
		cfg.AppService.Registration = registrationPath
	}

	log, err := cfg.Logging.Compile()
	if err != nil {
		return errors.Wrap(err, "failed to configure logging")
	}
	zerolog.DefaultContextLogger = log
	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Starting mautrix-slack")

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	bridge, err := connector.New(cfg, db, *log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)

	err = bridge.Start(ctx)
	bridge.Stop()
	if err != nil {
		return err
	}
	log.Info().Msg("Bridge stopped")
	return nil
}
