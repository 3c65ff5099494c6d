package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/entry"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the model entry store",
		Long:  "Connects to the configured database and creates or updates the model entry table.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Fprintf(out, "Loaded config from %s\n", configPath)

	gormDB, err := db.Connect(cfg.Database.Options())
	if err != nil {
		return err
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		defer sqlDB.Close()
	}
	fmt.Fprintf(out, "Connected to %s database\n", cfg.Database.Driver)

	if err := entry.NewRepository(gormDB).Initialize(context.Background()); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	fmt.Fprintln(out, "\nRoundhouse database initialized successfully.")
	return nil
}
