package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iworkr/aiva.io-sub003/internal/config"
	"github.com/iworkr/aiva.io-sub003/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the dispatch database",
		Long:  "Creates the database (MySQL), migrates all tables and seeds workspaces and connections from config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to rd config file")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Fprintf(out, "Loaded config from %s (%s)\n", configPath, cfg.Database.Driver)

	if cfg.Database.Driver == "mysql" {
		adminDB, err := db.ConnectAdmin(cfg.Database)
		if err != nil {
			return err
		}
		if err := db.CreateDatabase(adminDB, cfg.Database.Name); err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready\n", cfg.Database.Name)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	defer closeDB(gormDB)
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	if err := db.SeedWorkspaces(gormDB, cfg.Workspaces); err != nil {
		return err
	}
	fmt.Fprintf(out, "Seeded %d workspaces\n", len(cfg.Workspaces))

	refs := cfg.Providers.Connections()
	if err := db.SeedConnections(gormDB, refs); err != nil {
		return err
	}
	fmt.Fprintf(out, "Registered %d connections\n", len(refs))
	return nil
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema changes without seeding",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			defer closeDB(gormDB)
			if err := db.AutoMigrate(gormDB); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d tables\n", len(db.AllModels()))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to rd config file")
	return cmd
}
