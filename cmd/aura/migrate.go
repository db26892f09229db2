package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/choijoonbin/aura-platform-sub000/config"
	"github.com/choijoonbin/aura-platform-sub000/internal/migration"
)

// =============================================================================
// 🗄️ 数据库迁移命令
// =============================================================================

// migrateCommand 一个迁移子命令；argc 为位置参数个数
type migrateCommand struct {
	argc int
	run  func(ctx context.Context, cli *migration.CLI, n int) error
}

var migrateCommands = map[string]migrateCommand{
	"up":      {run: func(ctx context.Context, cli *migration.CLI, _ int) error { return cli.RunUp(ctx) }},
	"down":    {run: func(ctx context.Context, cli *migration.CLI, _ int) error { return cli.RunDown(ctx) }},
	"status":  {run: func(ctx context.Context, cli *migration.CLI, _ int) error { return cli.RunStatus(ctx) }},
	"version": {run: func(ctx context.Context, cli *migration.CLI, _ int) error { return cli.RunVersion(ctx) }},
	"steps":   {argc: 1, run: func(ctx context.Context, cli *migration.CLI, n int) error { return cli.RunSteps(ctx, n) }},
	"force":   {argc: 1, run: func(ctx context.Context, cli *migration.CLI, n int) error { return cli.RunForce(ctx, n) }},
}

// runMigrate 处理 migrate 命令
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	name := args[0]
	if name == "help" || name == "-h" || name == "--help" {
		printMigrateUsage()
		return
	}
	cmd, ok := migrateCommands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", name)
		printMigrateUsage()
		os.Exit(1)
	}

	rest := args[1:]
	n := 0
	if cmd.argc > 0 {
		if len(rest) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: aura migrate %s <n>\n", name)
			os.Exit(1)
		}
		v, err := strconv.Atoi(rest[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid number: %s\n", rest[0])
			os.Exit(1)
		}
		n, rest = v, rest[1:]
	}

	migrator, err := createMigrator(flag.NewFlagSet("migrate "+name, flag.ExitOnError), rest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	if err := cmd.run(context.Background(), migration.NewCLI(migrator), n); err != nil {
		fmt.Fprintf(os.Stderr, "Migrate %s failed: %v\n", name, err)
		os.Exit(1)
	}
}

// createMigrator 由命令行参数或配置文件创建迁移器
func createMigrator(fs *flag.FlagSet, args []string) (*migration.DefaultMigrator, error) {
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *dbType != "" && *dbURL != "" {
		return migration.NewMigratorFromURL(*dbType, *dbURL)
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if *dbType != "" {
		cfg.Database.Driver = *dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database)
}

func printMigrateUsage() {
	fmt.Println(`Suspension store (run_suspensions) migrations

Usage:
  aura migrate <subcommand> [options]

Subcommands:
  up          Apply all pending migrations
  down        Roll back the last migration
  steps <n>   Apply (n > 0) or roll back (n < 0) n migrations
  status      Show each migration and a summary
  version     Show current schema version
  force <v>   Force set migration version (use with caution)

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  aura migrate up
  aura migrate status --config /etc/aura/config.yaml
  aura migrate steps -1
  aura migrate up --db-type sqlite --db-url "file:aura.db?mode=rwc"`)
}
