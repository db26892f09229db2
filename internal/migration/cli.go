package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
)

// SchemaName 迁移管理的业务表
const SchemaName = "run_suspensions"

// CLI 为 aura migrate 子命令输出迁移结果
type CLI struct {
	migrator Migrator
	output   io.Writer
}

// NewCLI 创建 CLI，默认输出到 stdout
func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, output: os.Stdout}
}

// SetOutput 替换输出目标
func (c *CLI) SetOutput(w io.Writer) {
	c.output = w
}

// RunUp 应用全部待执行迁移
func (c *CLI) RunUp(ctx context.Context) error {
	return c.apply(ctx, "upgrading", c.migrator.Up)
}

// RunDown 回滚最近一次迁移
func (c *CLI) RunDown(ctx context.Context) error {
	return c.apply(ctx, "rolling back", c.migrator.Down)
}

// RunSteps n > 0 时前进 n 步，n < 0 时回滚 |n| 步
func (c *CLI) RunSteps(ctx context.Context, n int) error {
	verb := fmt.Sprintf("applying %d step(s) to", n)
	if n < 0 {
		verb = fmt.Sprintf("rolling back %d step(s) of", -n)
	}
	return c.apply(ctx, verb, func(ctx context.Context) error {
		return c.migrator.Steps(ctx, n)
	})
}

// RunForce 强制设置版本并清除 dirty 标记，不执行 SQL
func (c *CLI) RunForce(ctx context.Context, version int) error {
	if err := c.migrator.Force(ctx, version); err != nil {
		return fmt.Errorf("force %s schema to %d: %w", SchemaName, version, err)
	}
	fmt.Fprintf(c.output, "%s schema forced to version %d\n", SchemaName, version)
	return nil
}

// RunVersion 输出当前 schema 版本
func (c *CLI) RunVersion(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("read %s schema version: %w", SchemaName, err)
	}
	fmt.Fprintln(c.output, describeVersion(version, dirty))
	return nil
}

// RunStatus 列出每个迁移的状态并汇总
func (c *CLI) RunStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("read %s schema status: %w", SchemaName, err)
	}
	if len(statuses) == 0 {
		fmt.Fprintf(c.output, "no migrations embedded for %s\n", SchemaName)
		return nil
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tMIGRATION\tSTATE")
	for _, s := range statuses {
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, migrationState(s))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return c.summary(ctx)
}

func (c *CLI) apply(ctx context.Context, verb string, op func(context.Context) error) error {
	fmt.Fprintf(c.output, "%s %s schema...\n", verb, SchemaName)
	if err := op(ctx); err != nil {
		return fmt.Errorf("%s %s schema: %w", verb, SchemaName, err)
	}
	return c.summary(ctx)
}

func (c *CLI) summary(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.output, "%s (%d/%d applied, %d pending)\n",
		describeVersion(info.CurrentVersion, info.Dirty),
		info.AppliedMigrations, info.TotalMigrations, info.PendingMigrations)
	return nil
}

func describeVersion(version uint, dirty bool) string {
	switch {
	case version == 0:
		return SchemaName + " schema not created"
	case dirty:
		return fmt.Sprintf("%s schema at version %d (dirty, run force after fixing)", SchemaName, version)
	default:
		return fmt.Sprintf("%s schema at version %d", SchemaName, version)
	}
}

func migrationState(s MigrationStatus) string {
	switch {
	case s.Dirty:
		return "dirty"
	case s.Applied:
		return "applied"
	default:
		return "pending"
	}
}
