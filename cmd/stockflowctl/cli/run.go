// Package cli implements the stockflowctl operator commands.
package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/hibiken/asynq"
)

// Ops is the operational surface the commands drive.
type Ops interface {
	InspectQueue(ctx context.Context) (QueueStats, error)
	ListScheduled(ctx context.Context, size int) ([]*asynq.TaskInfo, error)
	TriggerCleanup(ctx context.Context, retentionHours int) (*asynq.TaskInfo, error)
	RefreshCatalog(ctx context.Context) error
}

const usage = `usage: stockflowctl <command> [flags]

commands:
  queue            show default queue counters
  scheduled        list scheduled tasks
  cleanup          enqueue an idempotency key cleanup
  catalog-refresh  invalidate cached items and locations
`

// Run executes one command and returns the process exit code.
func Run(ctx context.Context, args []string, ops Ops, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	name, rest := args[0], args[1:]
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)

	switch name {
	case "queue":
		asJSON := fs.Bool("json", false, "print JSON")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		stats, err := ops.InspectQueue(ctx)
		if err != nil {
			return fail(stderr, name, err)
		}
		if *asJSON {
			if err := json.NewEncoder(stdout).Encode(stats); err != nil {
				return fail(stderr, name, err)
			}
			return 0
		}
		_, _ = fmt.Fprintf(stdout, "queue %s: pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
		return 0

	case "scheduled":
		size := fs.Int("size", 10, "number of tasks to list")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		tasks, err := ops.ListScheduled(ctx, *size)
		if err != nil {
			return fail(stderr, name, err)
		}
		if len(tasks) == 0 {
			_, _ = fmt.Fprintln(stdout, "no scheduled tasks")
			return 0
		}
		for _, task := range tasks {
			if task == nil {
				continue
			}
			_, _ = fmt.Fprintf(stdout, "%s\t%s\t%s\n", task.ID, task.Type, task.NextProcessAt.UTC().Format(time.RFC3339))
		}
		return 0

	case "cleanup":
		hours := fs.Int("retention-hours", 0, "delete keys older than this; 0 uses the worker default")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		if *hours < 0 {
			_, _ = fmt.Fprintln(stderr, "cleanup: --retention-hours must not be negative")
			return 2
		}
		info, err := ops.TriggerCleanup(ctx, *hours)
		if err != nil {
			return fail(stderr, name, err)
		}
		_, _ = fmt.Fprintf(stdout, "enqueued %s on %s\n", info.ID, info.Queue)
		return 0

	case "catalog-refresh":
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		if err := ops.RefreshCatalog(ctx); err != nil {
			return fail(stderr, name, err)
		}
		_, _ = fmt.Fprintln(stdout, "catalog cache invalidated")
		return 0

	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n%s", name, usage)
		return 2
	}
}

func fail(stderr io.Writer, cmd string, err error) int {
	_, _ = fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
	return 1
}
