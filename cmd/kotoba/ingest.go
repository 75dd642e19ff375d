package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harunnryd/kotoba/cmd/kotoba/runtime"
	"github.com/harunnryd/kotoba/internal/logger"
	"github.com/harunnryd/kotoba/internal/scheduler"
)

type fileIngester interface {
	IngestFile(ctx context.Context, path, scope string) (int, error)
}

type vectorCounter interface {
	CountVectors(collection string) int
}

var ingestExtensions = map[string]bool{".txt": true, ".md": true, ".markdown": true, ".pdf": true}

// expandPaths lists the supported files under each path. Directories are walked recursively;
// explicitly named files are kept whatever their extension so the loader can reject them.
func expandPaths(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		err := filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != p && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if path == p || ingestExtensions[strings.ToLower(filepath.Ext(path))] {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

// ingestPaths indexes every file and keeps going past failures; the first failure is returned.
func ingestPaths(ctx context.Context, in fileIngester, paths []string, scope string, out io.Writer) (int, error) {
	files, err := expandPaths(paths)
	if err != nil {
		return 0, err
	}

	total := 0
	var firstErr error
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := in.IngestFile(ctx, f, scope)
		if err != nil {
			logger.From(ctx).Error("Ingest failed", "path", f, "error", err)
			fmt.Fprintf(out, "✗ %s: %v\n", f, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		total += n
		fmt.Fprintf(out, "✓ %s (%d chunks)\n", f, n)
	}
	return total, firstErr
}

func printIngestSummary(out io.Writer, counter vectorCounter, total int, collection, scope string) {
	fmt.Fprintf(out, "Indexed %d chunk(s) into %s/%s; collection holds %d chunk(s)\n",
		total, collection, scope, counter.CountVectors(collection))
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <paths...>",
	Short: "Index documents for retrieval",
	Long: `Index .txt, .md and .pdf files into the knowledge collection. Directories are walked
recursively. With --schedule the paths are re-indexed on a cron schedule until interrupted.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		schedule, _ := cmd.Flags().GetString("schedule")
		if schedule == "" {
			schedule = cfg.Ingest.Schedule
		}

		return executeWithRuntime(cmd, func(ctx context.Context, c *runtime.Components) error {
			scope := requestFromFlags(cmd, "").Scope
			if scope == "" {
				scope = c.Config.Orchestrator.Scope
			}
			out := cmd.OutOrStdout()

			total, err := ingestPaths(ctx, c.Ingester, args, scope, out)
			printIngestSummary(out, c.Worker, total, c.Config.Retrieval.Collection, scope)
			if schedule == "" {
				return err
			}

			sched := scheduler.New(scheduler.DefaultTickInterval, scheduler.DefaultShutdownTimeout)
			if err := sched.Add(scheduler.Job{
				Name:     "ingest",
				Schedule: schedule,
				Run: func(ctx context.Context) error {
					_, err := ingestPaths(ctx, c.Ingester, args, scope, out)
					return err
				},
			}); err != nil {
				return err
			}
			if err := sched.Start(ctx); err != nil {
				return err
			}
			next, _ := sched.Next("ingest")
			fmt.Fprintf(out, "Re-indexing on %q, next run %s. Press Ctrl+C to stop.\n", schedule, next.Format(time.RFC3339))

			<-ctx.Done()
			return sched.Stop(context.Background())
		})
	},
}

func init() {
	ingestCmd.Flags().String("schedule", "", "cron expression for periodic re-indexing (default ingest.schedule)")
	rootCmd.AddCommand(ingestCmd)
}
