package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/CanuteTheGreat/horcrux-sub000/api"
	"github.com/CanuteTheGreat/horcrux-sub000/pkg/config"
	"github.com/CanuteTheGreat/horcrux-sub000/pkg/progress"
	"github.com/CanuteTheGreat/horcrux-sub000/pkg/replication"
	"github.com/CanuteTheGreat/horcrux-sub000/pkg/scheduler"
	"github.com/CanuteTheGreat/horcrux-sub000/pkg/state"
	"github.com/CanuteTheGreat/horcrux-sub000/pkg/zfs"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the replication engine with its HTTP API and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return errors.Trace(err)
			}
			if err := logging.SetLogLevel("*", cfg.LogLevel); err != nil {
				return errors.Trace(err)
			}

			opts := replication.Options{
				MaxHistory: cfg.MaxHistory,
				NetcatPort: cfg.NetcatPort,
			}
			if cfg.HistoryDriver != "" {
				sink, err := state.NewDBHistorySink(cfg.HistoryDriver, cfg.HistoryDSN)
				if err != nil {
					return errors.Annotate(err, "opening history database")
				}
				defer sink.Close()
				opts.Sink = sink
				log.Infow("durable history enabled", "driver", cfg.HistoryDriver)
			}

			manager := replication.NewManager(opts)
			sched := scheduler.New(manager)
			if err := sched.Start(); err != nil {
				return errors.Trace(err)
			}
			defer sched.Stop()

			api.Init(manager, sched)
			router := api.SetupRouter()

			errCh := make(chan error, 1)
			go func() { errCh <- router.Run(cfg.ListenAddr) }()
			log.Infow("replication engine listening", "addr", cfg.ListenAddr)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return errors.Annotate(err, "http server failed")
			case sig := <-sigCh:
				log.Infow("shutting down", "signal", sig.String())
				return nil
			}
		},
	}
}

// taskFlags binds the common task definition flags shared by the one-shot
// subcommands.
type taskFlags struct {
	taskFile       string
	name           string
	source         string
	targetHost     string
	targetDataset  string
	sourceType     string
	transport      string
	recursive      bool
	verify         bool
	raw            bool
	bandwidthLimit int
	maxRetries     int
	retryDelay     int
	lastSnapshot   string
}

func (f *taskFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.taskFile, "task-file", "", "JSON task definition; other flags are ignored when set")
	flags.StringVar(&f.name, "name", "adhoc", "task name")
	flags.StringVar(&f.source, "source", "", "source dataset, subvolume or directory")
	flags.StringVar(&f.targetHost, "target-host", "", "target host; empty for local")
	flags.StringVar(&f.targetDataset, "target-dataset", "", "target dataset or directory")
	flags.StringVar(&f.sourceType, "type", "zfs", "storage backend: zfs, btrfs or directory")
	flags.StringVar(&f.transport, "transport", "ssh", "data path: local, ssh or netcat")
	flags.BoolVar(&f.recursive, "recursive", false, "replicate child datasets too")
	flags.BoolVar(&f.verify, "verify", false, "verify the target after transfer")
	flags.BoolVar(&f.raw, "raw", false, "send encrypted datasets raw")
	flags.IntVar(&f.bandwidthLimit, "bwlimit", 0, "bandwidth cap in KiB/s; 0 for unlimited")
	flags.IntVar(&f.maxRetries, "retries", 3, "retry attempts after a failed transfer")
	flags.IntVar(&f.retryDelay, "retry-delay", 60, "seconds between retries")
	flags.StringVar(&f.lastSnapshot, "incremental-from", "", "previously replicated snapshot for an incremental send")
}

func (f *taskFlags) task() (*replication.ExtendedTask, error) {
	if f.taskFile != "" {
		data, err := os.ReadFile(f.taskFile)
		if err != nil {
			return nil, errors.Trace(err)
		}
		task := replication.NewExtendedTask(replication.Task{})
		if err := json.Unmarshal(data, task); err != nil {
			return nil, errors.Annotatef(err, "parsing %s", f.taskFile)
		}
		if task.ID == "" {
			task.ID = "adhoc"
		}
		return task, nil
	}

	if f.source == "" || f.targetDataset == "" {
		return nil, errors.New("--source and --target-dataset are required")
	}
	task := replication.NewExtendedTask(replication.Task{
		ID:             "adhoc",
		Name:           f.name,
		SourceDataset:  f.source,
		TargetHost:     f.targetHost,
		TargetDataset:  f.targetDataset,
		Transport:      replication.Transport(f.transport),
		Recursive:      f.recursive,
		BandwidthLimit: f.bandwidthLimit,
	})
	task.SourceType = replication.StorageType(f.sourceType)
	task.Verify = f.verify
	task.Raw = f.raw
	task.MaxRetries = f.maxRetries
	task.RetryDelay = f.retryDelay
	task.LastSnapshot = f.lastSnapshot
	return task, nil
}

func runCmd() *cobra.Command {
	var flags taskFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one replication and wait for it to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := flags.task()
			if err != nil {
				return err
			}

			manager := replication.NewManager(replication.Options{})
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			entry, err := manager.RunTask(ctx, task)
			if entry != nil {
				fmt.Printf("run %s: success=%v transferred=%s in %ds (retries=%d resumed=%v)\n",
					entry.ID, entry.Success,
					progress.FormatSize(entry.BytesTransferred),
					entry.DurationSecs, entry.Retries, entry.Resumed)
			}
			return err
		},
	}
	flags.register(cmd)
	return cmd
}

func estimateCmd() *cobra.Command {
	var flags taskFlags
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Predict how many bytes the next run would move",
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := flags.task()
			if err != nil {
				return err
			}
			manager := replication.NewManager(replication.Options{})
			size, err := manager.EstimateReplicationSize(context.Background(), task)
			if err != nil {
				return err
			}
			fmt.Printf("%d bytes (%s)\n", size, progress.FormatSize(size))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func retentionCmd() *cobra.Command {
	var flags taskFlags
	var hourly, daily, weekly, monthly, yearly, keepDays int
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Prune source snapshots to a retention policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := flags.task()
			if err != nil {
				return err
			}
			if task.Retention == nil {
				task.Retention = &replication.RetentionPolicy{
					Hourly:   &hourly,
					Daily:    &daily,
					Weekly:   &weekly,
					Monthly:  &monthly,
					Yearly:   &yearly,
					KeepDays: &keepDays,
				}
			}

			if dryRun {
				snapshots, err := zfs.ListSnapshots(context.Background(), nil, task.SourceDataset)
				if err != nil {
					return err
				}
				doomed := replication.PlanRetention(task.Retention, snapshots, time.Now())
				for _, name := range doomed {
					fmt.Println(name)
				}
				fmt.Printf("dry run: %d snapshots would be destroyed\n", len(doomed))
				return nil
			}

			manager := replication.NewManager(replication.Options{})
			deleted, err := manager.ApplyRetention(context.Background(), task)
			if err != nil {
				return err
			}
			fmt.Printf("pruned %d snapshots\n", deleted)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&hourly, "hourly", 24, "hourly snapshots to keep")
	cmd.Flags().IntVar(&daily, "daily", 7, "daily snapshots to keep")
	cmd.Flags().IntVar(&weekly, "weekly", 4, "weekly snapshots to keep")
	cmd.Flags().IntVar(&monthly, "monthly", 12, "monthly snapshots to keep")
	cmd.Flags().IntVar(&yearly, "yearly", 2, "yearly snapshots to keep")
	cmd.Flags().IntVar(&keepDays, "keep-days", 7, "never delete snapshots younger than this many days")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without destroying")
	return cmd
}
