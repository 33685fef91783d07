package replication

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/juju/errors"

	"github.com/CanuteTheGreat/horcrux-sub000/pkg/pipeline"
	"github.com/CanuteTheGreat/horcrux-sub000/pkg/progress"
	"github.com/CanuteTheGreat/horcrux-sub000/pkg/transport"
)

// rsyncExecutor replicates directory trees with rsync. It is the fallback
// for every source type without a snapshot-stream backend.
type rsyncExecutor struct {
	m *Manager
}

func (e *rsyncExecutor) Name() string { return "rsync" }

func (e *rsyncExecutor) Available() error {
	return requireBinaries("rsync")
}

func (e *rsyncExecutor) Replicate(ctx context.Context, task *ExtendedTask, isRetry bool) (uint64, error) {
	m := e.m
	cfg := e.config(task)

	m.setState(task.ID, StateEstimating)
	if size, err := e.estimate(ctx, task, cfg); err != nil {
		log.Warnw("transfer size estimate failed", "task", task.ID, "error", err)
	} else if size > 0 {
		m.setTotal(task.ID, size)
	}

	args := append(cfg.BuildArgs(), "--stats")
	args = append(args, trailingSlash(task.SourceDataset), e.destination(task))

	p := pipeline.New(pipeline.Stage{Name: "rsync", Path: "rsync", Args: args})
	p.StreamOutput(func(line string) {
		if b, rate, files, ok := progress.ParseRsync(line); ok {
			m.updateBytes(task.ID, b, rate)
			if files > 0 {
				m.updateFiles(task.ID, files)
			}
		} else if item := itemizedPath(line); item != "" {
			m.setCurrentItem(task.ID, item)
		}
	})
	m.registerPipeline(task.ID, p)

	m.setState(task.ID, StateSending)
	if err := p.Run(ctx); err != nil {
		return 0, annotateRsyncError(err)
	}
	return m.transferredBytes(task.ID), nil
}

// annotateRsyncError attaches the documented meaning of the rsync exit code
// to a pipeline failure. Every non-zero exit fails the run, including 24
// (vanished source files).
func annotateRsyncError(err error) error {
	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		return errors.Annotatef(err, "rsync: %s", explainRsyncExit(stageErr.ExitCode))
	}
	return errors.Trace(err)
}

// Verify re-walks both trees with checksums and fails when any content
// difference remains.
func (e *rsyncExecutor) Verify(ctx context.Context, task *ExtendedTask) error {
	cfg := e.config(task)
	cfg.Checksum = true
	cfg.Itemize = true
	cfg.Progress = false

	args := append(cfg.BuildArgs(), "--dry-run")
	args = append(args, trailingSlash(task.SourceDataset), e.destination(task))

	out, err := exec.CommandContext(ctx, "rsync", args...).Output()
	if err != nil {
		return errors.Annotate(err, "verification pass failed to run")
	}

	var diffs []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch line[0] {
		case '>', '<', 'c', '*':
			diffs = append(diffs, line)
		}
	}
	if len(diffs) > 0 {
		return errors.Errorf("target differs from source in %d entries (first: %s)", len(diffs), diffs[0])
	}
	return nil
}

// estimate dry-runs the transfer and reads the transferred size from the
// stats output.
func (e *rsyncExecutor) estimate(ctx context.Context, task *ExtendedTask, cfg transport.RsyncConfig) (uint64, error) {
	args := append(cfg.BuildArgs(), "--dry-run", "--stats")
	args = append(args, trailingSlash(task.SourceDataset), e.destination(task))

	out, err := exec.CommandContext(ctx, "rsync", args...).Output()
	if err != nil {
		return 0, errors.Trace(err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if b, _, _, ok := progress.ParseRsync(scanner.Text()); ok && b > 0 {
			return b, nil
		}
	}
	return 0, nil
}

// config resolves the effective rsync settings for a task. The returned
// value is a copy; executors may adjust it freely.
func (e *rsyncExecutor) config(task *ExtendedTask) transport.RsyncConfig {
	var cfg transport.RsyncConfig
	if task.RsyncConfig != nil {
		cfg = *task.RsyncConfig
	} else {
		cfg = *transport.DefaultRsyncConfig()
	}
	if cfg.BwLimit == 0 && task.BandwidthLimit > 0 {
		cfg.BwLimit = task.BandwidthLimit
	}
	if cfg.SshCommand == "" && effectiveTransport(task) != TransportLocal {
		cfg.SshCommand = sshConfig(task).RemoteShell()
	}
	return cfg
}

func (e *rsyncExecutor) destination(task *ExtendedTask) string {
	if effectiveTransport(task) == TransportLocal {
		return task.TargetDataset
	}
	return sshConfig(task).Target(task.TargetHost) + ":" + task.TargetDataset
}

// trailingSlash makes rsync copy the directory's contents rather than the
// directory itself.
func trailingSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

// itemizedPath extracts the file path from an rsync -i change line such as
// ">f+++++++++ var/lib/data.db".
func itemizedPath(line string) string {
	fields := strings.Fields(line)
	if len(fields) != 2 || len(fields[0]) < 9 {
		return ""
	}
	switch fields[0][0] {
	case '>', '<', 'c', 'h', '.':
		return fields[1]
	}
	return ""
}

// explainRsyncExit maps rsync's exit codes to their documented meaning so
// failures carry a readable cause instead of a bare number.
func explainRsyncExit(code int) string {
	switch code {
	case 1:
		return "syntax or usage error"
	case 2:
		return "protocol incompatibility"
	case 3:
		return "errors selecting input/output files or dirs"
	case 4:
		return "requested action not supported"
	case 5:
		return "error starting client-server protocol"
	case 10:
		return "error in socket I/O"
	case 11:
		return "error in file I/O"
	case 12:
		return "error in rsync protocol data stream"
	case 13:
		return "errors with program diagnostics"
	case 14:
		return "error in IPC code"
	case 20:
		return "received SIGUSR1 or SIGINT"
	case 21:
		return "some error returned by waitpid()"
	case 22:
		return "error allocating core memory buffers"
	case 23:
		return "partial transfer due to error"
	case 24:
		return "partial transfer due to vanished source files"
	case 25:
		return "the --max-delete limit stopped deletions"
	case 30:
		return "timeout in data send/receive"
	case 35:
		return "timeout waiting for daemon connection"
	default:
		return "unknown error"
	}
}
