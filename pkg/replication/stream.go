package replication

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/CanuteTheGreat/horcrux-sub000/pkg/pipeline"
	"github.com/CanuteTheGreat/horcrux-sub000/pkg/progress"
	"github.com/CanuteTheGreat/horcrux-sub000/pkg/transport"
)

// streamSpec describes one send/receive transfer for the stream backends.
// sendArgv runs locally and writes the stream to stdout; recvArgv consumes
// it on the target.
type streamSpec struct {
	task     *ExtendedTask
	sendArgv []string
	recvArgv []string
}

// runStream moves a stream from the local send command to the target's
// receive command over the task's transport. A pv stage between the two
// meters progress and applies the bandwidth cap; its stderr is the progress
// channel feeding the live view.
func (m *Manager) runStream(ctx context.Context, spec streamSpec) error {
	task := spec.task

	send := pipeline.Stage{Name: "send", Path: spec.sendArgv[0], Args: spec.sendArgv[1:]}
	meter := meterStage(task.BandwidthLimit)

	switch effectiveTransport(task) {
	case TransportLocal:
		recv := pipeline.Stage{Name: "receive", Path: spec.recvArgv[0], Args: spec.recvArgv[1:]}
		return m.runStreamPipeline(ctx, task, send, meter, recv)

	case TransportNetcat:
		return m.runNetcatStream(ctx, spec, send, meter)

	default:
		remote := shellJoin(spec.recvArgv)
		if binaryExists("mbuffer") {
			remote = "mbuffer -q -s 128k -m 256M | " + remote
		}
		sshArgs := sshConfig(task).BuildArgs(task.TargetHost)
		recv := pipeline.Stage{
			Name: "receive",
			Path: "ssh",
			Args: append(sshArgs, remote),
		}
		if binaryExists("mbuffer") {
			buffer := pipeline.Stage{
				Name: "buffer",
				Path: "mbuffer",
				Args: []string{"-q", "-s", "128k", "-m", "256M"},
			}
			return m.runStreamPipeline(ctx, task, send, meter, buffer, recv)
		}
		return m.runStreamPipeline(ctx, task, send, meter, recv)
	}
}

// runStreamPipeline executes the wired stages with the meter at index 1 as
// the progress source.
func (m *Manager) runStreamPipeline(ctx context.Context, task *ExtendedTask, stages ...pipeline.Stage) error {
	p := pipeline.New(stages...)
	p.StreamStderr(1, func(line string) {
		if bytes, rate, ok := progress.ParsePV(line); ok {
			m.updateBytes(task.ID, bytes, rate)
		}
	})
	m.registerPipeline(task.ID, p)

	m.setState(task.ID, StateSending)
	log.Debugw("starting stream", "task", task.ID, "stages", len(stages))
	if err := p.Run(ctx); err != nil {
		return errors.Trace(err)
	}
	m.setState(task.ID, StateReceiving)
	return nil
}

// runNetcatStream runs the raw TCP transport: a receive listener is started
// on the target over ssh, probed until it is accepting, then the stream is
// pushed through a local nc client.
func (m *Manager) runNetcatStream(ctx context.Context, spec streamSpec, send, meter pipeline.Stage) error {
	task := spec.task
	cfg := sshConfig(task)
	port := m.netcatPort

	listener := exec.CommandContext(ctx, "ssh",
		append(cfg.BuildArgs(task.TargetHost),
			fmt.Sprintf("nc -l -p %d | %s", port, shellJoin(spec.recvArgv)))...)
	if err := listener.Start(); err != nil {
		return errors.Annotate(err, "failed to start receive listener")
	}
	listenerDone := make(chan error, 1)
	go func() { listenerDone <- listener.Wait() }()

	if err := m.waitForListener(ctx, cfg, task.TargetHost, port, listenerDone); err != nil {
		listener.Process.Kill()
		return errors.Trace(err)
	}

	client := pipeline.Stage{
		Name: "nc-client",
		Path: "nc",
		Args: []string{"-N", task.TargetHost, strconv.Itoa(port)},
	}
	if err := m.runStreamPipeline(ctx, task, send, meter, client); err != nil {
		listener.Process.Kill()
		return errors.Trace(err)
	}

	// The receive side finalizes after the stream closes.
	select {
	case err := <-listenerDone:
		if err != nil {
			return errors.Annotate(err, "receive listener failed")
		}
		return nil
	case <-ctx.Done():
		listener.Process.Kill()
		return ctx.Err()
	}
}

// waitForListener polls the target over ssh until the receive port is in
// LISTEN state. Dialing the port directly would consume the listener's
// single accept, so the check runs out of band.
func (m *Manager) waitForListener(ctx context.Context, cfg *transport.SshConfig, host string, port int, listenerDone <-chan error) error {
	pattern := fmt.Sprintf(":%d ", port)
	for i := 0; i < 20; i++ {
		select {
		case err := <-listenerDone:
			return errors.Annotatef(err, "receive listener exited before accepting")
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(250 * time.Millisecond):
		}
		out, err := exec.CommandContext(ctx, "ssh",
			append(cfg.BuildArgs(host), "ss -H -ltn")...).Output()
		if err != nil {
			continue
		}
		if strings.Contains(string(out), pattern) {
			return nil
		}
	}
	return errors.Errorf("receive listener on %s:%d never reached LISTEN state", host, port)
}

// meterStage builds the pv stage. The bandwidth cap is in KiB/s; zero means
// unthrottled.
func meterStage(limitKiB int) pipeline.Stage {
	args := []string{"-f", "-F", "%b %t %r"}
	if limitKiB > 0 {
		args = append(args, "-L", fmt.Sprintf("%dk", limitKiB))
	}
	return pipeline.Stage{Name: "meter", Path: "pv", Args: args}
}

// effectiveTransport resolves the data path: an empty or local target host
// always means a local transfer regardless of the configured transport.
func effectiveTransport(task *ExtendedTask) Transport {
	if task.TargetHost == "" || task.TargetHost == "localhost" || task.TargetHost == "127.0.0.1" {
		return TransportLocal
	}
	if task.Transport == "" {
		return TransportSsh
	}
	return task.Transport
}

func sshConfig(task *ExtendedTask) *transport.SshConfig {
	if task.SshConfig != nil {
		return task.SshConfig
	}
	return transport.DefaultSshConfig()
}

// shellJoin renders an argv as a single sh command string, quoting any
// argument the remote shell would otherwise split.
func shellJoin(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		if a == "" || strings.ContainsAny(a, " \t'\"$&|;<>()*?#~") {
			parts[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		} else {
			parts[i] = a
		}
	}
	return strings.Join(parts, " ")
}
