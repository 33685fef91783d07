// Package pipeline spawns subprocess chains such as
// "zfs send | pv | zfs receive" as an explicit process graph: every stage is
// its own exec.Cmd, stdout is wired to the next stage's stdin through real
// pipes, and each stage's exit status is captured individually so a failure
// can be attributed to the stage that caused it.
package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Stage is one process in a pipeline.
type Stage struct {
	Name string
	Path string
	Args []string
}

// String renders the stage as it would appear on a command line.
func (s Stage) String() string {
	if len(s.Args) == 0 {
		return s.Path
	}
	return s.Path + " " + strings.Join(s.Args, " ")
}

// StageError reports a single stage that exited non-zero.
type StageError struct {
	Stage    string
	ExitCode int
	Stderr   string
}

func (e *StageError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("stage %q exited with code %d: %s", e.Stage, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("stage %q exited with code %d", e.Stage, e.ExitCode)
}

// Pipeline runs a chain of stages connected stdin-to-stdout.
type Pipeline struct {
	stages      []Stage
	progressIdx int
	onLine      func(string)
	onOutLine   func(string)
	output      *bytes.Buffer

	mu   sync.Mutex
	cmds []*exec.Cmd

	wg         sync.WaitGroup
	parentFds  []*os.File
	stderrBufs []*bytes.Buffer
}

// New creates a pipeline from the given stages. At least one stage is
// required.
func New(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages, progressIdx: -1}
}

// StreamStderr registers a callback invoked for every stderr line of the
// stage at index idx. It is how the pv metering stage's progress channel is
// consumed. Must be called before Start.
func (p *Pipeline) StreamStderr(idx int, onLine func(string)) {
	p.progressIdx = idx
	p.onLine = onLine
}

// CaptureOutput buffers the final stage's stdout instead of discarding it.
// Must be called before Start.
func (p *Pipeline) CaptureOutput() *bytes.Buffer {
	p.output = &bytes.Buffer{}
	return p.output
}

// StreamOutput registers a callback invoked for every stdout line of the
// final stage. Used when a tool reports transfer progress on stdout rather
// than stderr. Mutually exclusive with CaptureOutput; must be called before
// Start.
func (p *Pipeline) StreamOutput(onLine func(string)) {
	p.onOutLine = onLine
}

// Start spawns every stage and wires the graph. It returns once all stages
// are running.
func (p *Pipeline) Start(ctx context.Context) error {
	if len(p.stages) == 0 {
		return fmt.Errorf("pipeline has no stages")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.cmds = make([]*exec.Cmd, len(p.stages))
	p.stderrBufs = make([]*bytes.Buffer, len(p.stages))
	for i, stage := range p.stages {
		cmd := exec.CommandContext(ctx, stage.Path, stage.Args...)
		p.stderrBufs[i] = &bytes.Buffer{}
		cmd.Stderr = p.stderrBufs[i]
		p.cmds[i] = cmd
	}

	// Connect stage i stdout to stage i+1 stdin.
	for i := 0; i < len(p.cmds)-1; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			p.closeParentFds()
			return fmt.Errorf("failed to create pipe: %w", err)
		}
		p.cmds[i].Stdout = w
		p.cmds[i+1].Stdin = r
		p.parentFds = append(p.parentFds, r, w)
	}

	if p.output != nil {
		p.cmds[len(p.cmds)-1].Stdout = p.output
	} else if p.onOutLine != nil {
		r, w, err := os.Pipe()
		if err != nil {
			p.closeParentFds()
			return fmt.Errorf("failed to create output pipe: %w", err)
		}
		p.cmds[len(p.cmds)-1].Stdout = w
		p.parentFds = append(p.parentFds, w)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer r.Close()
			scanner := bufio.NewScanner(r)
			for scanner.Scan() {
				p.onOutLine(scanner.Text())
			}
		}()
	}

	// The progress stage's stderr is consumed line by line instead of
	// being buffered.
	if p.progressIdx >= 0 && p.progressIdx < len(p.cmds) && p.onLine != nil {
		r, w, err := os.Pipe()
		if err != nil {
			p.closeParentFds()
			return fmt.Errorf("failed to create progress pipe: %w", err)
		}
		p.cmds[p.progressIdx].Stderr = w
		p.parentFds = append(p.parentFds, w)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer r.Close()
			scanner := bufio.NewScanner(r)
			for scanner.Scan() {
				p.onLine(scanner.Text())
			}
		}()
	}

	for i, cmd := range p.cmds {
		if err := cmd.Start(); err != nil {
			p.killLocked()
			p.closeParentFds()
			return fmt.Errorf("failed to start stage %q: %w", p.stages[i].Name, err)
		}
	}

	// The children own the pipe ends now; the parent's copies must go so
	// readers see EOF when a writer exits.
	p.closeParentFds()
	return nil
}

// Wait blocks until every stage has exited and returns the error of the
// failing stage. A stage that exited non-zero on its own is preferred over
// one killed by SIGPIPE after a neighbour died.
func (p *Pipeline) Wait() error {
	p.mu.Lock()
	cmds := p.cmds
	p.mu.Unlock()

	var failures []*StageError
	for i, cmd := range cmds {
		err := cmd.Wait()
		if err == nil {
			continue
		}
		code := -1
		if exitErr, isExit := err.(*exec.ExitError); isExit {
			code = exitErr.ExitCode()
		}
		failures = append(failures, &StageError{
			Stage:    p.stages[i].Name,
			ExitCode: code,
			Stderr:   strings.TrimSpace(p.stderrBufs[i].String()),
		})
	}

	p.wg.Wait()

	if len(failures) == 0 {
		return nil
	}
	for _, f := range failures {
		if f.ExitCode >= 0 {
			return f
		}
	}
	return failures[0]
}

// Run starts the pipeline and waits for it to finish.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	return p.Wait()
}

// Kill terminates every running stage. Used by cancellation; best effort.
func (p *Pipeline) Kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killLocked()
}

func (p *Pipeline) killLocked() {
	for _, cmd := range p.cmds {
		if cmd != nil && cmd.Process != nil {
			cmd.Process.Kill()
		}
	}
}

func (p *Pipeline) closeParentFds() {
	for _, f := range p.parentFds {
		f.Close()
	}
	p.parentFds = nil
}
