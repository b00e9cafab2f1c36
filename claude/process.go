// Package claude speaks the agent runtime's stream-json protocol: it spawns
// the runtime under node, writes one command envelope per turn to stdin, and
// parses the JSON documents the runtime emits on stdout.
package claude

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/LaCreArthur/claude-bridge/bundle"
)

// ErrSendFailed means the agent process died or refused input before the
// turn completed. The buffered stderr is attached for diagnostics.
var ErrSendFailed = errors.New("send to agent process failed")

// stopGrace is how long Stop waits for a voluntary exit before killing the
// process tree.
const stopGrace = 2 * time.Second

// ProcessConfig describes how to spawn the runtime.
type ProcessConfig struct {
	// RuntimeDir contains the entry script, from the bundle resolver.
	RuntimeDir string
	// NodeBinary defaults to "node" on PATH.
	NodeBinary string
	// WorkingDir is the directory the agent operates in.
	WorkingDir string
	// Args is the runtime argument vector, from Command.Args.
	Args []string
	// Env is extra KEY=VALUE pairs appended to the inherited environment.
	// The permission mailbox directory is propagated here so both sides
	// agree on it.
	Env []string
	// RawLog, when set, receives every stdout line verbatim.
	RawLog io.Writer
}

// ProcessCallbacks are invoked from the process's internal goroutines and
// must not block.
type ProcessCallbacks struct {
	// OnLine is called for each stdout line, trailing newline included.
	OnLine func(line string)
	// OnExit is called once when the process exits for any reason other
	// than Stop. err may be nil for a clean exit; stderr is whatever the
	// process wrote there.
	OnExit func(err error, stderr string)
}

// readResult carries one stdout read across the cancellation select.
type readResult struct {
	line string
	err  error
}

// Process owns one agent subprocess: its pipes, its reader goroutines, and
// its exit handling. One Process per active turn.
type Process struct {
	config    ProcessConfig
	callbacks ProcessCallbacks
	log       *slog.Logger

	mu            sync.Mutex
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	stdout        *bufio.Reader
	stderr        io.ReadCloser
	stderrContent string
	stderrDone    chan struct{}
	readDone      chan struct{}
	running       bool

	// waitDone is closed by monitorExit when cmd.Wait() returns. Stop
	// selects on it instead of calling cmd.Wait() a second time.
	waitDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcess creates a process around the given configuration.
func NewProcess(config ProcessConfig, callbacks ProcessCallbacks, log *slog.Logger) *Process {
	if config.NodeBinary == "" {
		config.NodeBinary = "node"
	}
	return &Process{
		config:    config,
		callbacks: callbacks,
		log:       log,
	}
}

// Start spawns the runtime. Idempotent while running.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	entry := filepath.Join(p.config.RuntimeDir, bundle.EntryScript)
	argv := append([]string{entry}, p.config.Args...)
	p.log.Debug("starting agent process", "node", p.config.NodeBinary, "entry", entry, "args", p.config.Args)

	cmd := exec.Command(p.config.NodeBinary, argv...)
	cmd.Dir = p.config.WorkingDir
	cmd.Env = append(os.Environ(), p.config.Env...)
	// The runtime spawns its own children (shells, tools). Group them so
	// cancellation can take down the whole tree.
	setProcAttributes(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("%w: starting %s: %v", ErrSendFailed, p.config.NodeBinary, err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = bufio.NewReader(stdout)
	p.stderr = stderr
	p.stderrContent = ""
	p.stderrDone = make(chan struct{})
	p.readDone = make(chan struct{})
	p.waitDone = make(chan struct{})
	p.running = true

	if p.cancel != nil {
		p.cancel()
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.log.Info("agent process started", "pid", cmd.Process.Pid)

	p.wg.Add(3)
	readDone := p.readDone
	go func() {
		defer p.wg.Done()
		defer close(readDone)
		p.readOutput()
	}()
	go func() {
		defer p.wg.Done()
		p.drainStderr()
	}()
	go func() {
		defer p.wg.Done()
		p.monitorExit()
	}()

	return nil
}

// Stop terminates the process and waits for its goroutines. The whole
// descendant tree is killed if the process does not exit within the grace
// period. Safe to call repeatedly.
func (p *Process) Stop() {
	p.mu.Lock()
	wasRunning := p.running

	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if !wasRunning {
		p.mu.Unlock()
		return
	}

	p.log.Debug("stopping agent process")
	p.running = false

	if p.stdin != nil {
		p.stdin.Close()
		p.stdin = nil
	}

	cmd := p.cmd
	waitDone := p.waitDone
	p.mu.Unlock()

	if cmd != nil && cmd.Process != nil && waitDone != nil {
		select {
		case <-waitDone:
			p.log.Debug("agent process exited on its own")
		case <-time.After(stopGrace):
			p.log.Debug("killing agent process tree")
			killTree(cmd)
			<-waitDone
		}
	}

	p.wg.Wait()

	p.mu.Lock()
	if p.stderr != nil {
		p.stderr.Close()
		p.stderr = nil
	}
	p.cmd = nil
	p.stdout = nil
	p.mu.Unlock()
}

// IsRunning reports whether the subprocess is alive.
func (p *Process) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// WriteCommand serializes the turn envelope and writes it to stdin.
func (p *Process) WriteCommand(cmd Command) error {
	data, err := cmd.Envelope()
	if err != nil {
		return err
	}
	return p.WriteMessage(data)
}

// WriteMessage writes raw bytes to the process stdin.
func (p *Process) WriteMessage(data []byte) error {
	p.mu.Lock()
	stdin := p.stdin
	running := p.running
	p.mu.Unlock()

	if !running || stdin == nil {
		return fmt.Errorf("%w: process not running", ErrSendFailed)
	}
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// Stderr returns whatever the process has written to stderr so far.
func (p *Process) Stderr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderrContent
}

// readOutput reads stdout line by line and dispatches callbacks. It runs
// until EOF or cancellation, not until the running flag drops: lines still
// buffered at process exit must reach their callbacks.
func (p *Process) readOutput() {
	p.mu.Lock()
	reader := p.stdout
	p.mu.Unlock()
	if reader == nil {
		return
	}

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		line, err := p.readLine(reader)
		if err != nil {
			select {
			case <-p.ctx.Done():
				return
			default:
			}
			if err == io.EOF {
				p.log.Debug("agent stdout closed")
			} else {
				p.log.Debug("agent stdout read error", "error", err)
			}
			return
		}
		if len(line) == 0 {
			continue
		}

		if p.config.RawLog != nil {
			p.config.RawLog.Write([]byte(line))
		}
		if p.callbacks.OnLine != nil {
			p.callbacks.OnLine(line)
		}
	}
}

// readLine blocks on the next stdout line while staying cancellable. The
// inner goroutine cannot be interrupted mid-read, but Stop closing the pipes
// unblocks it with EOF; the buffered channel lets it finish either way.
func (p *Process) readLine(reader *bufio.Reader) (string, error) {
	resultCh := make(chan readResult, 1)
	go func() {
		line, err := reader.ReadString('\n')
		resultCh <- readResult{line: line, err: err}
	}()

	select {
	case <-p.ctx.Done():
		return "", p.ctx.Err()
	case result := <-resultCh:
		return result.line, result.err
	}
}

// drainStderr captures stderr concurrently so the content exists before
// cmd.Wait() closes the pipe.
func (p *Process) drainStderr() {
	defer close(p.stderrDone)

	p.mu.Lock()
	stderr := p.stderr
	p.mu.Unlock()
	if stderr == nil {
		return
	}

	data, err := io.ReadAll(stderr)
	if err != nil {
		p.log.Debug("stderr read error", "error", err)
		return
	}
	if len(data) > 0 {
		p.mu.Lock()
		p.stderrContent = string(data)
		p.mu.Unlock()
	}
}

// monitorExit is the sole caller of cmd.Wait(); Stop coordinates through
// waitDone instead of waiting twice. The pipe drains finish first: the child
// exiting delivers EOF to both readers, and reaping before they drain would
// close the pipes under them and discard buffered output, including the
// turn's terminal document on a fast exit.
func (p *Process) monitorExit() {
	p.mu.Lock()
	cmd := p.cmd
	waitDone := p.waitDone
	stderrDone := p.stderrDone
	readDone := p.readDone
	p.mu.Unlock()

	if cmd == nil {
		if waitDone != nil {
			close(waitDone)
		}
		return
	}

	<-readDone
	<-stderrDone

	err := cmd.Wait()
	close(waitDone)
	p.handleExit(err)
}

// handleExit reports the exit through OnExit unless Stop already owned the
// shutdown.
func (p *Process) handleExit(err error) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	if p.stdin != nil {
		p.stdin.Close()
		p.stdin = nil
	}
	stderr := p.stderrContent
	p.mu.Unlock()

	if err != nil {
		p.log.Warn("agent process exited abnormally", "error", err, "stderr", truncateForLog(stderr))
	} else {
		p.log.Debug("agent process exited")
	}
	if p.callbacks.OnExit != nil {
		p.callbacks.OnExit(err, stderr)
	}
}
