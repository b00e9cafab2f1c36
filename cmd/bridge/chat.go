package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/LaCreArthur/claude-bridge/bundle"
	"github.com/LaCreArthur/claude-bridge/logger"
	"github.com/LaCreArthur/claude-bridge/permission"
	"github.com/LaCreArthur/claude-bridge/session"
)

type chatOptions struct {
	Message        string
	WorkingDir     string
	Model          string
	PermissionMode string
	RestorePath    string
}

func runChat(opts chatOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if opts.WorkingDir == "" {
		if opts.WorkingDir, err = os.Getwd(); err != nil {
			return err
		}
	}
	if opts.Model == "" {
		opts.Model = cfg.DefaultModel
	}
	if opts.PermissionMode == "" {
		opts.PermissionMode = cfg.DefaultPermissionMode
	}

	permDir, err := cfg.ResolvedPermissionDir()
	if err != nil {
		return err
	}
	transport, err := permission.NewFileTransport(permDir)
	if err != nil {
		return err
	}

	listener := newConsoleListener(os.Stdout)

	var sess *session.Session
	mailbox := permission.NewMailbox(transport, permission.Config{
		PollInterval: cfg.PermissionPollInterval,
		Timeout:      cfg.PermissionTimeout,
	}, permission.Callbacks{
		OnRequest: func(req permission.Request) { sess.HandlePermissionRequest(req) },
		OnTimeout: func(req permission.Request) {
			fmt.Fprintf(os.Stderr, "\n[permission request for %s timed out, denied]\n", req.Tool)
		},
	}, logger.WithComponent("permission"))

	sess = session.New(session.Options{
		WorkingDir:        opts.WorkingDir,
		PermissionMode:    opts.PermissionMode,
		Model:             opts.Model,
		AgentInstructions: cfg.AgentInstructions,
		Resolver: bundle.NewResolver(bundle.Options{
			OverrideDir: cfg.ResolvedRuntimeOverride(),
			ArchivePath: cfg.ArchivePath,
		}),
		Mailbox:       mailbox,
		PermissionDir: permDir,
		Listener:      listener,
	})
	listener.sess = sess
	defer sess.Close()

	// Ctrl+C cancels the in-flight turn instead of killing the harness.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, syscall.SIGINT)
	defer signal.Stop(interrupts)
	go func() {
		for range interrupts {
			fmt.Fprintln(os.Stderr, "\n[cancelling]")
			sess.Cancel()
		}
	}()

	if opts.RestorePath != "" {
		if err := sess.RestoreFromFile(opts.RestorePath); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "[restored %d message(s)]\n", len(sess.Messages()))
	}

	if opts.Message != "" {
		return listener.runTurn(opts.Message)
	}
	return repl(sess, listener)
}

// repl reads one message per line until EOF or /quit.
func repl(sess *session.Session, listener *consoleListener) error {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/clear":
			sess.Clear()
			fmt.Println("[conversation cleared]")
			continue
		}
		if err := listener.runTurn(line); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

// consoleListener renders session events on a terminal and drives the
// permission prompt.
type consoleListener struct {
	session.NopListener

	out  io.Writer
	sess *session.Session

	mu        sync.Mutex
	sawBusy   bool
	announced bool
	done      chan error
}

func newConsoleListener(out io.Writer) *consoleListener {
	return &consoleListener{out: out, done: make(chan error, 1)}
}

// runTurn sends one message and blocks until the session goes idle.
func (l *consoleListener) runTurn(text string) error {
	l.mu.Lock()
	l.sawBusy = false
	l.done = make(chan error, 1)
	l.mu.Unlock()

	if err := l.sess.Send(text, nil); err != nil {
		return err
	}
	return <-l.done
}

func (l *consoleListener) OnStateChange(busy, loading bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if busy {
		l.sawBusy = true
		return
	}
	if l.sawBusy && !loading {
		l.sawBusy = false
		select {
		case l.done <- err:
		default:
		}
	}
}

func (l *consoleListener) OnSessionID(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.announced {
		l.announced = true
		fmt.Fprintf(os.Stderr, "[session %s]\n", id)
	}
}

func (l *consoleListener) OnContentDelta(delta string) {
	fmt.Fprint(l.out, delta)
}

func (l *consoleListener) OnStreamEnd() {
	fmt.Fprintln(l.out)
}

// OnPermissionRequest prompts on the terminal. Runs on its own goroutine so
// the mailbox polling loop is never blocked on a human.
func (l *consoleListener) OnPermissionRequest(req permission.Request) {
	go func() {
		fmt.Fprintf(os.Stderr, "\nAgent requests permission: %s", req.Tool)
		if len(req.Input) > 0 {
			fmt.Fprintf(os.Stderr, " %s", req.Input)
		}
		fmt.Fprint(os.Stderr, "\nAllow? [y]es / [a]lways / [N]o: ")

		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		answer = strings.ToLower(strings.TrimSpace(answer))

		resp := permission.Response{ID: req.ID, Behavior: permission.BehaviorDeny, Message: "denied by user"}
		switch answer {
		case "y", "yes":
			resp = permission.Response{ID: req.ID, Behavior: permission.BehaviorAllow}
		case "a", "always":
			resp = permission.Response{ID: req.ID, Behavior: permission.BehaviorAllow, Always: true}
		}
		l.sess.RespondPermission(resp)
	}()
}
