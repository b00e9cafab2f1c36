// Package session holds the authoritative state of one conversation with
// the agent: its transcript, busy and loading flags, identity, and the
// wiring between the runtime resolver, the process transport, and the
// permission mailbox. All mutation funnels through the session's own
// handler; callers never touch state concurrently.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/LaCreArthur/claude-bridge/claude"
	"github.com/LaCreArthur/claude-bridge/logger"
	"github.com/LaCreArthur/claude-bridge/permission"
)

// ErrBusy rejects a send while a previous turn is still outstanding.
var ErrBusy = errors.New("session is busy with another request")

// RuntimeResolver locates the agent runtime directory for a turn.
// *bundle.Resolver is the production implementation.
type RuntimeResolver interface {
	Resolve(ctx context.Context) (string, error)
}

// Options configures a new session.
type Options struct {
	// ChannelID is the caller's correlation key; generated when empty.
	ChannelID string
	// WorkingDir is where the agent operates.
	WorkingDir string
	// PermissionMode, Model and AgentInstructions are per-session defaults
	// applied to every turn.
	PermissionMode    string
	Model             string
	AgentInstructions string
	// NodeBinary overrides the node executable, mostly for tests.
	NodeBinary string

	// Resolver locates the agent runtime.
	Resolver RuntimeResolver
	// Mailbox is the permission channel; nil disables approval handling.
	Mailbox *permission.Mailbox
	// PermissionDir is propagated to the agent process so both sides use
	// the same mailbox location.
	PermissionDir string

	Listener Listener
	Log      *slog.Logger
}

// Session is one conversation. Safe for concurrent use; a second Send while
// one is outstanding fails with ErrBusy rather than interleaving.
type Session struct {
	channelID string
	listener  Listener
	resolver  RuntimeResolver
	mailbox   *permission.Mailbox
	log       *slog.Logger

	workingDir        string
	permissionMode    string
	model             string
	agentInstructions string
	nodeBinary        string
	permissionDir     string

	mu            sync.Mutex
	sessionID     string
	started       bool // session id has been through one completed turn
	messages      []*claude.Message
	busy          bool
	loading       bool
	lastErr       error
	slashCommands []string

	// open is the assistant message currently receiving deltas.
	open *claude.Message
	// turnDone guards the busy flag: cleared exactly once per turn no
	// matter which path (result, exit, cancel, error) gets there first.
	turnDone bool
	// turn is the generation of the current turn. Every worker callback
	// carries the generation it was started for; callbacks from a
	// cancelled or superseded turn are dropped instead of mutating state.
	turn uint64
	// turnCancel aborts the current turn's runtime resolution and spawn.
	turnCancel context.CancelFunc

	proc   *claude.Process
	parser *claude.Parser
	rawLog io.WriteCloser

	// alwaysAllowed remembers approve-always decisions, keyed by tool
	// name for the life of the session.
	alwaysAllowed map[string]bool
	// pendingTools maps outstanding permission ids to their tool names so
	// an always decision knows what to remember.
	pendingTools map[string]string
}

// New creates a session. No process is spawned until the first Send.
func New(opts Options) *Session {
	if opts.ChannelID == "" {
		opts.ChannelID = uuid.New().String()
	}
	if opts.Listener == nil {
		opts.Listener = NopListener{}
	}
	if opts.Log == nil {
		opts.Log = logger.WithChannel(opts.ChannelID)
	}
	return &Session{
		channelID:         opts.ChannelID,
		listener:          opts.Listener,
		resolver:          opts.Resolver,
		mailbox:           opts.Mailbox,
		log:               opts.Log,
		workingDir:        opts.WorkingDir,
		permissionMode:    opts.PermissionMode,
		model:             opts.Model,
		agentInstructions: opts.AgentInstructions,
		nodeBinary:        opts.NodeBinary,
		permissionDir:     opts.PermissionDir,
		alwaysAllowed:     make(map[string]bool),
		pendingTools:      make(map[string]string),
	}
}

// ChannelID returns the caller correlation key.
func (s *Session) ChannelID() string { return s.channelID }

// SessionID returns the agent-assigned conversation id, empty before the
// first turn.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Busy reports whether a turn is outstanding.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// LastError returns the most recent turn failure, nil after a clean turn.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// SlashCommands returns the command list announced by the runtime.
func (s *Session) SlashCommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.slashCommands...)
}

// Messages returns a snapshot of the transcript.
func (s *Session) Messages() []*claude.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*claude.Message(nil), s.messages...)
}

// Send starts one turn. Returns ErrBusy when a turn is already outstanding;
// otherwise it returns immediately and the turn proceeds on a worker, with
// results delivered through the Listener.
func (s *Session) Send(text string, attachments []claude.Attachment) error {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return ErrBusy
	}
	s.busy = true
	s.turnDone = false
	s.lastErr = nil
	s.turn++
	gen := s.turn
	ctx, cancel := context.WithCancel(context.Background())
	s.turnCancel = cancel

	if s.sessionID == "" {
		s.sessionID = uuid.New().String()
	}
	resume := s.started

	userMsg := claude.NewMessage(claude.RoleUser, text, nil)
	s.messages = append(s.messages, userMsg)
	s.mu.Unlock()

	s.notifyState()
	s.notifyMessages()

	go s.runTurn(ctx, gen, text, attachments, resume)
	return nil
}

// Cancel terminates the in-flight turn. The subprocess tree is killed, the
// open assistant message is finalized with whatever text arrived (or
// discarded when empty), and the session returns to idle. No-op when idle.
func (s *Session) Cancel() {
	s.mu.Lock()
	if !s.busy {
		s.mu.Unlock()
		return
	}
	gen := s.turn
	cancel := s.turnCancel
	proc := s.proc
	s.mu.Unlock()

	s.log.Info("cancelling in-flight turn")
	// The context is cancelled before the process is stopped: a turn still
	// resolving the runtime sees the abort before it can spawn anything.
	if cancel != nil {
		cancel()
	}
	if proc != nil {
		proc.Stop()
	}
	s.finishTurn(gen, nil)
}

// Clear resets the conversation: any in-flight turn is cancelled, the
// transcript is emptied, and the next Send starts a fresh agent session.
func (s *Session) Clear() {
	s.Cancel()

	s.mu.Lock()
	s.messages = nil
	s.sessionID = ""
	s.started = false
	s.open = nil
	s.lastErr = nil
	s.slashCommands = nil
	s.alwaysAllowed = make(map[string]bool)
	s.mu.Unlock()

	s.notifyState()
	s.notifyMessages()
}

// Close releases the session's resources. The session is unusable after.
func (s *Session) Close() {
	s.Cancel()
	if s.mailbox != nil {
		s.mailbox.Stop()
	}
	s.mu.Lock()
	if s.rawLog != nil {
		s.rawLog.Close()
		s.rawLog = nil
	}
	s.mu.Unlock()
}

// runTurn does the blocking work of one turn off the caller's goroutine.
// ctx aborts the turn while it is still resolving the runtime; gen ties
// every later callback to this turn so a cancelled turn cannot spawn a
// process or touch the transcript.
func (s *Session) runTurn(ctx context.Context, gen uint64, text string, attachments []claude.Attachment, resume bool) {
	runtimeDir, err := s.resolver.Resolve(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// Cancel already closed the turn.
			return
		}
		s.log.Error("runtime resolution failed", "error", err)
		s.finishTurn(gen, err)
		return
	}

	s.mu.Lock()
	if s.turn != gen || s.turnDone {
		s.mu.Unlock()
		return
	}
	sessionID := s.sessionID
	model := s.model
	permissionMode := s.permissionMode
	s.parser = claude.NewParser(s.log)
	rawLog := s.ensureRawLogLocked()
	s.mu.Unlock()

	cmd := claude.Command{
		Text:              text,
		Attachments:       attachments,
		SessionID:         sessionID,
		Resume:            resume,
		WorkingDir:        s.workingDir,
		PermissionMode:    permissionMode,
		Model:             model,
		AgentInstructions: s.agentInstructions,
	}

	var env []string
	if s.permissionDir != "" {
		env = append(env, "CLAUDE_BRIDGE_PERMISSION_DIR="+s.permissionDir)
	}

	proc := claude.NewProcess(claude.ProcessConfig{
		RuntimeDir: runtimeDir,
		NodeBinary: s.nodeBinary,
		WorkingDir: s.workingDir,
		Args:       cmd.Args(),
		Env:        env,
		RawLog:     rawLog,
	}, claude.ProcessCallbacks{
		OnLine: func(line string) { s.handleLine(gen, line) },
		OnExit: func(err error, stderr string) { s.handleProcessExit(gen, err, stderr) },
	}, s.log)

	s.mu.Lock()
	if s.turn != gen || s.turnDone {
		s.mu.Unlock()
		return
	}
	s.proc = proc
	s.mu.Unlock()

	if s.mailbox != nil {
		s.mailbox.Start(context.Background())
	}

	if err := proc.Start(); err != nil {
		s.finishTurn(gen, err)
		return
	}
	// A Cancel racing the spawn cancels the context before it stops the
	// process, so either its Stop saw the started process or this check
	// sees the cancelled context. Either way the process dies.
	if ctx.Err() != nil {
		proc.Stop()
		return
	}
	if err := proc.WriteCommand(cmd); err != nil {
		proc.Stop()
		s.finishTurn(gen, err)
		return
	}
}

// ensureRawLogLocked lazily opens the per-channel raw protocol log. Failure
// to open it only loses the replay transcript, never the turn.
func (s *Session) ensureRawLogLocked() io.Writer {
	if s.rawLog != nil {
		return s.rawLog
	}
	path, err := logger.RawDocLogPath(s.channelID)
	if err != nil {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		s.log.Warn("cannot open raw protocol log", "path", path, "error", err)
		return nil
	}
	s.rawLog = f
	return f
}

// handleLine is the single mutation path for live protocol input. It runs
// on the transport's reader goroutine, which serializes all state changes.
// Lines from a turn that is no longer live are dropped.
func (s *Session) handleLine(gen uint64, line string) {
	s.mu.Lock()
	live := s.turn == gen && !s.turnDone
	parser := s.parser
	s.mu.Unlock()
	if !live || parser == nil {
		return
	}
	for _, chunk := range parser.ParseLine(line) {
		s.applyChunk(gen, chunk)
	}
}

// staleLocked reports whether gen is no longer the live turn. Caller holds
// s.mu.
func (s *Session) staleLocked(gen uint64) bool {
	return s.turn != gen || s.turnDone
}

func (s *Session) applyChunk(gen uint64, c claude.Chunk) {
	switch c.Type {
	case claude.ChunkInit:
		s.mu.Lock()
		if s.staleLocked(gen) {
			s.mu.Unlock()
			return
		}
		if c.SessionID != "" {
			s.sessionID = c.SessionID
		}
		if c.Model != "" {
			s.model = c.Model
		}
		if len(c.SlashCommands) > 0 {
			s.slashCommands = c.SlashCommands
		}
		id := s.sessionID
		s.mu.Unlock()
		s.listener.OnSessionID(id)

	case claude.ChunkStreamStart:
		s.mu.Lock()
		if s.staleLocked(gen) {
			s.mu.Unlock()
			return
		}
		s.open = claude.NewMessage(claude.RoleAssistant, "", nil)
		s.messages = append(s.messages, s.open)
		s.mu.Unlock()
		s.listener.OnStreamStart()
		s.notifyMessages()

	case claude.ChunkText:
		s.mu.Lock()
		if s.staleLocked(gen) {
			s.mu.Unlock()
			return
		}
		if s.open == nil {
			s.open = claude.NewMessage(claude.RoleAssistant, "", nil)
			s.messages = append(s.messages, s.open)
		}
		s.open.AppendText(c.Text)
		s.mu.Unlock()
		s.listener.OnContentDelta(c.Text)
		s.notifyMessages()

	case claude.ChunkThinking:
		s.listener.OnThinkingDelta(c.Text)

	case claude.ChunkStreamEnd:
		s.listener.OnStreamEnd()

	case claude.ChunkMessage:
		s.applyMessage(gen, c.Message)

	case claude.ChunkToolUse:
		s.log.Debug("tool use", "tool", c.ToolName, "id", c.ToolUseID)

	case claude.ChunkToolResult:
		s.log.Debug("tool result", "id", c.ToolUseID, "isError", c.ToolIsError)

	case claude.ChunkResult:
		var err error
		if c.Result.IsError {
			err = fmt.Errorf("agent reported error: %s", c.Result.Text)
		}
		s.mu.Lock()
		if s.staleLocked(gen) {
			s.mu.Unlock()
			return
		}
		s.started = true
		proc := s.proc
		s.mu.Unlock()
		s.log.Info("turn complete",
			"durationMs", c.Result.DurationMs,
			"turns", c.Result.NumTurns,
			"costUSD", c.Result.TotalCostUSD,
			"isError", c.Result.IsError)
		s.finishTurn(gen, err)
		if proc != nil {
			go proc.Stop()
		}
	}
}

// applyMessage folds a classified transcript message into the history. A
// finalized assistant document closes the open streaming message instead of
// duplicating it: the streamed text stays, the raw document attaches for
// lossless export, and the next assistant document opens a new message.
func (s *Session) applyMessage(gen uint64, msg *claude.Message) {
	s.mu.Lock()
	if s.staleLocked(gen) {
		s.mu.Unlock()
		return
	}
	if msg.Role == claude.RoleAssistant && s.open != nil {
		s.open.Raw = msg.Raw
		if s.open.Text == "" {
			s.open.Text = msg.Text
		}
		s.open = nil
	} else {
		s.messages = append(s.messages, msg)
	}
	s.mu.Unlock()
	s.notifyMessages()
}

// handleProcessExit turns an abnormal exit into a failed turn. A clean exit
// after the result document has already finished the turn is a no-op.
func (s *Session) handleProcessExit(gen uint64, err error, stderr string) {
	s.mu.Lock()
	stale := s.staleLocked(gen)
	s.mu.Unlock()
	if stale {
		return
	}

	if err == nil {
		err = fmt.Errorf("agent exited before completing the turn")
	}
	failure := fmt.Errorf("%w: %v", claude.ErrSendFailed, err)
	if stderr != "" {
		failure = fmt.Errorf("%w\n%s", failure, stderr)
	}
	s.finishTurn(gen, failure)
}

// finishTurn transitions Busy back to Idle, exactly once per turn. The open
// assistant message is kept when it has text and dropped when empty, so a
// cancelled turn never leaves a permanently open message.
func (s *Session) finishTurn(gen uint64, err error) {
	s.mu.Lock()
	if s.staleLocked(gen) {
		s.mu.Unlock()
		return
	}
	s.turnDone = true
	s.busy = false
	s.lastErr = err
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}

	if s.open != nil {
		if s.open.Text == "" {
			for i := len(s.messages) - 1; i >= 0; i-- {
				if s.messages[i] == s.open {
					s.messages = append(s.messages[:i], s.messages[i+1:]...)
					break
				}
			}
		}
		s.open = nil
	}
	s.mu.Unlock()

	s.notifyState()
	s.notifyMessages()
}

// HandlePermissionRequest routes a mailbox request: tools the user already
// approved with "always" are resolved without surfacing, everything else
// goes to the listener. Wire this as the mailbox's OnRequest callback.
func (s *Session) HandlePermissionRequest(req permission.Request) {
	s.mu.Lock()
	always := s.alwaysAllowed[req.Tool]
	if !always {
		s.pendingTools[req.ID] = req.Tool
	}
	s.mu.Unlock()

	if always {
		s.log.Info("auto-approving previously always-allowed tool", "tool", req.Tool, "id", req.ID)
		if s.mailbox != nil {
			s.mailbox.Resolve(permission.Response{ID: req.ID, Behavior: permission.BehaviorAllow})
		}
		return
	}
	s.listener.OnPermissionRequest(req)
}

// RespondPermission applies the user's decision. An approve-always is
// remembered for the rest of the session, scoped by tool name.
func (s *Session) RespondPermission(resp permission.Response) {
	s.mu.Lock()
	tool := s.pendingTools[resp.ID]
	delete(s.pendingTools, resp.ID)
	if resp.Always && resp.Behavior == permission.BehaviorAllow && tool != "" {
		s.alwaysAllowed[tool] = true
	}
	s.mu.Unlock()

	if s.mailbox != nil {
		s.mailbox.Resolve(resp)
	}
}

func (s *Session) notifyState() {
	s.mu.Lock()
	busy, loading, err := s.busy, s.loading, s.lastErr
	s.mu.Unlock()
	s.listener.OnStateChange(busy, loading, err)
}

func (s *Session) notifyMessages() {
	s.listener.OnMessageUpdate(s.Messages())
}
