package permission

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultStaleAge is how old an artifact must be before the garbage sweep
// removes it. Well past any live request's timeout.
const DefaultStaleAge = time.Hour

// Callbacks deliver mailbox events. Invoked from the polling goroutine.
type Callbacks struct {
	// OnRequest fires once per correlation id when a new request appears.
	OnRequest func(req Request)
	// OnTimeout fires when a request hits the deadline and is auto-denied.
	OnTimeout func(req Request)
}

// Config tunes the mailbox. Zero values get sane defaults.
type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
	StaleAge     time.Duration
}

// Mailbox correlates requests with responses over a Transport. Each request
// resolves exactly once: by an explicit decision, or by deny at timeout.
// Responses for ids no longer awaited are ignored.
type Mailbox struct {
	transport Transport
	config    Config
	callbacks Callbacks
	log       *slog.Logger

	mu      sync.Mutex
	pending map[string]Request
	// seen holds every id ever observed so resolved or timed-out requests
	// are not re-surfaced by a later poll. Ids are never reused, so this
	// only grows within one mailbox lifetime.
	seen   map[string]bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMailbox creates a mailbox over the given transport.
func NewMailbox(transport Transport, config Config, callbacks Callbacks, log *slog.Logger) *Mailbox {
	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Minute
	}
	if config.StaleAge <= 0 {
		config.StaleAge = DefaultStaleAge
	}
	return &Mailbox{
		transport: transport,
		config:    config,
		callbacks: callbacks,
		log:       log,
		pending:   make(map[string]Request),
		seen:      make(map[string]bool),
	}
}

// Start begins polling. Stale artifacts from a previous run are swept
// before the first poll so a restart does not resurrect dead requests.
func (m *Mailbox) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	if removed, err := m.transport.SweepStale(m.config.StaleAge); err != nil {
		m.log.Warn("stale artifact sweep failed", "error", err)
	} else if removed > 0 {
		m.log.Info("swept stale permission artifacts", "count", removed)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(ctx)
	}()
}

// Stop halts polling and waits for the loop to exit. Pending requests stay
// pending; a restarted mailbox sees them again via the transport.
func (m *Mailbox) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		m.wg.Wait()
	}
}

// Resolve decides a pending request. Returns false when the id is not
// awaited (already resolved, timed out, or never seen); late decisions are
// ignored rather than errors.
func (m *Mailbox) Resolve(resp Response) bool {
	m.mu.Lock()
	req, ok := m.pending[resp.ID]
	if ok {
		delete(m.pending, resp.ID)
	}
	m.mu.Unlock()

	if !ok {
		m.log.Debug("ignoring decision for unawaited request", "id", resp.ID)
		return false
	}

	if err := m.transport.WriteResponse(resp); err != nil {
		m.log.Error("failed to write permission response", "id", resp.ID, "error", err)
		return false
	}
	// The request artifact is retired once answered so a restarted host
	// does not re-surface it; the response stays for the agent side.
	if err := m.transport.RemoveRequest(resp.ID); err != nil {
		m.log.Warn("failed to remove resolved permission request", "id", resp.ID, "error", err)
	}
	m.log.Info("permission request resolved",
		"id", resp.ID, "tool", req.Tool, "behavior", resp.Behavior, "always", resp.Always)
	return true
}

// Pending returns a snapshot of unresolved requests.
func (m *Mailbox) Pending() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, 0, len(m.pending))
	for _, req := range m.pending {
		out = append(out, req)
	}
	return out
}

func (m *Mailbox) loop(ctx context.Context) {
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		m.pollOnce()
		m.expireOverdue()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Mailbox) pollOnce() {
	requests, err := m.transport.PollRequests()
	if err != nil {
		m.log.Warn("permission poll failed", "error", err)
		return
	}

	var fresh []Request
	m.mu.Lock()
	for _, req := range requests {
		if req.ID == "" || m.seen[req.ID] {
			continue
		}
		m.seen[req.ID] = true
		req.ReceivedAt = time.Now()
		m.pending[req.ID] = req
		fresh = append(fresh, req)
	}
	m.mu.Unlock()

	for _, req := range fresh {
		m.log.Info("permission request received", "id", req.ID, "tool", req.Tool)
		if m.callbacks.OnRequest != nil {
			m.callbacks.OnRequest(req)
		}
	}
}

// expireOverdue denies requests that outlived the deadline. Fail closed:
// no answer means no.
func (m *Mailbox) expireOverdue() {
	deadline := time.Now().Add(-m.config.Timeout)

	var expired []Request
	m.mu.Lock()
	for id, req := range m.pending {
		if req.ReceivedAt.Before(deadline) {
			delete(m.pending, id)
			expired = append(expired, req)
		}
	}
	m.mu.Unlock()

	for _, req := range expired {
		m.log.Warn("permission request timed out, denying", "id", req.ID, "tool", req.Tool)
		resp := Response{
			ID:       req.ID,
			Behavior: BehaviorDeny,
			Message:  ErrTimeout.Error(),
		}
		if err := m.transport.WriteResponse(resp); err != nil {
			m.log.Error("failed to write timeout denial", "id", req.ID, "error", err)
		} else if err := m.transport.RemoveRequest(req.ID); err != nil {
			m.log.Warn("failed to remove timed-out permission request", "id", req.ID, "error", err)
		}
		if m.callbacks.OnTimeout != nil {
			m.callbacks.OnTimeout(req)
		}
	}
}
