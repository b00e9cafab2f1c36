package session

import (
	"github.com/LaCreArthur/claude-bridge/claude"
	"github.com/LaCreArthur/claude-bridge/permission"
)

// Listener receives session events for the presentation layer. Callbacks
// are invoked from the session's worker goroutines, never from the caller
// of Send; implementations marshal to their own UI thread as needed and
// must not block.
type Listener interface {
	// OnMessageUpdate delivers the full transcript after any change.
	OnMessageUpdate(messages []*claude.Message)
	// OnStateChange reports the busy and loading flags and the last error.
	OnStateChange(busy, loading bool, err error)
	// OnSessionID fires when the agent assigns or confirms the session id.
	OnSessionID(sessionID string)
	// OnPermissionRequest surfaces an approval request that was not
	// auto-resolved. Answer via Session.RespondPermission.
	OnPermissionRequest(req permission.Request)
	// OnStreamStart and OnStreamEnd bracket one assistant turn's deltas.
	OnStreamStart()
	OnStreamEnd()
	// OnContentDelta and OnThinkingDelta deliver incremental text.
	OnContentDelta(delta string)
	OnThinkingDelta(delta string)
}

// NopListener implements Listener with no-ops, for embedding.
type NopListener struct{}

func (NopListener) OnMessageUpdate([]*claude.Message)             {}
func (NopListener) OnStateChange(bool, bool, error)               {}
func (NopListener) OnSessionID(string)                            {}
func (NopListener) OnPermissionRequest(permission.Request)        {}
func (NopListener) OnStreamStart()                                {}
func (NopListener) OnStreamEnd()                                  {}
func (NopListener) OnContentDelta(string)                         {}
func (NopListener) OnThinkingDelta(string)                        {}

var _ Listener = NopListener{}
