package claude

import (
	"encoding/json"
	"fmt"
)

// Command is one conversational turn to deliver to the agent process.
// Identity and mode fields travel on the argument vector; the message text
// and attachments always go over stdin as a JSON envelope, since free text
// on argv is an escaping and length hazard.
type Command struct {
	// Text is the user's message.
	Text string
	// Attachments are images sent alongside the text.
	Attachments []Attachment

	// SessionID identifies the conversation. Empty starts a new session
	// with a bridge-generated id; with Resume set, an existing session is
	// continued.
	SessionID string
	Resume    bool

	WorkingDir        string
	PermissionMode    string // "default", "acceptEdits", "plan", "bypassPermissions"
	Model             string
	AgentInstructions string
}

// Attachment is an image attached to a turn, inline or by URL.
type Attachment struct {
	MediaType string // e.g. "image/png", for inline data
	Data      string // base64 payload
	URL       string
}

// Args builds the argument vector for the runtime's entry script.
func (c Command) Args() []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}

	if c.Resume && c.SessionID != "" {
		args = append(args, "--resume", c.SessionID)
	} else if c.SessionID != "" {
		args = append(args, "--session-id", c.SessionID)
	}

	if c.PermissionMode != "" {
		args = append(args, "--permission-mode", c.PermissionMode)
	}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}
	if c.AgentInstructions != "" {
		args = append(args, "--append-system-prompt", c.AgentInstructions)
	}
	return args
}

// Envelope serializes the turn's content as the stdin user-message
// document, newline-terminated.
func (c Command) Envelope() ([]byte, error) {
	content := make([]map[string]any, 0, 1+len(c.Attachments))
	content = append(content, map[string]any{
		"type": "text",
		"text": c.Text,
	})
	for _, a := range c.Attachments {
		source := map[string]any{}
		switch {
		case a.URL != "":
			source["type"] = "url"
			source["url"] = a.URL
		case a.Data != "":
			source["type"] = "base64"
			source["media_type"] = a.MediaType
			source["data"] = a.Data
		default:
			return nil, fmt.Errorf("attachment has neither data nor url")
		}
		content = append(content, map[string]any{
			"type":   "image",
			"source": source,
		})
	}

	envelope := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": content,
		},
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encoding command envelope: %w", err)
	}
	return append(data, '\n'), nil
}
