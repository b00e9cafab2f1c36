package claude

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a session transcript. The raw protocol document
// it was parsed from travels with it, so the transcript can be exported or
// re-rendered losslessly. Text is the flattened display text; typed blocks
// (tool_use, thinking, image) stay on the raw document and are re-derived
// via Blocks.
type Message struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
	Text string `json:"text"`

	// Placeholder marks a user message that carries only tool results and
	// no display text. The transcript keeps it so tool activity has an
	// anchor, but it renders as a marker rather than as user input.
	Placeholder bool `json:"placeholder,omitempty"`

	// Raw is the source protocol document, verbatim.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// NewMessage creates a transcript message with a fresh id.
func NewMessage(role Role, text string, raw json.RawMessage) *Message {
	return &Message{
		ID:   uuid.New().String(),
		Role: role,
		Text: text,
		Raw:  raw,
	}
}

// Blocks re-derives the typed content blocks from the stored raw document.
// The result is deterministic: normalizing the same raw document always
// yields the same ordered block list.
func (m *Message) Blocks() []Block {
	if len(m.Raw) == 0 {
		return nil
	}
	var doc document
	if err := json.Unmarshal(m.Raw, &doc); err != nil {
		return nil
	}
	blocks, err := DecodeBlocks(doc.Message.Content.blockArray(), nil)
	if err != nil {
		return nil
	}
	return blocks
}

// AppendText merges a streaming delta into the message.
func (m *Message) AppendText(delta string) {
	m.Text += delta
}
