package claude

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// document mirrors one JSON line from the agent's stream-json output.
type document struct {
	Type      string `json:"type"` // "system", "assistant", "user", "result", "stream_event"
	Subtype   string `json:"subtype"`
	IsMeta    bool   `json:"isMeta"`
	SessionID string `json:"session_id,omitempty"`

	Message struct {
		ID      string       `json:"id,omitempty"`
		Role    string       `json:"role,omitempty"`
		Model   string       `json:"model,omitempty"`
		Content contentField `json:"content,omitempty"`
	} `json:"message"`

	// Stream event payload, present with --include-partial-messages.
	Event *streamEvent `json:"event,omitempty"`

	// System init fields.
	Model         string   `json:"model,omitempty"`
	SlashCommands []string `json:"slash_commands,omitempty"`

	// Result fields.
	Result       string  `json:"result,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	DurationMs   int     `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
}

// contentField is the message content, which the protocol ships either as a
// plain string or as an ordered array of typed blocks. The raw bytes are
// kept so blocks can be re-derived later.
type contentField struct {
	raw json.RawMessage
}

func (c *contentField) UnmarshalJSON(data []byte) error {
	c.raw = append(c.raw[:0], data...)
	return nil
}

func (c contentField) MarshalJSON() ([]byte, error) {
	if len(c.raw) == 0 {
		return []byte("null"), nil
	}
	return c.raw, nil
}

// asString returns the content as a direct string, if it is one.
func (c contentField) asString() (string, bool) {
	var s string
	if len(c.raw) > 0 && json.Unmarshal(c.raw, &s) == nil {
		return s, true
	}
	return "", false
}

// blockArray returns the raw content when it is a block array, nil otherwise.
func (c contentField) blockArray() json.RawMessage {
	trimmed := strings.TrimSpace(string(c.raw))
	if strings.HasPrefix(trimmed, "[") {
		return c.raw
	}
	return nil
}

// streamEvent is the payload of a stream_event document.
type streamEvent struct {
	Type  string `json:"type"` // "message_start", "content_block_start", "content_block_delta", "content_block_stop", "message_delta", "message_stop"
	Index int    `json:"index,omitempty"`
	Delta *struct {
		Type       string `json:"type,omitempty"` // "text_delta", "thinking_delta", "input_json_delta"
		Text       string `json:"text,omitempty"`
		Thinking   string `json:"thinking,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	ContentBlock *struct {
		Type string `json:"type,omitempty"`
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content_block,omitempty"`
}

// ChunkType discriminates parser output.
type ChunkType int

const (
	// ChunkInit carries the agent-assigned session id, model, and slash
	// command list from the system init document.
	ChunkInit ChunkType = iota
	// ChunkStreamStart opens an assistant turn.
	ChunkStreamStart
	// ChunkText is an incremental display-text delta.
	ChunkText
	// ChunkThinking is an incremental reasoning delta.
	ChunkThinking
	// ChunkStreamEnd closes the open assistant turn.
	ChunkStreamEnd
	// ChunkToolUse announces a tool invocation from an assistant document.
	ChunkToolUse
	// ChunkToolResult reports a tool's completion from a user document.
	ChunkToolResult
	// ChunkMessage is a fully-classified transcript message.
	ChunkMessage
	// ChunkResult is the terminal document of a turn.
	ChunkResult
)

// Chunk is one parsed unit of agent output.
type Chunk struct {
	Type ChunkType

	// ChunkText / ChunkThinking
	Text string

	// ChunkInit
	SessionID     string
	Model         string
	SlashCommands []string

	// ChunkToolUse / ChunkToolResult
	ToolName    string
	ToolUseID   string
	ToolInput   json.RawMessage
	ToolIsError bool

	// ChunkMessage
	Message *Message

	// ChunkResult
	Result *Result
}

// Result summarizes a completed turn.
type Result struct {
	IsError      bool
	Text         string
	DurationMs   int
	NumTurns     int
	TotalCostUSD float64
}

// Parser turns raw output lines into chunks. It tracks whether partial
// message events have been seen so assistant text that was already streamed
// as deltas is not emitted a second time from the full assistant document.
type Parser struct {
	log             *slog.Logger
	sawStreamEvents bool
}

// NewParser returns a parser logging through log.
func NewParser(log *slog.Logger) *Parser {
	return &Parser{log: log}
}

// ParseLine parses one output line into zero or more chunks. Malformed
// lines are logged and skipped; one bad document never aborts the stream.
func (p *Parser) ParseLine(line string) []Chunk {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "{") {
		p.log.Debug("skipping non-JSON output line", "line", truncateForLog(line))
		return nil
	}

	var doc document
	if err := json.Unmarshal([]byte(line), &doc); err != nil {
		p.log.Warn("malformed protocol document, skipping", "error", err, "line", truncateForLog(line))
		return nil
	}
	if doc.Type == "" {
		p.log.Warn("protocol document without type, skipping", "line", truncateForLog(line))
		return nil
	}

	switch doc.Type {
	case "system":
		if doc.Subtype == "init" {
			return []Chunk{{
				Type:          ChunkInit,
				SessionID:     doc.SessionID,
				Model:         doc.Model,
				SlashCommands: doc.SlashCommands,
			}}
		}
		p.log.Debug("system document", "subtype", doc.Subtype)
		return nil

	case "stream_event":
		if doc.Event == nil {
			return nil
		}
		p.sawStreamEvents = true
		return p.parseStreamEvent(doc.Event)

	case "assistant":
		return p.parseAssistant(&doc, json.RawMessage(line))

	case "user":
		return p.parseUser(&doc, json.RawMessage(line))

	case "result":
		return []Chunk{{
			Type: ChunkResult,
			Result: &Result{
				IsError:      doc.IsError || doc.Subtype != "success",
				Text:         doc.Result,
				DurationMs:   doc.DurationMs,
				NumTurns:     doc.NumTurns,
				TotalCostUSD: doc.TotalCostUSD,
			},
		}}

	default:
		p.log.Debug("unhandled document type", "type", doc.Type)
		return nil
	}
}

func (p *Parser) parseStreamEvent(event *streamEvent) []Chunk {
	switch event.Type {
	case "message_start":
		return []Chunk{{Type: ChunkStreamStart}}
	case "content_block_delta":
		if event.Delta == nil {
			return nil
		}
		switch event.Delta.Type {
		case "text_delta":
			if event.Delta.Text != "" {
				return []Chunk{{Type: ChunkText, Text: event.Delta.Text}}
			}
		case "thinking_delta":
			if event.Delta.Thinking != "" {
				return []Chunk{{Type: ChunkThinking, Text: event.Delta.Thinking}}
			}
		case "input_json_delta":
			// Tool input arrives complete on the assistant document.
		}
	case "message_stop":
		return []Chunk{{Type: ChunkStreamEnd}}
	}
	return nil
}

// parseAssistant classifies an assistant document. The transcript message is
// always emitted, even with empty text, so pure tool-use turns keep their
// place in the history. Tool invocations additionally get their own chunks.
func (p *Parser) parseAssistant(doc *document, raw json.RawMessage) []Chunk {
	msg, ok := p.classify(doc, raw)
	if !ok {
		return nil
	}

	// Text already delivered via deltas is not re-emitted as a delta, but
	// the finalized message still carries it.
	chunks := []Chunk{{Type: ChunkMessage, Message: msg}}

	blocks, err := DecodeBlocks(doc.Message.Content.blockArray(), p.warnUnknownBlock)
	if err != nil {
		p.log.Warn("undecodable assistant content blocks", "error", err)
		return chunks
	}
	for _, b := range blocks {
		if tu, ok := b.(ToolUseBlock); ok {
			chunks = append(chunks, Chunk{
				Type:      ChunkToolUse,
				ToolName:  tu.Name,
				ToolUseID: tu.ID,
				ToolInput: tu.Input,
			})
		}
	}
	return chunks
}

// parseUser classifies a user document. User documents in the live stream
// are tool results echoed back by the runtime; during history restore they
// are also the human's own turns.
func (p *Parser) parseUser(doc *document, raw json.RawMessage) []Chunk {
	var chunks []Chunk

	blocks, err := DecodeBlocks(doc.Message.Content.blockArray(), p.warnUnknownBlock)
	if err == nil {
		for _, b := range blocks {
			if tr, ok := b.(ToolResultBlock); ok {
				chunks = append(chunks, Chunk{
					Type:        ChunkToolResult,
					ToolUseID:   tr.ToolUseID,
					ToolIsError: tr.IsError,
				})
			}
		}
	}

	if msg, ok := p.classify(doc, raw); ok {
		chunks = append(chunks, Chunk{Type: ChunkMessage, Message: msg})
	}
	return chunks
}

// classify applies the transcript rules to a user or assistant document:
// meta documents and slash-command echoes are dropped; a user document with
// no text but a tool result becomes a placeholder; a user document with
// neither is dropped; assistant documents always yield a message.
func (p *Parser) classify(doc *document, raw json.RawMessage) (*Message, bool) {
	if doc.IsMeta {
		return nil, false
	}

	role := doc.Message.Role
	if role == "" {
		role = doc.Type
	}

	text := p.extractText(doc)
	if containsCommandEcho(text) {
		return nil, false
	}

	switch role {
	case "assistant":
		return NewMessage(RoleAssistant, text, raw), true
	case "user":
		if text != "" {
			return NewMessage(RoleUser, text, raw), true
		}
		blocks, err := DecodeBlocks(doc.Message.Content.blockArray(), nil)
		if err == nil && HasToolResult(blocks) {
			msg := NewMessage(RoleUser, "", raw)
			msg.Placeholder = true
			return msg, true
		}
		return nil, false
	default:
		return nil, false
	}
}

// extractText flattens a document's content to display text: a direct
// string wins, then the first text block, then a bare "text" field on a
// content object. Anything else is empty with a warning.
func (p *Parser) extractText(doc *document) string {
	if s, ok := doc.Message.Content.asString(); ok {
		return s
	}

	if arr := doc.Message.Content.blockArray(); arr != nil {
		blocks, err := DecodeBlocks(arr, nil)
		if err == nil {
			return FirstText(blocks)
		}
		p.log.Warn("no extractable text in content blocks", "error", err)
		return ""
	}

	var obj struct {
		Text string `json:"text"`
	}
	if len(doc.Message.Content.raw) > 0 {
		if err := json.Unmarshal(doc.Message.Content.raw, &obj); err == nil && obj.Text != "" {
			return obj.Text
		}
		p.log.Warn("unrecognized content shape, no display text extracted")
	}
	return ""
}

func (p *Parser) warnUnknownBlock(blockType string) {
	p.log.Warn("unknown content block type, dropping block", "blockType", blockType)
}

// SawStreamEvents reports whether any partial-message event has arrived.
// When true, assistant-document text was already delivered as deltas.
func (p *Parser) SawStreamEvents() bool {
	return p.sawStreamEvents
}

// commandEchoMarkers are injected by the runtime when a slash command runs;
// documents carrying them are synthetic transcript artifacts, not turns.
var commandEchoMarkers = []string{
	"<command-name>",
	"<command-message>",
	"<local-command-stdout>",
}

func containsCommandEcho(text string) bool {
	for _, marker := range commandEchoMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// truncateForLog bounds strings embedded in log entries.
func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

// ClassifyTranscriptDocument applies transcript classification to one stored
// document, used when restoring a historical session. Returns false for
// documents that should not appear in the transcript.
func ClassifyTranscriptDocument(raw json.RawMessage, log *slog.Logger) (*Message, bool) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		log.Warn("malformed transcript document, skipping", "error", err)
		return nil, false
	}
	p := &Parser{log: log}
	return p.classify(&doc, raw)
}
