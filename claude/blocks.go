package claude

import (
	"encoding/json"
	"fmt"
)

// BlockType discriminates the content block union. The set is closed: a
// document containing an unrecognized block type produces a parse warning
// and the block is dropped, it never becomes a dynamic catch-all.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockThinking   BlockType = "thinking"
	BlockImage      BlockType = "image"
)

// Block is one typed unit of message content.
type Block interface {
	Kind() BlockType
}

// TextBlock is display text.
type TextBlock struct {
	Text string `json:"text"`
}

func (TextBlock) Kind() BlockType { return BlockText }

// ToolUseBlock is the agent invoking a tool.
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

func (ToolUseBlock) Kind() BlockType { return BlockToolUse }

// ToolResultBlock carries a tool's output back to the agent. Content can be
// a plain string or a nested block list; it is kept raw.
type ToolResultBlock struct {
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

func (ToolResultBlock) Kind() BlockType { return BlockToolResult }

// ThinkingBlock is the agent's extended reasoning. Rendered separately from
// display text, never merged into it.
type ThinkingBlock struct {
	Thinking string `json:"thinking"`
}

func (ThinkingBlock) Kind() BlockType { return BlockThinking }

// ImageBlock references an image by inline base64 data or URL.
type ImageBlock struct {
	Source ImageSource `json:"source"`
}

func (ImageBlock) Kind() BlockType { return BlockImage }

// ImageSource describes where an image's bytes come from.
type ImageSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// rawBlock is the wire shape before the discriminator is applied.
type rawBlock struct {
	Type BlockType `json:"type"`
}

// DecodeBlocks parses a content-block array into the typed union, preserving
// order. Unknown block types are reported through warn and skipped; a
// malformed known block is an error because it means the document itself is
// broken, not merely newer than this parser.
func DecodeBlocks(content json.RawMessage, warn func(blockType string)) ([]Block, error) {
	if len(content) == 0 {
		return nil, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(content, &raws); err != nil {
		return nil, fmt.Errorf("content is not a block array: %w", err)
	}

	blocks := make([]Block, 0, len(raws))
	for _, raw := range raws {
		var header rawBlock
		if err := json.Unmarshal(raw, &header); err != nil {
			return nil, fmt.Errorf("block missing type discriminator: %w", err)
		}

		var (
			block Block
			err   error
		)
		switch header.Type {
		case BlockText:
			var b TextBlock
			err = json.Unmarshal(raw, &b)
			block = b
		case BlockToolUse:
			var b ToolUseBlock
			err = json.Unmarshal(raw, &b)
			block = b
		case BlockToolResult:
			var b ToolResultBlock
			err = json.Unmarshal(raw, &b)
			block = b
		case BlockThinking:
			var b ThinkingBlock
			err = json.Unmarshal(raw, &b)
			block = b
		case BlockImage:
			var b ImageBlock
			err = json.Unmarshal(raw, &b)
			block = b
		default:
			if warn != nil {
				warn(string(header.Type))
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("decoding %s block: %w", header.Type, err)
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// FirstText returns the text of the first text block, or empty.
func FirstText(blocks []Block) string {
	for _, b := range blocks {
		if t, ok := b.(TextBlock); ok {
			return t.Text
		}
	}
	return ""
}

// HasToolResult reports whether any block is a tool result.
func HasToolResult(blocks []Block) bool {
	for _, b := range blocks {
		if _, ok := b.(ToolResultBlock); ok {
			return true
		}
	}
	return false
}
