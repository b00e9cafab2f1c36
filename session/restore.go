package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/LaCreArthur/claude-bridge/claude"
)

// RestoreHistory replays stored protocol documents into the transcript,
// applying the same classification as the live stream. The loading flag is
// up for the duration so the presentation layer can distinguish a restore
// from live traffic. Restoring into a busy session is rejected.
func (s *Session) RestoreHistory(docs []json.RawMessage) error {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return ErrBusy
	}
	s.loading = true
	s.mu.Unlock()
	s.notifyState()

	var restored []*claude.Message
	var sessionID string
	for _, raw := range docs {
		var header struct {
			Type      string `json:"type"`
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(raw, &header); err == nil && header.SessionID != "" {
			sessionID = header.SessionID
		}
		if msg, ok := claude.ClassifyTranscriptDocument(raw, s.log); ok {
			restored = append(restored, msg)
		}
	}

	s.mu.Lock()
	s.messages = append(s.messages, restored...)
	if sessionID != "" {
		s.sessionID = sessionID
		s.started = true
	}
	s.loading = false
	s.mu.Unlock()

	s.log.Info("history restored", "documents", len(docs), "messages", len(restored))
	s.notifyState()
	s.notifyMessages()
	return nil
}

// RestoreFromFile replays a JSONL transcript, such as the per-channel raw
// protocol log, one document per line.
func (s *Session) RestoreFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening transcript %s: %w", path, err)
	}
	defer f.Close()

	var docs []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		docs = append(docs, json.RawMessage(append([]byte(nil), line...)))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading transcript %s: %w", path, err)
	}
	return s.RestoreHistory(docs)
}
