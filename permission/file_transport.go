package permission

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	requestSuffix  = ".request.json"
	responseSuffix = ".response.json"
)

// FileTransport stores artifacts as JSON files in a shared directory:
// <id>.request.json and <id>.response.json. The directory must be the same
// one handed to the agent process; each side deriving its own location is
// how requests get silently lost.
type FileTransport struct {
	dir string
}

// NewFileTransport creates the mailbox directory if needed.
func NewFileTransport(dir string) (*FileTransport, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating permission mailbox %s: %w", dir, err)
	}
	return &FileTransport{dir: dir}, nil
}

// Dir returns the mailbox directory, for propagation to the agent side.
func (t *FileTransport) Dir() string {
	return t.dir
}

// PollRequests reads every request artifact in the mailbox. Unreadable or
// partially written artifacts are skipped; the next poll picks them up.
func (t *FileTransport) PollRequests() ([]Request, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return nil, fmt.Errorf("reading permission mailbox: %w", err)
	}

	var requests []Request
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, requestSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(t.dir, name))
		if err != nil {
			continue
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		if req.ID == "" {
			req.ID = strings.TrimSuffix(name, requestSuffix)
		}
		requests = append(requests, req)
	}
	return requests, nil
}

// WriteRequest publishes a request artifact. The write goes through a temp
// file and rename so a concurrent poll never sees a torn artifact. Used by
// the agent-side shim and by tests.
func (t *FileTransport) WriteRequest(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding permission request: %w", err)
	}
	return t.writeAtomic(req.ID+requestSuffix, data)
}

// WriteResponse publishes a response artifact for the agent side to find.
func (t *FileTransport) WriteResponse(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding permission response: %w", err)
	}
	return t.writeAtomic(resp.ID+responseSuffix, data)
}

// ReadResponse returns the response for an id, or false when none exists
// yet. Used by the agent-side shim and by tests.
func (t *FileTransport) ReadResponse(id string) (Response, bool, error) {
	data, err := os.ReadFile(filepath.Join(t.dir, id+responseSuffix))
	if os.IsNotExist(err) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, err
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, false, fmt.Errorf("decoding permission response %s: %w", id, err)
	}
	return resp, true, nil
}

// RemoveRequest deletes the request artifact for an id.
func (t *FileTransport) RemoveRequest(id string) error {
	if err := os.Remove(filepath.Join(t.dir, id+requestSuffix)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Remove deletes both artifacts for an id.
func (t *FileTransport) Remove(id string) error {
	for _, suffix := range []string{requestSuffix, responseSuffix} {
		if err := os.Remove(filepath.Join(t.dir, id+suffix)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// SweepStale removes artifacts left behind by a crashed host or agent.
func (t *FileTransport) SweepStale(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, requestSuffix) && !strings.HasSuffix(name, responseSuffix)) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(t.dir, name)); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (t *FileTransport) writeAtomic(name string, data []byte) error {
	tmp := filepath.Join(t.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(t.dir, name)); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
