package permission

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTransport(t *testing.T) *FileTransport {
	t.Helper()
	transport, err := NewFileTransport(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileTransport: %v", err)
	}
	return transport
}

func waitFor(t *testing.T, ch <-chan Request, what string) Request {
	t.Helper()
	select {
	case req := <-ch:
		return req
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return Request{}
	}
}

func TestFileTransportRoundTrip(t *testing.T) {
	transport := newTestTransport(t)

	req := Request{
		ID:    "req-1",
		Tool:  "Write",
		Input: json.RawMessage(`{"file_path":"hello.txt"}`),
	}
	if err := transport.WriteRequest(req); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}

	polled, err := transport.PollRequests()
	if err != nil {
		t.Fatalf("PollRequests: %v", err)
	}
	if len(polled) != 1 || polled[0].ID != "req-1" || polled[0].Tool != "Write" {
		t.Fatalf("polled = %+v", polled)
	}

	if err := transport.WriteResponse(Response{ID: "req-1", Behavior: BehaviorAllow}); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	resp, found, err := transport.ReadResponse("req-1")
	if err != nil || !found {
		t.Fatalf("ReadResponse: found=%v err=%v", found, err)
	}
	if !resp.Allowed() {
		t.Errorf("response = %+v, want allow", resp)
	}

	if err := transport.Remove("req-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if polled, _ := transport.PollRequests(); len(polled) != 0 {
		t.Errorf("requests remain after Remove: %+v", polled)
	}
	if _, found, _ := transport.ReadResponse("req-1"); found {
		t.Error("response remains after Remove")
	}
}

func TestPollSkipsUnreadableArtifacts(t *testing.T) {
	transport := newTestTransport(t)

	if err := os.WriteFile(filepath.Join(transport.Dir(), "torn.request.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := transport.WriteRequest(Request{ID: "good", Tool: "Bash"}); err != nil {
		t.Fatal(err)
	}

	polled, err := transport.PollRequests()
	if err != nil {
		t.Fatalf("PollRequests: %v", err)
	}
	if len(polled) != 1 || polled[0].ID != "good" {
		t.Errorf("polled = %+v, want only the readable request", polled)
	}
}

func TestSweepStaleRemovesOldArtifacts(t *testing.T) {
	transport := newTestTransport(t)

	if err := transport.WriteRequest(Request{ID: "old", Tool: "Bash"}); err != nil {
		t.Fatal(err)
	}
	if err := transport.WriteResponse(Response{ID: "old", Behavior: BehaviorDeny}); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-2 * time.Hour)
	for _, name := range []string{"old.request.json", "old.response.json"} {
		if err := os.Chtimes(filepath.Join(transport.Dir(), name), past, past); err != nil {
			t.Fatal(err)
		}
	}
	if err := transport.WriteRequest(Request{ID: "fresh", Tool: "Read"}); err != nil {
		t.Fatal(err)
	}

	removed, err := transport.SweepStale(time.Hour)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	polled, _ := transport.PollRequests()
	if len(polled) != 1 || polled[0].ID != "fresh" {
		t.Errorf("polled = %+v, want only fresh", polled)
	}
}

func TestMailboxDeliversEachRequestOnce(t *testing.T) {
	transport := newTestTransport(t)
	requests := make(chan Request, 4)

	mb := NewMailbox(transport, Config{PollInterval: 10 * time.Millisecond}, Callbacks{
		OnRequest: func(req Request) { requests <- req },
	}, testLogger())
	mb.Start(context.Background())
	defer mb.Stop()

	if err := transport.WriteRequest(Request{ID: "req-1", Tool: "Edit"}); err != nil {
		t.Fatal(err)
	}

	got := waitFor(t, requests, "first delivery")
	if got.ID != "req-1" {
		t.Errorf("delivered = %+v", got)
	}

	// Several more poll cycles must not re-deliver the same id.
	time.Sleep(60 * time.Millisecond)
	select {
	case dup := <-requests:
		t.Errorf("request delivered twice: %+v", dup)
	default:
	}
}

func TestMailboxResolveWritesResponseExactlyOnce(t *testing.T) {
	transport := newTestTransport(t)
	requests := make(chan Request, 1)

	mb := NewMailbox(transport, Config{PollInterval: 10 * time.Millisecond}, Callbacks{
		OnRequest: func(req Request) { requests <- req },
	}, testLogger())
	mb.Start(context.Background())
	defer mb.Stop()

	if err := transport.WriteRequest(Request{ID: "req-2", Tool: "Write"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, requests, "request delivery")

	if !mb.Resolve(Response{ID: "req-2", Behavior: BehaviorAllow, Always: true}) {
		t.Fatal("first Resolve should succeed")
	}
	resp, found, err := transport.ReadResponse("req-2")
	if err != nil || !found {
		t.Fatalf("ReadResponse: found=%v err=%v", found, err)
	}
	if !resp.Allowed() || !resp.Always {
		t.Errorf("response = %+v", resp)
	}

	if mb.Resolve(Response{ID: "req-2", Behavior: BehaviorDeny}) {
		t.Error("second Resolve for the same id should be ignored")
	}
	if len(mb.Pending()) != 0 {
		t.Errorf("pending = %+v, want empty", mb.Pending())
	}
	if _, err := os.Stat(filepath.Join(transport.Dir(), "req-2"+requestSuffix)); !os.IsNotExist(err) {
		t.Error("request artifact should be retired on resolution")
	}
}

func TestResolvedRequestNotResurfacedAfterRestart(t *testing.T) {
	transport := newTestTransport(t)
	requests := make(chan Request, 1)

	mb := NewMailbox(transport, Config{PollInterval: 10 * time.Millisecond}, Callbacks{
		OnRequest: func(req Request) { requests <- req },
	}, testLogger())
	mb.Start(context.Background())

	if err := transport.WriteRequest(Request{ID: "req-9", Tool: "Bash"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, requests, "request delivery")
	if !mb.Resolve(Response{ID: "req-9", Behavior: BehaviorAllow}) {
		t.Fatal("Resolve should succeed")
	}
	mb.Stop()

	// A fresh mailbox over the same directory, as after a host restart,
	// must not surface the answered request again.
	restarted := make(chan Request, 1)
	mb2 := NewMailbox(transport, Config{PollInterval: 10 * time.Millisecond}, Callbacks{
		OnRequest: func(req Request) { restarted <- req },
	}, testLogger())
	mb2.Start(context.Background())
	defer mb2.Stop()

	time.Sleep(60 * time.Millisecond)
	select {
	case req := <-restarted:
		t.Errorf("resolved request resurfaced after restart: %+v", req)
	default:
	}
	if polled, _ := transport.PollRequests(); len(polled) != 0 {
		t.Errorf("request artifacts remain after resolution: %+v", polled)
	}
	// The response stays behind for the agent side to read.
	if _, found, _ := transport.ReadResponse("req-9"); !found {
		t.Error("response artifact should survive until the age sweep")
	}
}

func TestMailboxResolveUnknownIDIgnored(t *testing.T) {
	mb := NewMailbox(newTestTransport(t), Config{}, Callbacks{}, testLogger())
	if mb.Resolve(Response{ID: "never-seen", Behavior: BehaviorAllow}) {
		t.Error("Resolve for unknown id should be ignored")
	}
}

func TestMailboxTimeoutDeniesOnce(t *testing.T) {
	transport := newTestTransport(t)
	requests := make(chan Request, 1)
	timeouts := make(chan Request, 4)

	mb := NewMailbox(transport, Config{
		PollInterval: 10 * time.Millisecond,
		Timeout:      50 * time.Millisecond,
	}, Callbacks{
		OnRequest: func(req Request) { requests <- req },
		OnTimeout: func(req Request) { timeouts <- req },
	}, testLogger())
	mb.Start(context.Background())
	defer mb.Stop()

	if err := transport.WriteRequest(Request{ID: "req-3", Tool: "Bash"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, requests, "request delivery")
	expired := waitFor(t, timeouts, "timeout denial")
	if expired.ID != "req-3" {
		t.Errorf("expired = %+v", expired)
	}

	resp, found, err := transport.ReadResponse("req-3")
	if err != nil || !found {
		t.Fatalf("ReadResponse after timeout: found=%v err=%v", found, err)
	}
	if resp.Allowed() {
		t.Error("timeout must resolve to deny")
	}

	// The denial happened exactly once and a late decision is ignored.
	time.Sleep(60 * time.Millisecond)
	select {
	case dup := <-timeouts:
		t.Errorf("timeout fired twice: %+v", dup)
	default:
	}
	if mb.Resolve(Response{ID: "req-3", Behavior: BehaviorAllow}) {
		t.Error("decision after timeout should be ignored")
	}
	if _, err := os.Stat(filepath.Join(transport.Dir(), "req-3"+requestSuffix)); !os.IsNotExist(err) {
		t.Error("request artifact should be retired after the timeout denial")
	}
}
