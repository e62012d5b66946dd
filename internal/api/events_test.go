package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestEventHubRetainsRecent(t *testing.T) {
	hub := NewEventHub(3)
	for i := 0; i < 5; i++ {
		hub.Publish("execution.finished", map[string]int{"n": i})
	}

	got := hub.Since(0)
	if len(got) != 3 {
		t.Fatalf("expected 3 retained events, got %d", len(got))
	}
	if got[0].ID != 3 || got[2].ID != 5 {
		t.Fatalf("expected ids 3..5, got %d..%d", got[0].ID, got[2].ID)
	}
	if string(got[0].Data) != `{"n":2}` {
		t.Fatalf("unexpected payload %s", got[0].Data)
	}
	if n := len(hub.Since(4)); n != 1 {
		t.Fatalf("expected 1 event after id 4, got %d", n)
	}
}

func TestEventHubSubscribe(t *testing.T) {
	hub := NewEventHub(4)
	ch, cancel := hub.Subscribe()

	hub.Publish("execution.requested", nil)
	select {
	case ev := <-ch:
		if ev.Type != "execution.requested" || string(ev.Data) != "{}" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after cancel")
	}
	hub.Publish("execution.requested", nil)
}

func TestHandleEventsStreams(t *testing.T) {
	server := newTestServer(nil, nil)
	server.events.Publish("execution.requested", map[string]string{"script": "old.yaml"})
	server.events.Publish("execution.finished", map[string]string{"script": "old.yaml"})

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	first := readSSE(t, reader)
	if !strings.Contains(first, "id: 2\n") || !strings.Contains(first, "event: execution.finished\n") {
		t.Fatalf("expected replay of event 2, got %q", first)
	}

	server.events.Publish("execution.requested", map[string]string{"script": "new.yaml"})
	live := readSSE(t, reader)
	if !strings.Contains(live, "id: 3\n") || !strings.Contains(live, `"script":"new.yaml"`) {
		t.Fatalf("expected live event 3, got %q", live)
	}
}

// readSSE reads one blank-line terminated SSE frame.
func readSSE(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if line == "\n" {
			return b.String()
		}
		b.WriteString(line)
	}
}
