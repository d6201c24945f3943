package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/tryextender/internal/events"
)

func mustEvent(t *testing.T, id int64, typ string, payload any) events.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return events.Event{ID: id, Type: typ, At: time.Now(), Data: data}
}

func TestBoardApply(t *testing.T) {
	b := NewBoard()

	assert.True(t, b.Apply(mustEvent(t, 1, events.TypeTriggerEnqueued, events.TriggerEnqueued{
		JobID: "job-1", Revision: "b629d766f590", Builder: "D2", Priority: "high",
	})))
	assert.True(t, b.Apply(mustEvent(t, 2, events.TypeReportClassified, events.ReportClassified{Revision: "b629d766f590"})))
	assert.True(t, b.Apply(mustEvent(t, 3, events.TypeTriggerCompleted, events.TriggerCompleted{
		JobID: "job-1", Revision: "b629d766f590", Builder: "D2", Status: "succeeded", Attempt: 1,
	})))
	assert.True(t, b.Apply(mustEvent(t, 4, events.TypeTriggerCompleted, events.TriggerCompleted{
		JobID: "job-2", Revision: "b629d766f590", Builder: "B2", Status: "dead", Attempt: 3, Error: "max attempts (3) reached",
	})))
	assert.True(t, b.Apply(mustEvent(t, 5, events.TypeCatalogChanged, events.CatalogChanged{Fingerprint: "blake3:abc", Builders: 7})))

	jobs := b.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-2", jobs[0].ID, "newest first")
	assert.Equal(t, "dead", jobs[0].Status)
	assert.Equal(t, "B2", jobs[0].Builder)
	assert.Equal(t, "job-1", jobs[1].ID)
	assert.Equal(t, "succeeded", jobs[1].Status)
	assert.Equal(t, "high", jobs[1].Priority)
	assert.Equal(t, 1, jobs[1].Attempt)

	assert.Equal(t, 1, b.Classified)
	assert.Equal(t, "blake3:abc", b.Catalog)
	assert.Equal(t, 7, b.CatalogBuilders)
	assert.Equal(t, int64(5), b.LastID())
	assert.Len(t, b.Events(), 5)
	assert.Equal(t, events.TypeCatalogChanged, b.Events()[0].Type)

	// Replayed after a reconnect.
	assert.False(t, b.Apply(mustEvent(t, 3, events.TypeTriggerCompleted, events.TriggerCompleted{JobID: "job-1", Status: "failed"})))
	assert.Equal(t, "succeeded", b.Jobs()[1].Status)
	assert.Len(t, b.Events(), 5)
}

func TestBoardTrimsOldJobs(t *testing.T) {
	b := NewBoard()
	for i := 1; i <= maxJobs+5; i++ {
		b.Apply(mustEvent(t, int64(i), events.TypeTriggerEnqueued, events.TriggerEnqueued{JobID: fmt.Sprintf("job-%d", i)}))
	}
	jobs := b.Jobs()
	require.Len(t, jobs, maxJobs)
	assert.Equal(t, fmt.Sprintf("job-%d", maxJobs+5), jobs[0].ID)
	assert.Len(t, b.jobs, maxJobs)
	assert.Len(t, b.Events(), maxEvents)
}

func TestClientHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"ok","uptime_seconds":90,"queue_depth":2,"catalog_fingerprint":"blake3:ff"}`))
	}))
	defer srv.Close()

	h, err := NewClient(srv.URL+"/", "").Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Health{Status: "ok", UptimeSeconds: 90, QueueDepth: 2, CatalogFingerprint: "blake3:ff"}, h)
}

func TestClientStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer watcher", r.Header.Get("Authorization"))
		assert.Equal(t, "7", r.Header.Get("Last-Event-ID"))
		assert.Equal(t, "trigger.*", r.URL.Query().Get("types"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "id: 8\nevent: trigger.enqueued\ndata: {\"job_id\":\"job-8\"}\n\n")
		fmt.Fprint(w, "id: 9\nevent: trigger.completed\ndata: {\"job_id\":\"job-8\",\"status\":\"succeeded\"}\n\n")
	}))
	defer srv.Close()

	out := make(chan events.Event, 4)
	err := NewClient(srv.URL, "watcher").Stream(context.Background(), "trigger.*", 7, out)
	assert.ErrorIs(t, err, errStreamClosed)

	require.Len(t, out, 2)
	first := <-out
	assert.Equal(t, int64(8), first.ID)
	assert.Equal(t, events.TypeTriggerEnqueued, first.Type)
	assert.JSONEq(t, `{"job_id":"job-8"}`, string(first.Data))
	second := <-out
	assert.Equal(t, int64(9), second.ID)
}

func TestClientStreamRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"insufficient scope"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "reader").Stream(context.Background(), "", 0, make(chan events.Event))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
	assert.Contains(t, err.Error(), "insufficient scope")
}

func TestModelRendersEvents(t *testing.T) {
	m := New(context.Background(), NewClient("http://127.0.0.1:0", ""), "")

	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	m = next.(Model)
	assert.Contains(t, m.View(), "CONNECTING")

	next, cmd := m.Update(eventMsg(mustEvent(t, 1, events.TypeTriggerEnqueued, events.TriggerEnqueued{
		JobID: "0f3c9a7e-1111", Revision: "b629d766f590", Builder: "Linux try opt test xpcshell", Priority: "default",
	})))
	m = next.(Model)
	assert.NotNil(t, cmd, "waits for the next event")

	view := m.View()
	assert.Contains(t, view, "LIVE")
	assert.Contains(t, view, "Linux try opt test xpcshell")
	assert.Contains(t, view, "0f3c9a7e")
	assert.Contains(t, view, "trigger.enqueued")

	next, cmd = m.Update(closedMsg{err: errStreamClosed})
	m = next.(Model)
	assert.NotNil(t, cmd)
	assert.Contains(t, m.View(), "reconnecting")

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}
