package controlapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mattercrawl/engine/internal/actor"
	"github.com/mattercrawl/engine/internal/crawlerr"
	"github.com/mattercrawl/engine/internal/events"
	"github.com/mattercrawl/engine/internal/planner"
	"github.com/mattercrawl/engine/internal/telemetrylog"
)

type fakeManager struct {
	started       []planner.Intent
	paused        []string
	replanOnToken bool
}

func (f *fakeManager) Start(_ context.Context, intent planner.Intent) (string, error) {
	f.started = append(f.started, intent)
	return "sess-1", nil
}

func (f *fakeManager) ResumeFromToken(_ context.Context, token string, _ planner.Intent) (string, error) {
	if f.replanOnToken {
		return "", crawlerr.New("test", crawlerr.KindInconsistentState, crawlerr.ErrReplanRequired)
	}
	return "sess-2", nil
}

func (f *fakeManager) Pause(id string) error {
	f.paused = append(f.paused, id)
	return nil
}
func (f *fakeManager) Resume(string) error { return nil }
func (f *fakeManager) Cancel(string) error { return actor.ErrTerminal }
func (f *fakeManager) Info(id string) (actor.SessionInfo, error) {
	return actor.SessionInfo{SessionID: id, Status: actor.StatusRunning}, nil
}
func (f *fakeManager) List() []actor.SessionInfo {
	return []actor.SessionInfo{{SessionID: "sess-1", Status: actor.StatusRunning}}
}

func newTestServer(m SessionManager) *httptest.Server {
	logger := telemetrylog.New("api-test", telemetrylog.WithOutput(io.Discard))
	return httptest.NewServer(New(m, events.NewBus(64), logger).Handler())
}

func TestStart_DefaultIntent(t *testing.T) {
	m := &fakeManager{}
	srv := newTestServer(m)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/sessions", "application/json", strings.NewReader(""))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, []planner.Intent{planner.IntentFull}, m.started)
}

func TestStart_ExplicitIntent(t *testing.T) {
	m := &fakeManager{}
	srv := newTestServer(m)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/sessions", "application/json",
		strings.NewReader(`{"intent":"recovery"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, []planner.Intent{planner.IntentRecovery}, m.started)
}

func TestStart_UnknownIntentRejected(t *testing.T) {
	srv := newTestServer(&fakeManager{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/sessions", "application/json",
		strings.NewReader(`{"intent":"everything"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPauseAndTerminalCancel(t *testing.T) {
	m := &fakeManager{}
	srv := newTestServer(m)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/sessions/sess-1/pause", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"sess-1"}, m.paused)

	resp, err = http.Post(srv.URL+"/api/sessions/sess-1/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestResumeFromToken_ReplanRequired(t *testing.T) {
	srv := newTestServer(&fakeManager{replanOnToken: true})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/sessions/resume", "application/json",
		strings.NewReader(`{"token":"abc","intent":"full"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(body), "replan required")
}

func TestList(t *testing.T) {
	srv := newTestServer(&fakeManager{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(body), "sess-1")
}
