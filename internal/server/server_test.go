package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netkeep/internal/connection"
	"netkeep/internal/history"
	"netkeep/internal/models"
	"netkeep/internal/queue"
	"netkeep/internal/reachability"
	"netkeep/internal/storage"
)

type fixture struct {
	srv     *httptest.Server
	queue   *queue.Queue
	manager *connection.Manager
	flush   func(ctx context.Context) ([]models.ProcessResult, error)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(target.Close)

	clock := clockwork.NewFakeClockAt(time.Now())
	f := &fixture{
		queue: queue.New(storage.NewMemoryStore(), queue.ExecutorFunc(func(context.Context, models.Operation) error {
			return nil
		})),
		manager: connection.NewManager(connection.DefaultConfig(), connection.WithClock(clock)),
	}
	t.Cleanup(f.manager.Cleanup)
	recorder := history.NewRecorder(0, clock)
	t.Cleanup(recorder.Attach(f.manager))
	prober := reachability.New([]reachability.Endpoint{{URL: target.URL}, {URL: target.URL}})

	s := New(":0", Deps{
		Queue:      f.queue,
		Prober:     prober,
		Connection: f.manager,
		History:    recorder,
		Flush: func(ctx context.Context) ([]models.ProcessResult, error) {
			if f.flush != nil {
				return f.flush(ctx)
			}
			return f.queue.ProcessQueue(ctx), nil
		},
	})
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = strings.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			rd = bytes.NewReader(raw)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.queue.Enqueue(context.Background(), models.Operation{URL: "/api/1", Method: "POST"})

	resp, body := f.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap statusSnapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	require.NotNil(t, snap.Connection)
	assert.Equal(t, models.Disconnected, snap.Connection.Status)
	assert.Equal(t, 1, snap.Queue.Total)
	assert.Equal(t, 1, snap.Queue.Pending)
	assert.Nil(t, snap.Reachability)
}

func TestProbe(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/probe", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view probeView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.True(t, view.IsOnline)
	assert.NotEmpty(t, view.Endpoint)

	_, body = f.do(t, http.MethodGet, "/api/status", nil)
	var snap statusSnapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	require.NotNil(t, snap.Reachability)
	assert.Equal(t, 1, snap.Uptime.TotalChecks)
}

func TestQueueLifecycle(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/queue", models.Operation{URL: "/api/items", Method: "POST"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var item models.QueuedOperation
	require.NoError(t, json.Unmarshal(body, &item))
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, models.StatusPending, item.Status)

	resp, body = f.do(t, http.MethodGet, "/api/queue", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st models.QueueStatus
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, 1, st.Total)

	resp, body = f.do(t, http.MethodGet, "/api/queue?status=completed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	resp, _ = f.do(t, http.MethodDelete, "/api/queue/"+item.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/api/queue/"+item.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueueAdd_Validation(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/queue", "{broken")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/queue", `{"method":"POST"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/queue?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueueClear(t *testing.T) {
	f := newFixture(t)
	f.queue.Enqueue(context.Background(), models.Operation{URL: "/api/1"})
	f.queue.Enqueue(context.Background(), models.Operation{URL: "/api/2"})

	resp, _ := f.do(t, http.MethodDelete, "/api/queue", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, f.queue.Status().Total)
}

func TestQueueFlush(t *testing.T) {
	f := newFixture(t)
	item := f.queue.Enqueue(context.Background(), models.Operation{URL: "/api/1"})

	resp, body := f.do(t, http.MethodPost, "/api/queue/flush", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var results []models.ProcessResult
	require.NoError(t, json.Unmarshal(body, &results))
	require.Len(t, results, 1)
	assert.Equal(t, item.ID, results[0].ID)
	assert.True(t, results[0].Success)

	resp, body = f.do(t, http.MethodPost, "/api/queue/flush", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	f.flush = func(context.Context) ([]models.ProcessResult, error) {
		return nil, fmt.Errorf("%w: all checks failed", connection.ErrOffline)
	}
	resp, _ = f.do(t, http.MethodPost, "/api/queue/flush", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	f.flush = func(context.Context) ([]models.ProcessResult, error) {
		return nil, errors.New("storage exploded")
	}
	resp, _ = f.do(t, http.MethodPost, "/api/queue/flush", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/queue/flush", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestConnectionHistory(t *testing.T) {
	f := newFixture(t)
	f.manager.OnConnectionAttempt()
	f.manager.OnConnectionSuccess()

	resp, body := f.do(t, http.MethodGet, "/api/connection/history?window=10m&points=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Transitions []models.StateTransition `json:"transitions"`
		Timeline    []models.TimelinePoint   `json:"timeline"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Len(t, payload.Transitions, 3)
	assert.Equal(t, models.Connected, payload.Transitions[2].To)
	assert.Len(t, payload.Timeline, 5)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "netkeep_connection_status")
}

func TestStatusStream(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/status"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() statusSnapshot {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var snap statusSnapshot
		require.NoError(t, conn.ReadJSON(&snap))
		return snap
	}

	first := read()
	require.NotNil(t, first.Connection)
	assert.Equal(t, models.Disconnected, first.Connection.Status)

	f.manager.OnConnectionAttempt()
	var got models.ConnectionStatus
	for i := 0; i < 3 && got != models.Connecting; i++ {
		snap := read()
		require.NotNil(t, snap.Connection)
		got = snap.Connection.Status
	}
	assert.Equal(t, models.Connecting, got)
}

func TestStatusStream_RejectsForeignOrigin(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/status"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
