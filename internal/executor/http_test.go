package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netkeep/internal/models"
)

func statusServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestExecute_SendsOperation(t *testing.T) {
	type captured struct {
		method, path, auth, trace, contentType, body string
	}
	got := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- captured{
			method:      r.Method,
			path:        r.URL.Path,
			auth:        r.Header.Get("Authorization"),
			trace:       r.Header.Get("X-Trace"),
			contentType: r.Header.Get("Content-Type"),
			body:        string(b),
		}
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)

	e, err := New(srv.URL, WithHeaders(map[string]string{"Authorization": "Bearer base", "X-Trace": "base"}))
	require.NoError(t, err)

	err = e.Execute(context.Background(), models.Operation{
		URL:     "/api/items",
		Method:  "put",
		Headers: map[string]string{"X-Trace": "op"},
		Data:    json.RawMessage(`{"name":"x"}`),
	})
	require.NoError(t, err)

	c := <-got
	assert.Equal(t, http.MethodPut, c.method)
	assert.Equal(t, "/api/items", c.path)
	assert.Equal(t, "Bearer base", c.auth)
	assert.Equal(t, "op", c.trace)
	assert.Equal(t, "application/json", c.contentType)
	assert.JSONEq(t, `{"name":"x"}`, c.body)
}

func TestExecute_DefaultsToPost(t *testing.T) {
	methods := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods <- r.Method
	}))
	t.Cleanup(srv.Close)

	e, err := New("")
	require.NoError(t, err)
	require.NoError(t, e.Execute(context.Background(), models.Operation{URL: srv.URL + "/x"}))
	assert.Equal(t, http.MethodPost, <-methods)
}

func TestExecute_RetriesServerErrors(t *testing.T) {
	srv, hits := statusServer(t, http.StatusServiceUnavailable)
	e, err := New(srv.URL, WithAttempts(3), WithRetryDelay(time.Millisecond))
	require.NoError(t, err)

	err = e.Execute(context.Background(), models.Operation{URL: "/x", Method: "POST"})
	require.Error(t, err)

	var serr *StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusServiceUnavailable, serr.StatusCode)
	assert.EqualValues(t, 3, hits.Load())
}

func TestExecute_ClientErrorsAreNotRetried(t *testing.T) {
	srv, hits := statusServer(t, http.StatusUnprocessableEntity)
	e, err := New(srv.URL, WithAttempts(3), WithRetryDelay(time.Millisecond))
	require.NoError(t, err)

	err = e.Execute(context.Background(), models.Operation{URL: "/x", Method: "POST"})
	var serr *StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusUnprocessableEntity, serr.StatusCode)
	assert.EqualValues(t, 1, hits.Load())
}

func TestExecute_TooManyRequestsIsRetried(t *testing.T) {
	srv, hits := statusServer(t, http.StatusTooManyRequests)
	e, err := New(srv.URL, WithAttempts(2), WithRetryDelay(time.Millisecond))
	require.NoError(t, err)

	require.Error(t, e.Execute(context.Background(), models.Operation{URL: "/x"}))
	assert.EqualValues(t, 2, hits.Load())
}

func TestExecute_CanceledContext(t *testing.T) {
	srv, hits := statusServer(t, http.StatusOK)
	e, err := New(srv.URL, WithRate(5))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, e.Execute(ctx, models.Operation{URL: "/x"}))
	assert.Zero(t, hits.Load())
}

func TestExecute_RelativeURLNeedsBase(t *testing.T) {
	e, err := New("")
	require.NoError(t, err)
	require.Error(t, e.Execute(context.Background(), models.Operation{URL: "/x"}))

	_, err = New("not-absolute")
	require.Error(t, err)
}
