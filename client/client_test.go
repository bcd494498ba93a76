package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metrico/lokiduck/model"
)

func fastBackoff(retries int) backoff.Config {
	return backoff.Config{MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, MaxRetries: retries}
}

func TestQueryRangeRequest(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success"}`))
	}))
	defer srv.Close()

	c, err := New(Config{Address: srv.URL, TenantID: "team-a", Username: "u", Password: "p"}, nil, nil)
	require.NoError(t, err)

	resp, err := c.QueryRange(context.Background(), QueryRequest{
		Query:     `{app="api"}`,
		Start:     10,
		End:       20,
		Limit:     5,
		Direction: model.Forward,
		Accept:    ContentTypeParquet,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"status":"success"}`, string(resp.Body))
	assert.Equal(t, "application/json", resp.ContentType)

	require.NotNil(t, got)
	assert.Equal(t, QueryRangePath, got.URL.Path)
	q := got.URL.Query()
	assert.Equal(t, `{app="api"}`, q.Get("query"))
	assert.Equal(t, "10", q.Get("start"))
	assert.Equal(t, "20", q.Get("end"))
	assert.Equal(t, "5", q.Get("limit"))
	assert.Equal(t, "FORWARD", q.Get("direction"))
	assert.Equal(t, "team-a", got.Header.Get("X-Scope-OrgID"))
	assert.Equal(t, ContentTypeParquet, got.Header.Get("Accept"))
	assert.Equal(t, "lokiduck", got.Header.Get("User-Agent"))
	user, pass, ok := got.BasicAuth()
	assert.True(t, ok)
	assert.Equal(t, "u", user)
	assert.Equal(t, "p", pass)
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	c, err := New(Config{Address: srv.URL, Backoff: fastBackoff(3)}, nil, reg)
	require.NoError(t, err)

	resp, err := c.QueryRange(context.Background(), QueryRequest{Query: `{a="b"}`})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(c.metrics.requests.WithLabelValues("query_range", "503")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.requests.WithLabelValues("query_range", "200")))
}

func TestRetryGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(Config{Address: srv.URL, Backoff: fastBackoff(2)}, nil, nil)
	require.NoError(t, err)

	_, err = c.QueryRange(context.Background(), QueryRequest{Query: `{a="b"}`})
	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.Equal(t, "boom", se.Body)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNoRetryOnBadRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "parse error", http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := New(Config{Address: srv.URL, Backoff: fastBackoff(5)}, nil, nil)
	require.NoError(t, err)

	_, err = c.QueryRange(context.Background(), QueryRequest{Query: `{`})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPush(t *testing.T) {
	var (
		body        []byte
		contentType string
		encoding    string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PushPath, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ = io.ReadAll(r.Body)
		contentType = r.Header.Get("Content-Type")
		encoding = r.Header.Get("Content-Encoding")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := New(Config{Address: srv.URL}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.Push(context.Background(), []byte(`{"streams":[]}`), ContentTypeJSON, ""))
	assert.Equal(t, `{"streams":[]}`, string(body))
	assert.Equal(t, ContentTypeJSON, contentType)
	assert.Empty(t, encoding)
}

func TestBuildInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, BuildInfoPath, r.URL.Path)
		_, _ = w.Write([]byte(`{"revision":"x","version":"3.4.2","extra":{"a":[1,2]}}`))
	}))
	defer srv.Close()

	c, err := New(Config{Address: srv.URL}, nil, nil)
	require.NoError(t, err)
	v, err := c.BuildInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3.4.2", v)
}

func TestCanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, err := New(Config{Address: srv.URL, Backoff: fastBackoff(5)}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = c.QueryRange(ctx, QueryRequest{Query: `{a="b"}`})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{}, nil, nil)
	assert.Error(t, err)
}
