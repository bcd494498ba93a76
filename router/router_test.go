package router

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metrico/lokiduck/client"
	"github.com/metrico/lokiduck/engine"
	handlers "github.com/metrico/lokiduck/handler"
	"github.com/metrico/lokiduck/lokitest"
	"github.com/metrico/lokiduck/scan"
	"github.com/metrico/lokiduck/table"
)

type api struct {
	loki *lokitest.Server
	srv  *httptest.Server
}

func newAPI(t *testing.T, cfg table.Config, opts ...engine.Option) *api {
	t.Helper()
	loki := lokitest.New()
	t.Cleanup(loki.Close)
	loki.Add(labels.FromStrings("app", "api"),
		lokitest.Entry{Timestamp: 1_700_000_000_000_000_000, Line: "GET /users 200"},
		lokitest.Entry{Timestamp: 1_700_000_001_000_000_000, Line: "POST /login 500"})

	c, err := client.New(client.Config{
		Address: loki.URL,
		Backoff: backoff.Config{MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond, MaxRetries: 1},
	}, nil, nil)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	cfg.DefaultSelectorLabel = "app"
	tbl := table.New(c, cfg, nil, reg)
	s := engine.NewSession(opts...)
	require.NoError(t, s.Register("loki", tbl))

	h := &handlers.Handler{
		Session: s,
		Fetcher: c,
		Metrics: scan.NewMetrics(nil),
		Checker: tbl,
	}
	srv := httptest.NewServer(NewRouter(APIRoutes(h), reg))
	t.Cleanup(srv.Close)
	return &api{loki: loki, srv: srv}
}

func (a *api) get(t *testing.T, path string, params url.Values) (int, string, http.Header) {
	t.Helper()
	u := a.srv.URL + path
	if params != nil {
		u += "?" + params.Encode()
	}
	resp, err := http.Get(u)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body), resp.Header
}

const bounded = `SELECT line FROM loki WHERE timestamp >= '2023-11-14' ORDER BY timestamp`

func TestQueryFormats(t *testing.T) {
	a := newAPI(t, table.Config{})

	code, body, header := a.get(t, "/", url.Values{"query": {bounded}})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "application/json; charset=utf-8", header.Get("Content-Type"))
	assert.Contains(t, body, `"data":[["GET /users 200"],["POST /login 500"]]`)
	assert.Contains(t, body, `"rows":2`)

	code, body, header = a.get(t, "/", url.Values{"query": {bounded + " FORMAT TSVWithNames"}})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "text/tab-separated-values; charset=utf-8", header.Get("Content-Type"))
	assert.Equal(t, "line\nGET /users 200\nPOST /login 500\n", body)

	code, body, _ = a.get(t, "/", url.Values{"query": {bounded}, "default_format": {"CSV"}})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "GET /users 200\nPOST /login 500\n", body)
}

func TestQueryInBody(t *testing.T) {
	a := newAPI(t, table.Config{})
	resp, err := http.Post(a.srv.URL+"/?default_format=TSV", "text/plain",
		strings.NewReader(`INSERT INTO loki VALUES ('2023-11-14 22:13:22', map('app', 'api'), 'DELETE /users 204')`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1\n", string(body))

	_, out, _ := a.get(t, "/", url.Values{"query": {bounded + " FORMAT TSV"}})
	assert.Equal(t, "GET /users 200\nPOST /login 500\nDELETE /users 204\n", out)
}

func TestQueryErrors(t *testing.T) {
	a := newAPI(t, table.Config{})

	code, body, _ := a.get(t, "/", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body, "query parameter")

	code, body, _ = a.get(t, "/", url.Values{"query": {"SELECT * FROM nope"}})
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, body, `table "nope" not found`)

	code, _, _ = a.get(t, "/", url.Values{"query": {bounded}, "default_format": {"XML"}})
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestHealthPingMetrics(t *testing.T) {
	a := newAPI(t, table.Config{Name: "loki"})

	code, body, _ := a.get(t, "/ping", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Ok.\n", body)

	code, body, _ = a.get(t, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok loki 3.5.0\n", body)

	_, _, _ = a.get(t, "/", url.Values{"query": {bounded}})
	code, body, _ = a.get(t, "/metrics", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `lokiduck_scan_pages_total{table="loki"}`)
}

func TestHealthLokiDown(t *testing.T) {
	a := newAPI(t, table.Config{})
	a.loki.Close()
	code, body, _ := a.get(t, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "loki unreachable")
}

func TestExecutePlan(t *testing.T) {
	worker := newAPI(t, table.Config{})

	// the coordinator ships every partition to the worker, both read the
	// same Loki
	coordinator := newAPI(t, table.Config{Partitions: 2}, engine.WithWorkers(nil, worker.srv.URL))
	_, body, _ := coordinator.get(t, "/", url.Values{"query": {
		`SELECT line FROM loki WHERE timestamp BETWEEN '2023-11-14' AND '2023-11-15' ORDER BY timestamp FORMAT TSV`,
	}})
	assert.Equal(t, "GET /users 200\nPOST /login 500\n", body)
	assert.Empty(t, coordinator.loki.Queries())
	assert.NotEmpty(t, worker.loki.Queries())
}

func TestExecutePlanRejectsGarbage(t *testing.T) {
	a := newAPI(t, table.Config{})
	resp, err := http.Post(a.srv.URL+scan.PlanExecutePath, scan.PlanContentType, bytes.NewReader([]byte("nope")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, err = (&scan.Remote{URL: a.srv.URL}).Execute(context.Background(), garbage{}, 0)
	assert.Error(t, err)
}

type garbage struct{}

func (garbage) MarshalBinary() ([]byte, error) { return []byte{0xff}, nil }
