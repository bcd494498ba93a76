package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/prometheus/model/labels"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metrico/lokiduck/lokitest"
	"github.com/metrico/lokiduck/repository"
	"github.com/metrico/lokiduck/service/db"
)

func lokiduck(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func fakeLoki(t *testing.T) *lokitest.Server {
	t.Helper()
	srv := lokitest.New()
	t.Cleanup(srv.Close)
	srv.Add(labels.FromStrings("service_name", "api"),
		lokitest.Entry{Timestamp: 1, Line: "GET /users 200"},
		lokitest.Entry{Timestamp: 2, Line: "POST /login 500"})
	return srv
}

const selectAPI = `SELECT line FROM loki WHERE labels['service_name'] = 'api' AND timestamp >= 0 ORDER BY timestamp`

func TestQueryCommand(t *testing.T) {
	srv := fakeLoki(t)
	out, err := lokiduck(t, "", "--address", srv.URL, "query", "--format", "TSV", selectAPI)
	require.NoError(t, err)
	assert.Equal(t, "GET /users 200\nPOST /login 500\n", out)

	out, err = lokiduck(t, "INSERT INTO loki VALUES (3, map('service_name', 'api'), 'DELETE /users 204');\n"+selectAPI+" FORMAT TSV",
		"--address", srv.URL, "query", "--stdin", "--format", "TSV")
	require.NoError(t, err)
	assert.Equal(t, "1\nGET /users 200\nPOST /login 500\nDELETE /users 204\n", out)
}

func TestQueryCommandDefaultSelector(t *testing.T) {
	srv := fakeLoki(t)
	out, err := lokiduck(t, "", "--address", srv.URL, "query", "--format", "TSV",
		`SELECT line FROM loki WHERE line LIKE '%500' AND timestamp >= 0`)
	require.NoError(t, err)
	assert.Equal(t, "POST /login 500\n", out)
	assert.Equal(t, `{service_name=~".+"} |~ "500$"`, srv.Queries()[0].Get("query"))
}

func TestExplainCommand(t *testing.T) {
	srv := fakeLoki(t)
	out, err := lokiduck(t, "", "--address", srv.URL, "--table", "logs", "explain",
		`SELECT line FROM logs WHERE labels['service_name'] = 'api' LIMIT 3`)
	require.NoError(t, err)
	assert.Contains(t, out, `LokiScanExec: query={service_name="api"}`)
	assert.Contains(t, out, "pushdown: LIMIT 3 Exact")
	assert.Empty(t, srv.Queries())
}

func TestCheckCommand(t *testing.T) {
	srv := fakeLoki(t)
	out, err := lokiduck(t, "", "--address", srv.URL, "check")
	require.NoError(t, err)
	assert.Equal(t, "loki 3.5.0 at "+srv.URL+"\n", out)
}

func TestExecCommand(t *testing.T) {
	srv := fakeLoki(t)
	script := filepath.Join(t.TempDir(), "script.yaml")
	require.NoError(t, os.WriteFile(script, []byte(`
onStart:
  query:
    - INSERT INTO loki VALUES (10, map('service_name', 'seed'), 'hello')
query:
  - SELECT line FROM loki WHERE labels['service_name'] = 'seed' AND timestamp >= 0
`), 0o644))
	out, err := lokiduck(t, "", "--address", srv.URL, "exec", "-f", script, "--format", "TSV")
	require.NoError(t, err)
	assert.Equal(t, "1\nhello\n", out)
}

func TestConfigFile(t *testing.T) {
	srv := fakeLoki(t)
	file := filepath.Join(t.TempDir(), "lokiduck.yaml")
	require.NoError(t, os.WriteFile(file, []byte("loki:\n  address: "+srv.URL+"\ntable:\n  name: logs\n  direction: forward\n"), 0o644))
	out, err := lokiduck(t, "", "--config", file, "query", "--format", "TSV",
		`SELECT line FROM logs WHERE labels['service_name'] = 'api' AND timestamp >= 0`)
	require.NoError(t, err)
	assert.Equal(t, "GET /users 200\nPOST /login 500\n", out)
}

func TestExportToDuckDB(t *testing.T) {
	srv := fakeLoki(t)
	path := filepath.Join(t.TempDir(), "logs.db")
	out, err := lokiduck(t, "", "--address", srv.URL, "query", "--duckdb", path, "--into", "api", `SELECT * FROM loki WHERE labels['service_name'] = 'api' AND timestamp >= 0`)
	require.NoError(t, err)
	assert.Equal(t, "2 rows exported into api\n", out)

	conn, err := db.ConnectDuckDB(path)
	require.NoError(t, err)
	defer conn.Close()
	exports, err := repository.ListExports(t.Context(), conn)
	require.NoError(t, err)
	require.Len(t, exports, 1)
	assert.Equal(t, int64(2), exports[0].Rows)
	assert.Equal(t, []string{"timestamp", "labels", "line"}, exports[0].FieldNames)
}

func TestCommandErrors(t *testing.T) {
	srv := fakeLoki(t)
	_, err := lokiduck(t, "", "--address", srv.URL, "query")
	assert.Error(t, err)
	_, err = lokiduck(t, "", "--address", srv.URL, "query", "SELECT * FROM loki ORDER BY line")
	assert.Error(t, err)
	_, err = lokiduck(t, "", "--address", "", "check")
	assert.Error(t, err)
	_, err = lokiduck(t, "", "--address", srv.URL, "exec")
	assert.Error(t, err)
}
