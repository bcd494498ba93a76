package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/metrico/lokiduck/client"
	"github.com/metrico/lokiduck/config"
	"github.com/metrico/lokiduck/controller/root"
	"github.com/metrico/lokiduck/engine"
	handlers "github.com/metrico/lokiduck/handler"
	"github.com/metrico/lokiduck/repository"
	"github.com/metrico/lokiduck/router"
	"github.com/metrico/lokiduck/scan"
	"github.com/metrico/lokiduck/service/db"
	"github.com/metrico/lokiduck/stdin"
	"github.com/metrico/lokiduck/table"
	"github.com/metrico/lokiduck/utils"
)

type app struct {
	logger  log.Logger
	reg     *prometheus.Registry
	client  *client.Client
	table   *table.LokiTable
	session *engine.Session
}

func newLogger(lvl string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, levelOption(lvl))
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

func levelOption(lvl string) level.Option {
	switch strings.ToLower(lvl) {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	}
	return level.AllowInfo()
}

// newApp wires the Loki table into a fresh session. Workers are only used
// by the server.
func newApp(cfg *config.Configuration, opts ...engine.Option) (*app, error) {
	logger := newLogger(cfg.Log.Level)
	reg := prometheus.NewRegistry()
	c, err := client.New(cfg.ClientConfig(), logger, reg)
	if err != nil {
		return nil, err
	}
	tc, err := cfg.TableConfig()
	if err != nil {
		return nil, err
	}
	tbl := table.New(c, tc, logger, reg)
	opts = append([]engine.Option{engine.WithLogger(logger)}, opts...)
	s := engine.NewSession(opts...)
	if err := s.Register(tc.Name, tbl); err != nil {
		return nil, err
	}
	return &app{logger: logger, reg: reg, client: c, table: tbl, session: s}, nil
}

func newQueryCmd() *cobra.Command {
	var (
		format    string
		fromStdin bool
		duckdb    string
		into      string
	)
	cmd := &cobra.Command{
		Use:   "query [sql]",
		Short: "Run a statement",
		Long: `Run a SELECT, INSERT or EXPLAIN statement and print the result.

Examples:
  lokiduck query "SELECT * FROM loki WHERE labels['app'] = 'api' LIMIT 10"
  lokiduck query --format CSVWithNames "SELECT timestamp, line FROM loki WHERE labels['app'] = 'api'"
  echo "SELECT line FROM loki WHERE labels['app'] = 'api' FORMAT TSV" | lokiduck query --stdin
  lokiduck query --duckdb /tmp/logs.db --into api "SELECT * FROM loki WHERE labels['app'] = 'api'"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(config.Config)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if fromStdin {
				return stdin.Run(ctx, a.session, cmd.InOrStdin(), cmd.OutOrStdout(), format)
			}
			if len(args) == 0 {
				return errors.New("missing statement, pass it as an argument or use --stdin")
			}
			if into != "" {
				if duckdb == "" {
					duckdb = config.Config.DBPath
				}
				return exportQuery(ctx, a, args[0], duckdb, into, cmd)
			}
			out, _, err := root.QueryOperation(ctx, a.session, args[0], format)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSuffix(out, "\n"))
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", utils.DefaultFormat, "output format (JSONCompact, JSON, JSONEachRow, CSV, CSVWithNames, TSV, TSVWithNames)")
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "read statements from stdin")
	cmd.Flags().StringVar(&duckdb, "duckdb", "", "DuckDB database file for --into, defaults to db_path")
	cmd.Flags().StringVar(&into, "into", "", "store the result in this DuckDB table instead of printing it")
	return cmd
}

func exportQuery(ctx context.Context, a *app, query, path, into string, cmd *cobra.Command) error {
	res, err := a.session.Exec(ctx, query)
	if err != nil {
		return err
	}
	defer res.Release()

	conn, err := db.ConnectDuckDB(path)
	if err != nil {
		return err
	}
	defer conn.Close()
	n, err := db.Materialize(ctx, conn, into, res)
	if err != nil {
		return err
	}
	if err := repository.CreateExportsTable(ctx, conn); err != nil {
		return err
	}
	names := make([]string, 0, res.Schema.NumFields())
	types := make([]string, 0, res.Schema.NumFields())
	for _, f := range res.Schema.Fields() {
		names = append(names, f.Name)
		types = append(types, f.Type.String())
	}
	if err := repository.RecordExport(ctx, conn, repository.Export{
		Name:       into,
		Query:      query,
		FieldNames: names,
		FieldTypes: types,
		Rows:       n,
		ExportedAt: time.Now(),
	}); err != nil {
		return err
	}
	level.Info(a.logger).Log("msg", "exported", "table", into, "rows", n, "elapsed", res.Elapsed)
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d rows exported into %s\n", n, into)
	return err
}

func newExecCmd() *cobra.Command {
	var (
		file   string
		format string
	)
	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Run a statement script",
		Long: `Run the onStart statements and then the queries of a yaml script:

  onStart:
    query:
      - INSERT INTO loki VALUES (now(), map('app', 'seed'), 'hello')
  query:
    - SELECT * FROM loki WHERE labels['app'] = 'seed' LIMIT 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			script, err := config.LoadConfig(file)
			if err != nil {
				return err
			}
			a, err := newApp(config.Config)
			if err != nil {
				return err
			}
			return stdin.RunScript(cmd.Context(), a.session, script, cmd.OutOrStdout(), format)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "script file")
	cmd.Flags().StringVar(&format, "format", utils.DefaultFormat, "output format")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newExplainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "explain <sql>",
		Short: "Show the plan and the pushdown decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(config.Config)
			if err != nil {
				return err
			}
			plan, err := a.session.Explain(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), plan)
			return err
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check the Loki connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(config.Config)
			if err != nil {
				return err
			}
			version, err := a.table.CheckConnection(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "loki %s at %s\n", version, config.Config.Loki.Address)
			return err
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve statements over HTTP, ClickHouse style:

  curl 'http://localhost:8123/?query=SELECT+line+FROM+loki+LIMIT+5&default_format=TSV'

Servers listed in server.workers execute scan partitions shipped by this one
on /loki/plan/execute.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Config
			a, err := newApp(cfg,
				engine.WithWorkers(nil, cfg.Server.Workers...),
				engine.WithParallelism(cfg.Server.Parallelism))
			if err != nil {
				return err
			}
			a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			h := &handlers.Handler{
				Session: a.session,
				Fetcher: a.client,
				Metrics: scan.NewMetrics(prometheus.WrapRegistererWith(prometheus.Labels{"table": "shipped"}, a.reg)),
				Checker: a.table,
				Logger:  a.logger,
			}
			return serve(cmd.Context(), a.logger, net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
				router.NewRouter(router.APIRoutes(h), a.reg))
		},
	}
}

func serve(ctx context.Context, logger log.Logger, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		level.Info(logger).Log("msg", "lokiduck API running", "addr", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	level.Info(logger).Log("msg", "shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
