// Package table exposes a Loki tenant as a table with the fixed
// (timestamp, labels, line) layout.
package table

import (
	"context"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/metrico/lokiduck/client"
	"github.com/metrico/lokiduck/engine"
	"github.com/metrico/lokiduck/expr"
	"github.com/metrico/lokiduck/insert"
	"github.com/metrico/lokiduck/model"
	"github.com/metrico/lokiduck/scan"
	"github.com/metrico/lokiduck/translate"
)

type Config struct {
	// Name labels the table's metrics and log lines.
	Name                 string
	DefaultSelectorLabel string
	PageSize             int
	Partitions           int
	Lookback             time.Duration
	// Direction applies when the query does not ask for an order.
	Direction  model.Direction
	Format     scan.Format
	PushFormat insert.Format
}

type LokiTable struct {
	client  *client.Client
	cfg     Config
	logger  log.Logger
	metrics *scan.Metrics
	encoder *insert.Encoder
}

var _ engine.TableProvider = (*LokiTable)(nil)

func New(c *client.Client, cfg Config, logger log.Logger, reg prometheus.Registerer) *LokiTable {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.Name != "" {
		logger = log.With(logger, "table", cfg.Name)
		if reg != nil {
			reg = prometheus.WrapRegistererWith(prometheus.Labels{"table": cfg.Name}, reg)
		}
	}
	return &LokiTable{
		client:  c,
		cfg:     cfg,
		logger:  logger,
		metrics: scan.NewMetrics(reg),
		encoder: insert.NewEncoder(c, insert.Options{Format: cfg.PushFormat}, logger, reg),
	}
}

func (t *LokiTable) Schema() *arrow.Schema { return model.Schema }

// SupportsFiltersPushdown classifies every filter on its own, plus the
// limit.
func (t *LokiTable) SupportsFiltersPushdown(filters []expr.Expr, limit *int64) (model.Classification, error) {
	return translate.ClassifyAll(filters, limit), nil
}

// Scan builds the plan node for the pushed filters.
func (t *LokiTable) Scan(_ context.Context, req engine.ScanRequest) (engine.ExecutionPlan, error) {
	direction := t.cfg.Direction
	if req.Direction != nil {
		direction = *req.Direction
	}
	res, err := translate.Translate(req.Filters, req.Limit, translate.Options{
		DefaultSelectorLabel: t.cfg.DefaultSelectorLabel,
		Direction:            direction,
	})
	if err != nil {
		return nil, err
	}
	for _, terr := range res.Errors {
		level.Warn(t.logger).Log("msg", "filter evaluated locally", "err", terr)
	}
	e, err := scan.New(res.Query, scan.Options{
		Projection: req.Projection,
		Partitions: t.cfg.Partitions,
		PageSize:   t.cfg.PageSize,
		Lookback:   t.cfg.Lookback,
		Format:     t.cfg.Format,
	}, t.client, t.logger, t.metrics)
	if err != nil {
		return nil, err
	}
	level.Debug(t.logger).Log("msg", "scan planned", "plan", e)
	return Plan{e}, nil
}

// InsertInto pushes all records in a single request.
func (t *LokiTable) InsertInto(ctx context.Context, records []arrow.Record) (int64, error) {
	return t.encoder.InsertRecords(ctx, records)
}

// CheckConnection asks Loki for its build info.
func (t *LokiTable) CheckConnection(ctx context.Context) (string, error) {
	version, err := t.client.BuildInfo(ctx)
	if err != nil {
		return "", err
	}
	level.Info(t.logger).Log("msg", "connected to loki", "version", version)
	return version, nil
}

// Plan adapts a scan node to engine.ExecutionPlan. It keeps MarshalBinary,
// so the engine can ship it to workers.
type Plan struct {
	*scan.Exec
}

func (p Plan) Execute(ctx context.Context, partition int) (array.RecordReader, error) {
	st, err := p.Exec.Execute(ctx, partition)
	if err != nil {
		return nil, err
	}
	return st, nil
}
