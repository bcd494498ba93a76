// Package client talks HTTP to a Loki instance.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/config"

	"github.com/metrico/lokiduck/model"
)

const (
	QueryRangePath = "/loki/api/v1/query_range"
	PushPath       = "/loki/api/v1/push"
	BuildInfoPath  = "/loki/api/v1/status/buildinfo"

	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
	ContentTypeParquet  = "application/vnd.apache.parquet"

	tenantHeader = "X-Scope-OrgID"
)

// Config holds the connection settings of a Loki instance.
type Config struct {
	Address            string
	TenantID           string
	Username           string
	Password           string
	BearerToken        string
	CAFile             string
	InsecureSkipVerify bool
	// Timeout bounds a single HTTP exchange. Zero means none.
	Timeout   time.Duration
	Backoff   backoff.Config
	UserAgent string
}

// DefaultBackoff retries a request three times in total.
var DefaultBackoff = backoff.Config{
	MinBackoff: 100 * time.Millisecond,
	MaxBackoff: 5 * time.Second,
	MaxRetries: 3,
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("loki returned %d: %s", e.Code, e.Body)
}

// Retryable reports whether the request may succeed when sent again.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code/100 == 5
}

// Response is a raw successful response.
type Response struct {
	Body        []byte
	ContentType string
}

// QueryRequest are the parameters of a query_range call.
type QueryRequest struct {
	Query     string
	Start     int64
	End       int64
	Limit     int64
	Direction model.Direction
	// Accept overrides the response content type, e.g. ContentTypeParquet.
	Accept string
}

// Client is safe for concurrent use.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	logger  log.Logger
	metrics *metrics
}

func New(cfg Config, logger log.Logger, reg prometheus.Registerer) (*Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("loki address is empty")
	}
	base, err := url.Parse(cfg.Address)
	if err != nil {
		return nil, errors.Wrap(err, "parse loki address")
	}
	if cfg.Backoff.MaxRetries <= 0 {
		// dskit treats zero as retry forever
		cfg.Backoff.MaxRetries = 1
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "lokiduck"
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	httpCfg := config.HTTPClientConfig{
		FollowRedirects: true,
		EnableHTTP2:     true,
		TLSConfig: config.TLSConfig{
			CAFile:             cfg.CAFile,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
	}
	if cfg.Username != "" {
		httpCfg.BasicAuth = &config.BasicAuth{Username: cfg.Username, Password: config.Secret(cfg.Password)}
	}
	if cfg.BearerToken != "" {
		httpCfg.Authorization = &config.Authorization{Type: "Bearer", Credentials: config.Secret(cfg.BearerToken)}
	}
	if err := httpCfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "http client config")
	}
	hc, err := config.NewClientFromConfig(httpCfg, "lokiduck")
	if err != nil {
		return nil, errors.Wrap(err, "http client")
	}
	hc.Timeout = cfg.Timeout

	return &Client{
		cfg:     cfg,
		base:    base,
		http:    hc,
		logger:  logger,
		metrics: newMetrics(reg),
	}, nil
}

func (c *Client) url(p string, query url.Values) string {
	u := *c.base
	u.Path = path.Join(u.Path, p)
	u.RawQuery = query.Encode()
	return u.String()
}

// QueryRange calls the query_range endpoint and returns the undecoded body.
func (c *Client) QueryRange(ctx context.Context, req QueryRequest) (*Response, error) {
	params := url.Values{}
	params.Set("query", req.Query)
	params.Set("start", strconv.FormatInt(req.Start, 10))
	params.Set("end", strconv.FormatInt(req.End, 10))
	params.Set("limit", strconv.FormatInt(req.Limit, 10))
	params.Set("direction", req.Direction.String())
	target := c.url(QueryRangePath, params)

	return c.do(ctx, "query_range", func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		if req.Accept != "" {
			r.Header.Set("Accept", req.Accept)
		}
		return r, nil
	})
}

// Push sends an encoded push request body.
func (c *Client) Push(ctx context.Context, body []byte, contentType, contentEncoding string) error {
	target := c.url(PushPath, nil)
	_, err := c.do(ctx, "push", func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", contentType)
		if contentEncoding != "" {
			r.Header.Set("Content-Encoding", contentEncoding)
		}
		return r, nil
	})
	return err
}

// BuildInfo returns the version Loki reports. It doubles as a connection
// check.
func (c *Client) BuildInfo(ctx context.Context) (string, error) {
	target := c.url(BuildInfoPath, nil)
	resp, err := c.do(ctx, "buildinfo", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	})
	if err != nil {
		return "", err
	}
	var version string
	d := jx.DecodeBytes(resp.Body)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		if key != "version" {
			return d.Skip()
		}
		v, err := d.Str()
		version = v
		return err
	}); err != nil {
		return "", errors.Wrap(err, "decode buildinfo")
	}
	return version, nil
}

func (c *Client) do(ctx context.Context, op string, newRequest func() (*http.Request, error)) (*Response, error) {
	var lastErr error
	b := backoff.New(ctx, c.cfg.Backoff)
	for b.Ongoing() {
		start := time.Now()
		resp, err := c.once(newRequest)
		c.metrics.observe(op, err, time.Since(start))
		if err == nil {
			return resp, nil
		}
		if !retryable(ctx, err) {
			return nil, err
		}
		lastErr = err
		level.Warn(c.logger).Log("msg", "loki request failed", "op", op, "attempt", b.NumRetries()+1, "err", err)
		b.Wait()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, errors.Wrapf(lastErr, "%s failed after %d attempts", op, b.NumRetries())
}

func (c *Client) once(newRequest func() (*http.Request, error)) (*Response, error) {
	req, err := newRequest()
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if c.cfg.TenantID != "" {
		req.Header.Set(tenantHeader, c.cfg.TenantID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			level.Debug(c.logger).Log("msg", "error closing body", "err", err)
		}
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	if resp.StatusCode/100 != 2 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	return &Response{Body: body, ContentType: resp.Header.Get("Content-Type")}, nil
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
