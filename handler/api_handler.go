package handlers

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/metrico/lokiduck/controller/root"
	"github.com/metrico/lokiduck/engine"
	"github.com/metrico/lokiduck/scan"
	"github.com/metrico/lokiduck/utils"
)

const usage = "lokiduck: send a statement in the query parameter or the request body\n"

// Checker reports the version of the Loki behind a table.
type Checker interface {
	CheckConnection(ctx context.Context) (string, error)
}

type Handler struct {
	Session       *engine.Session
	DefaultFormat string
	// Fetcher and Metrics serve plans shipped by other lokiduck servers.
	Fetcher scan.Fetcher
	Metrics *scan.Metrics
	Checker Checker
	Logger  log.Logger
}

func (h *Handler) logger() log.Logger {
	if h.Logger == nil {
		return log.NewNopLogger()
	}
	return h.Logger
}

// Query runs the statement found in the query parameter or the body.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) error {
	query := r.URL.Query().Get("query")
	if query == "" && r.Body != nil {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return errors.Wrap(err, "read body")
		}
		query = string(body)
	}
	format := h.DefaultFormat
	if format == "" {
		format = utils.DefaultFormat
	}
	if f := r.URL.Query().Get("default_format"); f != "" {
		format = f
	}

	result, contentType, err := root.QueryOperation(r.Context(), h.Session, query, format)
	if errors.Is(err, root.ErrEmptyQuery) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(usage))
		return nil
	}
	if err != nil {
		level.Warn(h.logger()).Log("msg", "query failed", "query", query, "err", err)
		return err
	}
	w.Header().Set("Content-Type", contentType)
	_, err = w.Write([]byte(result))
	return err
}

// ExecutePlan runs one partition of an encoded scan node and streams it back
// as Arrow IPC.
func (h *Handler) ExecutePlan(w http.ResponseWriter, r *http.Request) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return errors.Wrap(err, "read plan")
	}
	node, err := scan.Unmarshal(body, h.Fetcher, h.logger(), h.Metrics)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil
	}
	partition := 0
	if p := r.URL.Query().Get("partition"); p != "" {
		if partition, err = strconv.Atoi(p); err != nil {
			http.Error(w, "invalid partition "+strconv.Quote(p), http.StatusBadRequest)
			return nil
		}
	}
	st, err := node.Execute(r.Context(), partition)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil
	}
	defer st.Release()
	level.Debug(h.logger()).Log("msg", "executing shipped plan", "plan", node, "partition", partition)
	return scan.WriteIPC(w, st)
}

// Health checks that Loki answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) error {
	if h.Checker == nil {
		_, err := w.Write([]byte("ok\n"))
		return err
	}
	version, err := h.Checker.CheckConnection(r.Context())
	if err != nil {
		http.Error(w, "loki unreachable: "+err.Error(), http.StatusServiceUnavailable)
		return nil
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, err = w.Write([]byte("ok loki " + version + "\n"))
	return err
}

func (h *Handler) Ping(w http.ResponseWriter, _ *http.Request) error {
	_, err := w.Write([]byte("Ok.\n"))
	return err
}
