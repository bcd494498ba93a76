package router

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Route struct {
	Path    string
	Methods []string
	Handler func(w http.ResponseWriter, r *http.Request) error
}

func WithErrorHandle(hndl func(w http.ResponseWriter, r *http.Request) error,
) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		err := hndl(w, r)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(err.Error()))
		}
	}
}

// NewRouter mounts routes plus /metrics for gatherer, when set.
func NewRouter(routes []*Route, gatherer prometheus.Gatherer) *mux.Router {
	router := mux.NewRouter()
	for _, r := range routes {
		router.HandleFunc(r.Path, WithErrorHandle(r.Handler)).Methods(r.Methods...)
	}
	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return router
}
