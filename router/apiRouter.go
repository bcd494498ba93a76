package router

import (
	"net/http"

	handlers "github.com/metrico/lokiduck/handler"
	"github.com/metrico/lokiduck/scan"
)

// APIRoutes are the endpoints served by `lokiduck serve`.
func APIRoutes(h *handlers.Handler) []*Route {
	return []*Route{
		{Path: "/", Methods: []string{http.MethodPost, http.MethodGet}, Handler: h.Query},
		{Path: scan.PlanExecutePath, Methods: []string{http.MethodPost}, Handler: h.ExecutePlan},
		{Path: "/health", Methods: []string{http.MethodGet}, Handler: h.Health},
		{Path: "/ping", Methods: []string{http.MethodGet}, Handler: h.Ping},
	}
}
