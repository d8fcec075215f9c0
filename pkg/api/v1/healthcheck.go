package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stevedylandev/stevedylan.dev/pkg/session"
)

// HealthcheckRouter sets up the healthcheck route.
func HealthcheckRouter(store session.Store) http.Handler {
	routes := &healthcheckRoutes{store: store}
	r := chi.NewRouter()
	r.Get("/", routes.getHealthcheck)
	return r
}

type healthcheckRoutes struct {
	store session.Store
}

func (h *healthcheckRoutes) getHealthcheck(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Health(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
