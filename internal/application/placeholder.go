package application

import (
	"net/http"

	"github.com/eugenenazirov/authlook/internal/api"
	"github.com/eugenenazirov/authlook/internal/config"
)

func init() {
	MustRegister(config.DefaultApp, placeholderApp)
}

// placeholderApp stands in for the backend application until it registers
// itself under the same reference. It only answers the root path.
func placeholderApp(deps Deps) (http.Handler, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]string{
			"service":    "authlook",
			"mode":       deps.Config.Mode.String(),
			"app":        deps.Config.App,
			"request_id": api.RequestID(r.Context()),
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, http.StatusNotFound, "Not found", r.URL.Path)
	})
	return mux, nil
}
