package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

func registerQuota(r chi.Router, d Deps) {
	r.Get("/quota", func(w http.ResponseWriter, req *http.Request) {
		render.JSON(w, req, map[string]any{"providers": d.Quota.Records(req.Context())})
	})
}
