package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/yourorg/valuation-api/internal/model"
)

func registerCache(r chi.Router, d Deps) {
	// DELETE /v1/cache?address=&city=&state=&zip= drops every cached
	// artifact for exactly that identity.
	r.Delete("/cache", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		id := model.PropertyIdentity{Address: q.Get("address"), City: q.Get("city"), State: q.Get("state"), Zip: q.Get("zip")}
		if err := id.Validate(); err != nil {
			writeFailure(w, req, d.Log, err)
			return
		}
		n, err := d.Cache.Invalidate(req.Context(), id)
		if err != nil {
			writeFailure(w, req, d.Log, err)
			return
		}
		render.JSON(w, req, map[string]any{"removed": n})
	})
}
