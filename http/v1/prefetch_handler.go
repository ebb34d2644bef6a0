package v1

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/yourorg/valuation-api/internal/model"
	"github.com/yourorg/valuation-api/internal/refresh"
)

type PrefetchRequest struct {
	Properties []model.PropertyIdentity `json:"properties" validate:"required,min=1,max=100"`
	Depth      string                   `json:"depth,omitempty" validate:"omitempty,oneof=minimal standard deep"`
}

type PrefetchResponse struct {
	Accepted int                      `json:"accepted"`
	Skipped  []model.PropertyIdentity `json:"skipped"`
}

func registerPrefetch(r chi.Router, d Deps) {
	r.Post("/valuations/prefetch", func(w http.ResponseWriter, req *http.Request) {
		var body PrefetchRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, req, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
		if err := validate.Struct(body); err != nil {
			writeError(w, req, http.StatusBadRequest, "invalid_request", validationDetail(err))
			return
		}
		for _, id := range body.Properties {
			if err := id.Validate(); err != nil {
				writeFailure(w, req, d.Log, err)
				return
			}
		}
		resp := PrefetchResponse{Skipped: []model.PropertyIdentity{}}
		for _, id := range body.Properties {
			if d.Prefetch.Enqueue(refresh.Job{Identity: id, Depth: body.Depth}) {
				resp.Accepted++
			} else {
				resp.Skipped = append(resp.Skipped, id)
			}
		}
		render.Status(req, http.StatusAccepted)
		render.JSON(w, req, resp)
	})
}
