package v1

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/yourorg/valuation-api/internal/model"
	"github.com/yourorg/valuation-api/internal/valuation"
)

type ResolveRequest struct {
	Address         string              `json:"address"`
	City            string              `json:"city"`
	State           string              `json:"state"`
	Zip             string              `json:"zip"`
	Depth           string              `json:"depth,omitempty" validate:"omitempty,oneof=minimal standard deep"`
	PrimaryProvider string              `json:"primaryProvider,omitempty"`
	SubjectSqft     int                 `json:"subjectSqft,omitempty" validate:"gte=0,lte=100000"`
	MaxComps        int                 `json:"maxComps,omitempty" validate:"gte=0,lte=50"`
	RadiusMiles     float64             `json:"radiusMiles,omitempty" validate:"gte=0,lte=25"`
	Override        *valuation.Override `json:"override,omitempty"`
}

func (r ResolveRequest) identity() model.PropertyIdentity {
	return model.PropertyIdentity{Address: r.Address, City: r.City, State: r.State, Zip: r.Zip}
}

func (r ResolveRequest) options() valuation.Options {
	return valuation.Options{
		Depth:           valuation.Depth(r.Depth),
		PrimaryProvider: r.PrimaryProvider,
		SubjectSqft:     r.SubjectSqft,
		MaxComps:        r.MaxComps,
		RadiusMiles:     r.RadiusMiles,
		Override:        r.Override,
	}
}

func registerResolve(r chi.Router, d Deps) {
	r.Post("/valuations/resolve", func(w http.ResponseWriter, req *http.Request) {
		var body ResolveRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, req, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
		resolve(w, req, d, body)
	})
	r.Get("/valuations/resolve", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		body := ResolveRequest{
			Address:         q.Get("address"),
			City:            q.Get("city"),
			State:           q.Get("state"),
			Zip:             q.Get("zip"),
			Depth:           q.Get("depth"),
			PrimaryProvider: q.Get("provider"),
		}
		if v := q.Get("sqft"); v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, req, http.StatusBadRequest, "invalid_query", "sqft must be an integer")
				return
			}
			body.SubjectSqft = i
		}
		if v := q.Get("arv"); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				writeError(w, req, http.StatusBadRequest, "invalid_query", "arv must be a number")
				return
			}
			body.Override = &valuation.Override{ARV: &f}
		}
		resolve(w, req, d, body)
	})
}

func resolve(w http.ResponseWriter, req *http.Request, d Deps, body ResolveRequest) {
	if err := body.identity().Validate(); err != nil {
		writeFailure(w, req, d.Log, err)
		return
	}
	if err := validate.Struct(body); err != nil {
		writeError(w, req, http.StatusBadRequest, "invalid_request", validationDetail(err))
		return
	}
	if body.Override != nil && body.Override.ARV != nil && *body.Override.ARV <= 0 {
		writeError(w, req, http.StatusBadRequest, "invalid_request", "override arv must be positive")
		return
	}
	res, err := d.Resolver.Resolve(req.Context(), body.identity(), body.options())
	if err != nil {
		writeFailure(w, req, d.Log, err)
		return
	}
	render.JSON(w, req, res)
}
