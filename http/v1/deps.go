// Package v1 holds the versioned JSON API.
package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/valuation-api/internal/logger"
	"github.com/yourorg/valuation-api/internal/model"
	"github.com/yourorg/valuation-api/internal/refresh"
	"github.com/yourorg/valuation-api/internal/valuation"
)

type Resolver interface {
	Resolve(ctx context.Context, id model.PropertyIdentity, opts valuation.Options) (valuation.Result, error)
}

type Prefetcher interface {
	Enqueue(j refresh.Job) bool
}

type QuotaReporter interface {
	Records(ctx context.Context) []model.QuotaRecord
}

type CacheInvalidator interface {
	Invalidate(ctx context.Context, id model.PropertyIdentity) (int, error)
}

// Deps wires the handlers. Nil optional dependencies disable their routes.
type Deps struct {
	Resolver Resolver
	Prefetch Prefetcher
	Quota    QuotaReporter
	Cache    CacheInvalidator
	Log      *logrus.Entry
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func Register(r chi.Router, d Deps) {
	if d.Log == nil {
		d.Log = logger.Discard()
	}
	r.Route("/v1", func(r chi.Router) {
		if d.Resolver != nil {
			registerResolve(r, d)
		}
		if d.Prefetch != nil {
			registerPrefetch(r, d)
		}
		if d.Quota != nil {
			registerQuota(r, d)
		}
		if d.Cache != nil {
			registerCache(r, d)
		}
	})
}

type errorBody struct {
	Error   string   `json:"error"`
	Detail  string   `json:"detail,omitempty"`
	Missing []string `json:"missing,omitempty"`
}

func writeError(w http.ResponseWriter, req *http.Request, status int, code, detail string) {
	render.Status(req, status)
	render.JSON(w, req, errorBody{Error: code, Detail: detail})
}

// writeFailure maps service errors onto status codes.
func writeFailure(w http.ResponseWriter, req *http.Request, log *logrus.Entry, err error) {
	var idErr *model.IdentityError
	switch {
	case errors.As(err, &idErr):
		render.Status(req, http.StatusBadRequest)
		render.JSON(w, req, errorBody{Error: "address_required", Detail: err.Error(), Missing: idErr.Missing})
	case errors.Is(err, valuation.ErrUnknownDepth):
		writeError(w, req, http.StatusBadRequest, "invalid_depth", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, req, http.StatusGatewayTimeout, "timeout", err.Error())
	case errors.Is(err, context.Canceled):
		// client went away; nobody reads this
		writeError(w, req, 499, "canceled", err.Error())
	default:
		logger.FromContext(req.Context(), log).WithError(err).Error("request failed")
		writeError(w, req, http.StatusInternalServerError, "internal", "unexpected error")
	}
}

// validationDetail flattens validator errors into "field: tag" pairs.
func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	out := ""
	for i, fe := range verrs {
		if i > 0 {
			out += "; "
		}
		out += fe.Field() + ": " + fe.Tag()
	}
	return out
}
