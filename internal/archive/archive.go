// Package archive drains the event bus into durable storage: raw provider
// payloads for audit and each resolved valuation.
package archive

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/valuation-api/internal/events"
	"github.com/yourorg/valuation-api/internal/store"
)

// Sink is the storage side; *store.Store satisfies it.
type Sink interface {
	SaveSnapshot(ctx context.Context, in store.SnapshotInput) error
	SaveValuation(ctx context.Context, in store.ValuationInput) (string, error)
}

type Worker struct {
	Sink    Sink
	Pub     events.Publisher
	Log     *logrus.Entry
	Timeout time.Duration
}

func (w *Worker) Enabled() bool { return w != nil && w.Sink != nil && w.Pub != nil }

// Run consumes events until ctx is done. Storage errors are logged and the
// event dropped.
func (w *Worker) Run(ctx context.Context) {
	if !w.Enabled() {
		return
	}
	raw := w.Pub.SubscribeRawFetched()
	vals := w.Pub.SubscribeValuationResolved()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-raw:
			w.handleRaw(ctx, evt)
		case evt := <-vals:
			w.handleValuation(ctx, evt)
		}
	}
}

func (w *Worker) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	t := w.Timeout
	if t <= 0 {
		t = 5 * time.Second
	}
	return context.WithTimeout(ctx, t)
}

func (w *Worker) handleRaw(ctx context.Context, evt events.RawFetched) {
	opCtx, cancel := w.opCtx(ctx)
	defer cancel()
	err := w.Sink.SaveSnapshot(opCtx, store.SnapshotInput{
		PropertyKey: evt.PropertyKey,
		Provider:    evt.ProviderID,
		Endpoint:    evt.Endpoint,
		RequestType: string(evt.Type),
		Status:      evt.Status,
		Payload:     evt.Body,
		FetchedAt:   evt.FetchedAt,
	})
	if err != nil {
		w.Log.WithError(err).WithFields(logrus.Fields{"provider": evt.ProviderID, "type": evt.Type}).Warn("archive snapshot failed")
	}
}

func (w *Worker) handleValuation(ctx context.Context, evt events.ValuationResolved) {
	in := store.ValuationInput{
		ID: evt.ID,
		Property: store.PropertyInput{
			PropertyKey: evt.PropertyKey,
			Address1:    evt.Identity.Address,
			City:        evt.Identity.City,
			State:       evt.Identity.State,
			Zip:         evt.Identity.Zip,
		},
		Depth:            evt.Depth,
		ProvidersUsed:    evt.ProvidersUsed,
		CacheHits:        evt.CacheHits,
		InsufficientData: evt.InsufficientData,
		Warnings:         evt.Warnings,
		ResolvedAt:       evt.ResolvedAt,
	}
	if evt.Valuation != nil {
		in.ARV = store.NullFloat(evt.Valuation.ARV)
		in.Confidence = store.NullFloat(evt.Valuation.ConfidenceScore)
		in.Methodology = store.NullString(evt.Valuation.Methodology)
		in.Sources = evt.Valuation.Sources
	}
	if evt.Validation != nil {
		in.Validation = evt.Validation
	}
	opCtx, cancel := w.opCtx(ctx)
	defer cancel()
	pid, err := w.Sink.SaveValuation(opCtx, in)
	if err != nil {
		w.Log.WithError(err).WithField("valuation", evt.ID).Warn("archive valuation failed")
		return
	}
	w.Log.WithFields(logrus.Fields{"valuation": evt.ID, "property": pid}).Debug("valuation archived")
}
