// Package registry is the authoritative store of request lifecycle state.
// Every durable transition goes through a Registry and is decided there with
// compare-and-swap semantics; the hub only re-broadcasts what a Registry
// confirmed.
package registry

import (
	"context"

	"github.com/example/ambulance-dispatch/internal/models"
)

// Reader is the read side clients use to reconcile after (re)connecting.
type Reader interface {
	// GetActive returns the caller's non-terminal request, or nil. For a
	// patient that is a pending or accepted request they own; for a driver the
	// accepted request they are bound to.
	GetActive(ctx context.Context, who models.Identity) (*models.Request, error)
	GetByID(ctx context.Context, id string) (models.Request, error)
	// ListPending returns pending requests within radiusMeters of near,
	// closest first.
	ListPending(ctx context.Context, near models.Coord, radiusMeters float64, limit int) ([]models.Request, error)
}

type Registry interface {
	Reader
	// Create fails with errs.ErrConflict if the patient already has an active request.
	Create(ctx context.Context, in models.NewRequest) (models.Request, error)
	// Accept is the single arbitration point between competing drivers.
	Accept(ctx context.Context, requestID, driverID string, etaMinutes int) (models.Request, error)
	Complete(ctx context.Context, requestID, driverID, hospitalID string) (models.Request, error)
	Cancel(ctx context.Context, requestID, patientID string) (models.Request, error)
	// History lists every request the identity took part in, newest first.
	History(ctx context.Context, who models.Identity) ([]models.Request, error)
}
