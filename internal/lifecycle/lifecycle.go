// Package lifecycle is the request state machine shared by every registry
// implementation. It is pure: Apply returns a new Request and never touches
// its input, so a failed guard leaves no partial mutation behind.
//
//	pending --accept--> accepted --complete--> completed
//	   |                   |
//	   +------cancel-------+----------------> cancelled
package lifecycle

import (
	"strings"
	"time"

	"github.com/example/ambulance-dispatch/internal/errs"
	"github.com/example/ambulance-dispatch/internal/models"
)

type Event string

const (
	EventCreate   Event = "create"
	EventAccept   Event = "accept"
	EventComplete Event = "complete"
	EventCancel   Event = "cancel"
)

var transitionMap = map[Event][]models.Status{
	EventAccept:   {models.StatusPending},
	EventComplete: {models.StatusAccepted},
	EventCancel:   {models.StatusPending, models.StatusAccepted},
}

var targets = map[Event]models.Status{
	EventCreate:   models.StatusPending,
	EventAccept:   models.StatusAccepted,
	EventComplete: models.StatusCompleted,
	EventCancel:   models.StatusCancelled,
}

// ValidTransition reports whether event may fire from the given status.
func ValidTransition(event Event, from models.Status) bool {
	for _, status := range transitionMap[event] {
		if status == from {
			return true
		}
	}
	return false
}

// Target is the status an event leads to.
func Target(event Event) models.Status { return targets[event] }

// Transition is one attempted edge, carrying the caller and the event data.
type Transition struct {
	Event                   Event
	Actor                   models.Identity
	EstimatedArrivalMinutes int
	HospitalID              string
}

func IsOwningPatient(actor models.Identity, req models.Request) bool {
	return actor.Role == models.RolePatient && actor.ID != "" && actor.ID == req.PatientID
}

func IsBoundDriver(actor models.Identity, req models.Request) bool {
	return actor.Role == models.RoleDriver && actor.ID != "" && actor.ID == req.DriverID
}

// New validates a create call and builds the pending request.
func New(id string, in models.NewRequest, now time.Time) (models.Request, error) {
	if strings.TrimSpace(in.PatientID) == "" {
		return models.Request{}, errs.Validation("patient id is required")
	}
	if err := in.Location.Validate(); err != nil {
		return models.Request{}, err
	}
	if strings.TrimSpace(in.EmergencyType) == "" {
		return models.Request{}, errs.Validation("emergency type is required")
	}
	return models.Request{
		ID:             id,
		PatientID:      in.PatientID,
		Status:         models.StatusPending,
		Location:       in.Location,
		EmergencyType:  in.EmergencyType,
		AdditionalInfo: in.AdditionalInfo,
		Version:        1,
		CreatedAt:      now.UTC(),
	}, nil
}

// GuardCreate rejects a create while the patient still has an active request.
func GuardCreate(existing *models.Request) error {
	if existing != nil && existing.Status.Active() {
		return errs.Conflict("patient already has active request %s", existing.ID)
	}
	return nil
}

// GuardAccept rejects an accept while the driver is bound to another accepted request.
func GuardAccept(driverActive *models.Request, requestID string) error {
	if driverActive != nil && driverActive.Status == models.StatusAccepted && driverActive.ID != requestID {
		return errs.Conflict("driver already bound to request %s", driverActive.ID)
	}
	return nil
}

// Check runs the per-request guards of t against req without building the
// next state. Authorization is checked before status so a stranger touching a
// finished request sees Forbidden rather than Conflict.
func Check(req models.Request, t Transition) error {
	switch t.Event {
	case EventAccept:
		if t.Actor.Role != models.RoleDriver || t.Actor.ID == "" {
			return errs.Forbidden("only drivers may accept requests")
		}
		if t.EstimatedArrivalMinutes <= 0 {
			return errs.Validation("estimated arrival minutes must be positive")
		}
	case EventComplete:
		if t.Actor.Role != models.RoleDriver || (req.DriverID != "" && !IsBoundDriver(t.Actor, req)) {
			return errs.Forbidden("request %s is not bound to this driver", req.ID)
		}
		if strings.TrimSpace(t.HospitalID) == "" {
			return errs.Validation("hospital id is required")
		}
	case EventCancel:
		if !IsOwningPatient(t.Actor, req) {
			return errs.Forbidden("request %s is not owned by this patient", req.ID)
		}
	default:
		return errs.Validation("unknown transition %q", t.Event)
	}
	if req.Status.Terminal() {
		return errs.Conflict("request %s is already %s", req.ID, req.Status)
	}
	if !ValidTransition(t.Event, req.Status) {
		return errs.Conflict("cannot %s request %s in status %s", t.Event, req.ID, req.Status)
	}
	return nil
}

// Apply returns the request after t, or the guard error with req unchanged.
func Apply(req models.Request, t Transition, now time.Time) (models.Request, error) {
	if err := Check(req, t); err != nil {
		return req, err
	}
	at := monotonic(req, now.UTC())
	next := req
	next.Status = Target(t.Event)
	next.Version = req.Version + 1
	switch t.Event {
	case EventAccept:
		next.DriverID = t.Actor.ID
		next.EstimatedArrivalMinutes = t.EstimatedArrivalMinutes
		next.AcceptedAt = &at
	case EventComplete:
		next.HospitalID = t.HospitalID
		next.CompletedAt = &at
	case EventCancel:
		// a cancelled request has no bound driver
		next.DriverID = ""
		next.CancelledAt = &at
	}
	return next, nil
}

// monotonic keeps transition timestamps non-decreasing even if the wall clock
// steps backwards between transitions.
func monotonic(req models.Request, now time.Time) time.Time {
	last := req.CreatedAt
	if req.AcceptedAt != nil && req.AcceptedAt.After(last) {
		last = *req.AcceptedAt
	}
	if now.Before(last) {
		return last
	}
	return now
}
