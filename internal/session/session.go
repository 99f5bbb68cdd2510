// Package session holds one connected party's local view: its active
// request, the counterpart's last location and, for drivers, the advisories
// still open. The registry is always the ground truth; Reconcile replaces
// whatever the session believed before.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/example/ambulance-dispatch/internal/models"
)

// Reader is the slice of the registry a session resynchronizes from.
type Reader interface {
	GetActive(ctx context.Context, who models.Identity) (*models.Request, error)
	ListPending(ctx context.Context, near models.Coord, radiusMeters float64, limit int) ([]models.Request, error)
}

type Session struct {
	mu          sync.RWMutex
	identity    models.Identity
	active      *models.Request
	counterpart *models.LocationFix
	stale       bool
	advisories  map[string]models.Request
	logger      *slog.Logger
}

func New(identity models.Identity, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		identity:   identity,
		advisories: make(map[string]models.Request),
		logger:     logger.With("identity", identity.ID, "role", identity.Role),
	}
}

func (s *Session) Identity() models.Identity { return s.identity }

// Reconcile asks the registry for the caller's active request and adopts the
// answer. With nothing active the open advisories are replaced too: by the
// pending list when a driver knows its position, otherwise by nothing. On
// error the local state is left alone.
func (s *Session) Reconcile(ctx context.Context, r Reader, near *models.Coord, radiusMeters float64) error {
	req, err := r.GetActive(ctx, s.identity)
	if err != nil {
		return err
	}
	var pending []models.Request
	if req == nil && s.identity.Role == models.RoleDriver && near != nil {
		if pending, err = r.ListPending(ctx, *near, radiusMeters, 20); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.adoptLocked(req)
	if req != nil {
		return nil
	}
	s.advisories = make(map[string]models.Request, len(pending))
	for _, p := range pending {
		s.advisories[p.ID] = p
	}
	return nil
}

// Adopt replaces the active request. nil clears all request-bound state.
func (s *Session) Adopt(req *models.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adoptLocked(req)
}

func (s *Session) adoptLocked(req *models.Request) {
	if req == nil || req.Status.Terminal() {
		if s.active != nil {
			s.logger.Debug("active request cleared", "request_id", s.active.ID)
		}
		s.active = nil
		s.counterpart = nil
		s.stale = false
		return
	}
	if s.active == nil || s.active.ID != req.ID {
		s.counterpart = nil
		s.stale = false
	}
	cp := *req
	s.active = &cp
	if req.Status == models.StatusAccepted {
		// a bound driver gets no further advisories
		s.advisories = make(map[string]models.Request)
	}
}

// Apply folds one hub event into the session and reports whether it changed
// anything. Events for a request other than the active one are ignored.
func (s *Session) Apply(ev models.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case models.EventNewRequestAdvisory:
		if s.identity.Role != models.RoleDriver || s.active != nil {
			return false
		}
		if _, ok := s.advisories[ev.RequestID]; ok {
			return false
		}
		adv := models.Request{ID: ev.RequestID, Status: models.StatusPending, EmergencyType: ev.EmergencyType, Version: ev.Version}
		if ev.Request != nil {
			adv = *ev.Request
		} else if ev.Location != nil {
			adv.Location = *ev.Location
		}
		s.advisories[ev.RequestID] = adv
		return true

	case models.EventAdvisoryWithdrawn:
		if _, ok := s.advisories[ev.RequestID]; !ok {
			return false
		}
		delete(s.advisories, ev.RequestID)
		return true

	case models.EventRequestCreated, models.EventAcceptConfirmed:
		if ev.Request == nil || ev.Request.ID != ev.RequestID {
			return false
		}
		if s.active != nil && s.active.ID != ev.RequestID {
			return false
		}
		if s.active != nil && ev.Request.Version <= s.active.Version {
			return false
		}
		delete(s.advisories, ev.RequestID)
		s.adoptLocked(ev.Request)
		return true
	}

	if s.active == nil || ev.RequestID != s.active.ID {
		return false
	}
	if ev.Version != 0 && ev.Version < s.active.Version {
		return false
	}

	switch ev.Type {
	case models.EventRequestAccepted:
		if ev.Request != nil {
			s.adoptLocked(ev.Request)
			return true
		}
		s.active.Status = models.StatusAccepted
		s.active.DriverID = ev.DriverID
		s.active.EstimatedArrivalMinutes = ev.EstimatedArrivalMinutes
		if ev.Version > s.active.Version {
			s.active.Version = ev.Version
		}
		return true

	case models.EventRequestCompleted, models.EventRequestCancelled:
		s.adoptLocked(nil)
		return true

	case models.EventDriverLocationUpdate:
		if ev.Location == nil {
			return false
		}
		if s.counterpart != nil && ev.LocationAt.Before(s.counterpart.At) {
			return false
		}
		s.counterpart = &models.LocationFix{Coord: *ev.Location, At: ev.LocationAt}
		s.stale = false
		return true

	case models.EventDriverLocationStale:
		if s.stale {
			return false
		}
		s.stale = true
		return true
	}
	return false
}

// Active returns a copy of the active request, or nil.
func (s *Session) Active() *models.Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return nil
	}
	cp := *s.active
	return &cp
}

func (s *Session) CounterpartLocation() (models.LocationFix, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.counterpart == nil {
		return models.LocationFix{}, false
	}
	return *s.counterpart, true
}

// LocationStale reports whether the hub flagged the bound driver as silent.
func (s *Session) LocationStale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stale
}

// PendingAdvisories lists open advisories, oldest first.
func (s *Session) PendingAdvisories() []models.Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Request, 0, len(s.advisories))
	for _, adv := range s.advisories {
		out = append(out, adv)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
