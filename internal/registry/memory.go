package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ambulance-dispatch/internal/errs"
	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/lifecycle"
	"github.com/example/ambulance-dispatch/internal/models"
)

// MemoryRegistry keeps requests in process. A single mutex makes every
// transition an atomic compare-and-swap on status.
type MemoryRegistry struct {
	mu               sync.RWMutex
	requests         map[string]models.Request
	activeByPatient  map[string]string
	acceptedByDriver map[string]string

	now   func() time.Time
	newID func() string
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		requests:         make(map[string]models.Request),
		activeByPatient:  make(map[string]string),
		acceptedByDriver: make(map[string]string),
		now:              time.Now,
		newID:            uuid.NewString,
	}
}

func (m *MemoryRegistry) Create(_ context.Context, in models.NewRequest) (models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := lifecycle.GuardCreate(m.lookup(m.activeByPatient, in.PatientID)); err != nil {
		return models.Request{}, err
	}
	req, err := lifecycle.New(m.newID(), in, m.now())
	if err != nil {
		return models.Request{}, err
	}
	m.requests[req.ID] = req
	m.activeByPatient[req.PatientID] = req.ID
	return req, nil
}

func (m *MemoryRegistry) Accept(_ context.Context, requestID, driverID string, etaMinutes int) (models.Request, error) {
	return m.transition(requestID, lifecycle.Transition{
		Event:                   lifecycle.EventAccept,
		Actor:                   models.Identity{ID: driverID, Role: models.RoleDriver},
		EstimatedArrivalMinutes: etaMinutes,
	})
}

func (m *MemoryRegistry) Complete(_ context.Context, requestID, driverID, hospitalID string) (models.Request, error) {
	return m.transition(requestID, lifecycle.Transition{
		Event:      lifecycle.EventComplete,
		Actor:      models.Identity{ID: driverID, Role: models.RoleDriver},
		HospitalID: hospitalID,
	})
}

func (m *MemoryRegistry) Cancel(_ context.Context, requestID, patientID string) (models.Request, error) {
	return m.transition(requestID, lifecycle.Transition{
		Event: lifecycle.EventCancel,
		Actor: models.Identity{ID: patientID, Role: models.RolePatient},
	})
}

func (m *MemoryRegistry) transition(requestID string, t lifecycle.Transition) (models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return models.Request{}, errs.NotFound("request %s", requestID)
	}
	next, err := lifecycle.Apply(req, t, m.now())
	if err != nil {
		return models.Request{}, err
	}
	if t.Event == lifecycle.EventAccept {
		if err := lifecycle.GuardAccept(m.lookup(m.acceptedByDriver, t.Actor.ID), requestID); err != nil {
			return models.Request{}, err
		}
	}

	m.requests[requestID] = next
	switch next.Status {
	case models.StatusAccepted:
		m.acceptedByDriver[next.DriverID] = next.ID
	case models.StatusCompleted, models.StatusCancelled:
		delete(m.activeByPatient, next.PatientID)
		if req.DriverID != "" && m.acceptedByDriver[req.DriverID] == req.ID {
			delete(m.acceptedByDriver, req.DriverID)
		}
	}
	return next, nil
}

func (m *MemoryRegistry) lookup(index map[string]string, key string) *models.Request {
	id, ok := index[key]
	if !ok {
		return nil
	}
	req, ok := m.requests[id]
	if !ok {
		return nil
	}
	return &req
}

func (m *MemoryRegistry) GetActive(_ context.Context, who models.Identity) (*models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch who.Role {
	case models.RolePatient:
		return m.lookup(m.activeByPatient, who.ID), nil
	case models.RoleDriver:
		return m.lookup(m.acceptedByDriver, who.ID), nil
	default:
		return nil, errs.Validation("unknown role %q", who.Role)
	}
}

func (m *MemoryRegistry) GetByID(_ context.Context, id string) (models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return models.Request{}, errs.NotFound("request %s", id)
	}
	return req, nil
}

func (m *MemoryRegistry) ListPending(_ context.Context, near models.Coord, radiusMeters float64, limit int) ([]models.Request, error) {
	if err := near.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]models.Request, 0)
	for _, req := range m.requests {
		if req.Status != models.StatusPending {
			continue
		}
		if radiusMeters > 0 && geo.Distance(near, req.Location) > radiusMeters {
			continue
		}
		out = append(out, req)
	}
	m.mu.RUnlock()
	return closestFirst(out, near, limit), nil
}

func (m *MemoryRegistry) History(_ context.Context, who models.Identity) ([]models.Request, error) {
	m.mu.RLock()
	out := make([]models.Request, 0)
	for _, req := range m.requests {
		if (who.Role == models.RolePatient && req.PatientID == who.ID) ||
			(who.Role == models.RoleDriver && req.DriverID == who.ID) {
			out = append(out, req)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func closestFirst(reqs []models.Request, near models.Coord, limit int) []models.Request {
	sort.SliceStable(reqs, func(i, j int) bool {
		return geo.Distance(near, reqs[i].Location) < geo.Distance(near, reqs[j].Location)
	})
	if limit > 0 && len(reqs) > limit {
		reqs = reqs[:limit]
	}
	return reqs
}
