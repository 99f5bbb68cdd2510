package hub

import (
	"context"
	"errors"
	"time"

	"github.com/example/ambulance-dispatch/internal/errs"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
)

// LocationResult says what happened to one fix.
type LocationResult string

const (
	LocationForwarded  LocationResult = "forwarded"
	LocationStored     LocationResult = "stored"
	LocationThrottled  LocationResult = "throttled"
	LocationOutOfOrder LocationResult = "out_of_order"
)

// OnLocationUpdate records a driver fix and relays it to the patient bound to
// requestID, if the driver is the one bound to it. Fixes older than the last
// accepted one are dropped. Nobody but the bound patient ever sees it.
// A throttled fix is still recorded when it is the newest; only the relay
// waits, for the next forwarded fix or the next sweep.
func (h *Hub) OnLocationUpdate(ctx context.Context, driverID string, fix models.LocationFix, requestID string) (LocationResult, error) {
	if err := fix.Coord.Validate(); err != nil {
		observability.LocationUpdates.WithLabelValues("invalid").Inc()
		return "", err
	}
	if fix.At.IsZero() {
		fix.At = h.now()
	}

	h.mu.Lock()
	d := h.driverLocked(driverID)
	if !d.limiter.Allow() {
		h.holdLocked(d, driverID, fix, requestID)
		h.mu.Unlock()
		observability.LocationUpdates.WithLabelValues(string(LocationThrottled)).Inc()
		return LocationThrottled, nil
	}
	if fix.At.Before(d.fixAt) {
		h.mu.Unlock()
		observability.LocationUpdates.WithLabelValues(string(LocationOutOfOrder)).Inc()
		return LocationOutOfOrder, nil
	}
	coord := fix.Coord
	d.LastKnown = &coord
	d.fixAt = fix.At
	d.LastSeenAt = h.now()
	snapshot := d.Presence
	_, bound := h.bindings[requestID]
	h.mu.Unlock()

	if h.geo != nil {
		if err := h.geo.Upsert(ctx, snapshot); err != nil {
			h.logger.Warn("geo upsert failed", "driver_id", driverID, "error", err)
		}
	}

	if requestID == "" {
		observability.LocationUpdates.WithLabelValues(string(LocationStored)).Inc()
		return LocationStored, nil
	}
	if !bound {
		h.seedBinding(ctx, requestID)
	}

	h.mu.Lock()
	b, ok := h.bindings[requestID]
	if !ok || b.driverID != driverID {
		h.mu.Unlock()
		observability.LocationUpdates.WithLabelValues(string(LocationStored)).Inc()
		return LocationStored, nil
	}
	if b.lastFix != nil && fix.At.Before(b.lastFix.At) {
		h.mu.Unlock()
		observability.LocationUpdates.WithLabelValues(string(LocationOutOfOrder)).Inc()
		return LocationOutOfOrder, nil
	}
	b.lastFix = &models.LocationFix{Coord: coord, At: fix.At}
	b.lastSeen = h.now()
	b.unrelayed = false
	if b.stale {
		b.stale = false
		observability.StaleDrivers.Dec()
	}
	patient := h.peer(patientOf(b.patientID))
	h.mu.Unlock()

	h.deliver(patient, models.Event{
		Type:       models.EventDriverLocationUpdate,
		RequestID:  requestID,
		DriverID:   driverID,
		Location:   &coord,
		LocationAt: fix.At.UTC(),
	})
	observability.LocationUpdates.WithLabelValues(string(LocationForwarded)).Inc()
	return LocationForwarded, nil
}

// holdLocked keeps a throttled fix as the driver's position, and as the
// binding's pending relay, when it is newer than what is held. The geo index
// catches up on the next fix the limiter lets through. Caller holds h.mu.
func (h *Hub) holdLocked(d *driverState, driverID string, fix models.LocationFix, requestID string) {
	if fix.At.Before(d.fixAt) {
		return
	}
	coord := fix.Coord
	d.LastKnown = &coord
	d.fixAt = fix.At
	d.LastSeenAt = h.now()

	b, ok := h.bindings[requestID]
	if !ok || b.driverID != driverID {
		return
	}
	if b.lastFix != nil && fix.At.Before(b.lastFix.At) {
		return
	}
	b.lastFix = &models.LocationFix{Coord: coord, At: fix.At}
	b.lastSeen = h.now()
	b.unrelayed = true
	if b.stale {
		b.stale = false
		observability.StaleDrivers.Dec()
	}
}

// seedBinding consults the registry for a request the hub has no binding for.
// Lookups that find nothing to bind are not repeated for StaleAfter, and
// requests the hub saw finish are never looked up.
func (h *Hub) seedBinding(ctx context.Context, requestID string) {
	if h.registry == nil {
		return
	}
	now := h.now()
	h.mu.Lock()
	terminal := !h.watermarks[requestID].terminalAt.IsZero()
	missedAt, missed := h.misses[requestID]
	h.mu.Unlock()
	if terminal || (missed && now.Sub(missedAt) < h.opts.StaleAfter) {
		return
	}

	req, err := h.registry.GetByID(ctx, requestID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
	case err != nil:
		// transient; the next fix tries again
		h.logger.Warn("binding lookup failed", "request_id", requestID, "error", err)
		return
	default:
		h.Reconcile(req)
	}

	h.mu.Lock()
	if _, ok := h.bindings[requestID]; !ok {
		h.misses[requestID] = now
	}
	h.mu.Unlock()
}

// SetAvailability flips whether a connected driver receives advisories.
func (h *Hub) SetAvailability(ctx context.Context, driverID string, available bool) models.Presence {
	h.mu.Lock()
	d := h.driverLocked(driverID)
	d.Available = available
	d.LastSeenAt = h.now()
	snapshot := d.Presence
	h.mu.Unlock()

	if h.geo != nil {
		if err := h.geo.Upsert(ctx, snapshot); err != nil {
			h.logger.Warn("geo upsert failed", "driver_id", driverID, "error", err)
		}
	}
	return snapshot
}

// LastFix returns the newest location held for the driver bound to requestID.
func (h *Hub) LastFix(requestID string) (models.LocationFix, time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.bindings[requestID]
	if !ok || b.lastFix == nil {
		return models.LocationFix{}, time.Time{}, false
	}
	return *b.lastFix, b.lastSeen, true
}
