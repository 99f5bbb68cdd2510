package hub

import (
	"context"
	"errors"

	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
)

var errPeerClosed = errors.New("peer closed")

// OnRequestCreated advises eligible drivers near a newly pending request.
// A driver is eligible when connected, available and not bound to an
// accepted request.
func (h *Hub) OnRequestCreated(ctx context.Context, req models.Request) {
	if req.Status != models.StatusPending || !h.advance(req) {
		return
	}
	if h.geo == nil {
		return
	}
	nearby, err := h.geo.Nearby(ctx, req.Location, h.opts.AdvisoryRadiusMeters, h.opts.AdvisoryLimit)
	if err != nil {
		h.logger.Warn("nearby lookup failed", "request_id", req.ID, "error", err)
		return
	}

	type target struct {
		peer *Peer
		from *models.Coord
	}
	targets := make([]target, 0, len(nearby))
	h.mu.Lock()
	advised := h.advisories[req.ID]
	if advised == nil {
		advised = make(map[string]struct{})
		h.advisories[req.ID] = advised
	}
	for _, cand := range nearby {
		p := h.peer(driverOf(cand.DriverID))
		d, online := h.drivers[cand.DriverID]
		if p == nil || !online || !d.Available {
			continue
		}
		if _, bound := h.driverBinding[cand.DriverID]; bound {
			continue
		}
		if _, already := advised[cand.DriverID]; already {
			continue
		}
		advised[cand.DriverID] = struct{}{}
		from := d.LastKnown
		if from == nil {
			from = cand.LastKnown
		}
		targets = append(targets, target{peer: p, from: from})
	}
	h.mu.Unlock()

	for _, t := range targets {
		ev := models.Event{
			Type:          models.EventNewRequestAdvisory,
			RequestID:     req.ID,
			Version:       req.Version,
			Request:       &req,
			Location:      &req.Location,
			EmergencyType: req.EmergencyType,
		}
		if h.opts.Estimator != nil && t.from != nil {
			ev.SuggestedETAMinutes = h.opts.Estimator.SuggestMinutes(ctx, *t.from, req.Location)
		}
		h.deliver(t.peer, ev)
		observability.AdvisoriesSent.Inc()
	}
	h.logger.Info("advisories sent", "request_id", req.ID, "drivers", len(targets))
}

// OnRequestAccepted tells the patient who is coming, confirms the win to the
// driver and withdraws the advisory from everyone else.
func (h *Hub) OnRequestAccepted(_ context.Context, req models.Request) {
	if req.Status != models.StatusAccepted || !h.advance(req) {
		return
	}
	h.mu.Lock()
	b := h.bindLocked(req)
	patient := h.peer(patientOf(req.PatientID))
	winner := h.peer(driverOf(req.DriverID))
	losers := h.withdrawLocked(req.ID, req.DriverID)
	if d, ok := h.drivers[req.DriverID]; ok && d.LastKnown != nil {
		b.lastFix = &models.LocationFix{Coord: *d.LastKnown, At: d.fixAt}
	}
	h.mu.Unlock()

	h.deliver(patient, models.Event{
		Type:                    models.EventRequestAccepted,
		RequestID:               req.ID,
		Version:                 req.Version,
		Request:                 &req,
		DriverID:                req.DriverID,
		EstimatedArrivalMinutes: req.EstimatedArrivalMinutes,
	})
	h.deliver(winner, models.Event{
		Type:      models.EventAcceptConfirmed,
		RequestID: req.ID,
		Version:   req.Version,
		Request:   &req,
	})
	for _, p := range losers {
		h.deliver(p, models.Event{Type: models.EventAdvisoryWithdrawn, RequestID: req.ID, Version: req.Version})
	}
}

// OnRequestCompleted notifies both parties and releases the binding.
func (h *Hub) OnRequestCompleted(ctx context.Context, req models.Request) {
	h.finish(ctx, req, models.EventRequestCompleted)
}

// OnRequestCancelled notifies both parties. A pending cancel also withdraws
// every outstanding advisory.
func (h *Hub) OnRequestCancelled(ctx context.Context, req models.Request) {
	h.finish(ctx, req, models.EventRequestCancelled)
}

func (h *Hub) finish(_ context.Context, req models.Request, eventType string) {
	if !req.Status.Terminal() || !h.advance(req) {
		return
	}
	h.mu.Lock()
	driverID := req.DriverID
	if b, ok := h.bindings[req.ID]; ok {
		// cancel clears the driver on the record; the binding still knows
		driverID = b.driverID
		if b.stale {
			observability.StaleDrivers.Dec()
		}
		delete(h.bindings, req.ID)
		if h.driverBinding[b.driverID] == req.ID {
			delete(h.driverBinding, b.driverID)
		}
	}
	patient := h.peer(patientOf(req.PatientID))
	var driver *Peer
	if driverID != "" {
		driver = h.peer(driverOf(driverID))
	}
	withdrawn := h.withdrawLocked(req.ID, "")
	h.mu.Unlock()

	ev := models.Event{
		Type:       eventType,
		RequestID:  req.ID,
		Version:    req.Version,
		Request:    &req,
		DriverID:   driverID,
		HospitalID: req.HospitalID,
	}
	h.deliver(patient, ev)
	if driver != nil {
		h.deliver(driver, ev)
	}
	for _, p := range withdrawn {
		h.deliver(p, models.Event{Type: models.EventAdvisoryWithdrawn, RequestID: req.ID, Version: req.Version})
	}
}

// bindLocked records an accepted request. Caller holds h.mu.
func (h *Hub) bindLocked(req models.Request) *binding {
	b, ok := h.bindings[req.ID]
	if ok {
		return b
	}
	b = &binding{
		requestID: req.ID,
		patientID: req.PatientID,
		driverID:  req.DriverID,
		lastSeen:  h.now(),
	}
	h.bindings[req.ID] = b
	h.driverBinding[req.DriverID] = req.ID
	delete(h.misses, req.ID)
	return b
}

// withdrawLocked clears the advisory set of requestID and returns the live
// peers of every advised driver except keep. Caller holds h.mu.
func (h *Hub) withdrawLocked(requestID, keep string) []*Peer {
	advised := h.advisories[requestID]
	delete(h.advisories, requestID)
	out := make([]*Peer, 0, len(advised))
	for driverID := range advised {
		if driverID == keep {
			continue
		}
		if p := h.peer(driverOf(driverID)); p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Reconcile seeds the hub from a registry snapshot, e.g. an accepted request
// found when a session reconnects after a restart.
func (h *Hub) Reconcile(req models.Request) {
	if req.Status != models.StatusAccepted || req.DriverID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	// the accept event itself may still be on its way; leave the watermark to it
	if h.watermarks[req.ID].version > req.Version {
		return
	}
	h.bindLocked(req)
}
