package hub

import (
	"context"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
)

// Run ticks the staleness monitor until ctx is cancelled. Each tick flags
// bound drivers whose last fix is older than StaleAfter to their patient and
// forgets terminal requests past TerminalRetention. Throttled fixes still held
// are relayed on the same tick.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.opts.StaleCheckInterval)
	defer ticker.Stop()
	h.logger.Info("staleness monitor started", "interval", h.opts.StaleCheckInterval, "stale_after", h.opts.StaleAfter)
	for {
		select {
		case <-ticker.C:
			h.Sweep()
		case <-ctx.Done():
			h.logger.Info("staleness monitor stopping")
			return nil
		}
	}
}

type notice struct {
	peer *Peer
	ev   models.Event
}

// Sweep runs one monitor pass.
func (h *Hub) Sweep() {
	now := h.now()
	var notices []notice

	h.mu.Lock()
	for _, b := range h.bindings {
		if b.unrelayed && b.lastFix != nil {
			b.unrelayed = false
			coord := b.lastFix.Coord
			notices = append(notices, notice{peer: h.peer(patientOf(b.patientID)), ev: models.Event{
				Type:       models.EventDriverLocationUpdate,
				RequestID:  b.requestID,
				DriverID:   b.driverID,
				Location:   &coord,
				LocationAt: b.lastFix.At.UTC(),
			}})
		}
		if b.stale || now.Sub(b.lastSeen) < h.opts.StaleAfter {
			continue
		}
		b.stale = true
		observability.StaleDrivers.Inc()
		ev := models.Event{
			Type:      models.EventDriverLocationStale,
			RequestID: b.requestID,
			DriverID:  b.driverID,
		}
		if b.lastFix != nil {
			coord := b.lastFix.Coord
			ev.Location = &coord
			ev.LocationAt = b.lastFix.At.UTC()
		}
		notices = append(notices, notice{peer: h.peer(patientOf(b.patientID)), ev: ev})
	}
	for id, w := range h.watermarks {
		if !w.terminalAt.IsZero() && now.Sub(w.terminalAt) > h.opts.TerminalRetention {
			delete(h.watermarks, id)
		}
	}
	for id, at := range h.misses {
		if now.Sub(at) >= h.opts.StaleAfter {
			delete(h.misses, id)
		}
	}
	// presence fed only by the ingest route, never by a live session
	for id, d := range h.drivers {
		if h.peer(driverOf(id)) == nil && now.Sub(d.LastSeenAt) > h.opts.TerminalRetention {
			delete(h.drivers, id)
		}
	}
	h.mu.Unlock()

	for _, n := range notices {
		if n.ev.Type == models.EventDriverLocationStale {
			h.logger.Warn("driver location stale", "request_id", n.ev.RequestID, "driver_id", n.ev.DriverID)
		}
		h.deliver(n.peer, n.ev)
	}
}
