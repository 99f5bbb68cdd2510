// Package hub is the in-memory coordination point of the location channel.
// It binds identities to live connections, fans registry-confirmed
// transitions out to the right peers and relays driver locations to the bound
// patient. It never originates a durable transition.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/ambulance-dispatch/internal/errs"
	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
)

// Conn is the write side of one transport connection. *websocket.Conn
// satisfies it.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// RequestGetter is the registry read the hub falls back on when it has no
// cached binding for a request, e.g. after a restart.
type RequestGetter interface {
	GetByID(ctx context.Context, id string) (models.Request, error)
}

// Estimator suggests arrival minutes for an advisory.
type Estimator interface {
	SuggestMinutes(ctx context.Context, from, to models.Coord) int
}

type Options struct {
	AdvisoryRadiusMeters float64
	AdvisoryLimit        int
	StaleAfter           time.Duration
	StaleCheckInterval   time.Duration
	TerminalRetention    time.Duration
	LocationRate         rate.Limit
	LocationBurst        int
	Estimator            Estimator
}

func (o Options) withDefaults() Options {
	if o.AdvisoryRadiusMeters <= 0 {
		o.AdvisoryRadiusMeters = 5000
	}
	if o.AdvisoryLimit <= 0 {
		o.AdvisoryLimit = 20
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 30 * time.Second
	}
	if o.StaleCheckInterval <= 0 {
		o.StaleCheckInterval = 5 * time.Second
	}
	if o.TerminalRetention <= 0 {
		o.TerminalRetention = 10 * time.Minute
	}
	if o.LocationRate <= 0 {
		o.LocationRate = rate.Limit(2)
	}
	if o.LocationBurst <= 0 {
		o.LocationBurst = 4
	}
	return o
}

// Peer is one live connection bound to an identity.
type Peer struct {
	identity models.Identity
	conn     Conn
	gen      uint64

	mu     sync.Mutex // serializes writes on conn
	closed bool
}

func (p *Peer) Identity() models.Identity { return p.identity }

func (p *Peer) send(ev models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errs.Transport(errPeerClosed)
	}
	if err := p.conn.WriteJSON(ev); err != nil {
		return errs.Transport(err)
	}
	return nil
}

func (p *Peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	_ = p.conn.Close()
}

type driverState struct {
	models.Presence
	fixAt   time.Time
	limiter *rate.Limiter
}

// binding is an accepted request as the hub knows it.
type binding struct {
	requestID string
	patientID string
	driverID  string
	lastFix   *models.LocationFix
	lastSeen  time.Time
	stale     bool
	unrelayed bool // lastFix arrived throttled; the next sweep relays it
}

type watermark struct {
	version    int64
	terminalAt time.Time
}

type Hub struct {
	mu            sync.RWMutex
	gen           uint64
	peers         map[string]*Peer               // identity key -> live peer
	advisories    map[string]map[string]struct{} // request -> drivers advised
	bindings      map[string]*binding            // request -> accepted binding
	driverBinding map[string]string              // driver -> accepted request
	drivers       map[string]*driverState        // driver presence
	watermarks    map[string]watermark           // request -> last delivered version
	misses        map[string]time.Time           // request -> failed binding lookup

	seq      *keyedMutex
	registry RequestGetter
	geo      geo.Geo
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

func New(registry RequestGetter, g geo.Geo, opts Options, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		peers:         make(map[string]*Peer),
		advisories:    make(map[string]map[string]struct{}),
		bindings:      make(map[string]*binding),
		driverBinding: make(map[string]string),
		drivers:       make(map[string]*driverState),
		watermarks:    make(map[string]watermark),
		misses:        make(map[string]time.Time),
		seq:           newKeyedMutex(),
		registry:      registry,
		geo:           g,
		opts:          opts.withDefaults(),
		logger:        logger.With("component", "hub"),
		now:           time.Now,
	}
}

// Register binds conn to identity. A live connection already bound to the
// same identity is superseded and closed.
func (h *Hub) Register(identity models.Identity, conn Conn) *Peer {
	h.mu.Lock()
	h.gen++
	p := &Peer{identity: identity, conn: conn, gen: h.gen}
	old := h.peers[identity.Key()]
	h.peers[identity.Key()] = p
	if identity.Role == models.RoleDriver {
		h.driverLocked(identity.ID)
	}
	h.mu.Unlock()

	if old != nil {
		h.logger.Info("session superseded", "identity", identity.ID, "role", identity.Role)
		old.close()
	} else {
		observability.HubSessions.WithLabelValues(string(identity.Role)).Inc()
	}
	return p
}

// Unregister removes p's binding if it is still the live one for its
// identity. A superseded peer tearing down never evicts its successor.
// Request state is untouched: an accepted request survives a disconnect.
func (h *Hub) Unregister(p *Peer) {
	p.close()
	h.mu.Lock()
	current, ok := h.peers[p.identity.Key()]
	if !ok || current.gen != p.gen {
		h.mu.Unlock()
		return
	}
	delete(h.peers, p.identity.Key())
	isDriver := p.identity.Role == models.RoleDriver
	if isDriver {
		delete(h.drivers, p.identity.ID)
		for _, advised := range h.advisories {
			delete(advised, p.identity.ID)
		}
	}
	h.mu.Unlock()

	observability.HubSessions.WithLabelValues(string(p.identity.Role)).Dec()
	if isDriver && h.geo != nil {
		if err := h.geo.Remove(context.Background(), p.identity.ID); err != nil {
			h.logger.Warn("geo remove failed", "driver_id", p.identity.ID, "error", err)
		}
	}
}

// Disconnect drops whatever connection is bound to identity.
func (h *Hub) Disconnect(identity models.Identity) {
	h.mu.RLock()
	p := h.peers[identity.Key()]
	h.mu.RUnlock()
	if p != nil {
		h.Unregister(p)
	}
}

// Connected reports whether identity has a live session.
func (h *Hub) Connected(identity models.Identity) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.peers[identity.Key()]
	return ok
}

// Presence returns the ephemeral view of a connected driver.
func (h *Hub) Presence(driverID string) (models.Presence, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d, ok := h.drivers[driverID]
	if !ok {
		return models.Presence{}, false
	}
	return d.Presence, true
}

// Advised lists the drivers currently holding an advisory for requestID.
func (h *Hub) Advised(requestID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.advisories[requestID]))
	for id := range h.advisories[requestID] {
		out = append(out, id)
	}
	return out
}

// driverLocked returns the presence record, creating it on first sight.
// Caller holds h.mu.
func (h *Hub) driverLocked(driverID string) *driverState {
	d, ok := h.drivers[driverID]
	if !ok {
		d = &driverState{
			Presence: models.Presence{DriverID: driverID, Available: true},
			limiter:  rate.NewLimiter(h.opts.LocationRate, h.opts.LocationBurst),
		}
		h.drivers[driverID] = d
	}
	return d
}

// advance records req.Version as delivered and reports whether it is newer
// than anything delivered before for the request.
func (h *Hub) advance(req models.Request) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	w := h.watermarks[req.ID]
	if req.Version <= w.version {
		return false
	}
	w.version = req.Version
	if req.Status.Terminal() {
		w.terminalAt = h.now()
	}
	h.watermarks[req.ID] = w
	return true
}

func (h *Hub) peer(identity models.Identity) *Peer {
	return h.peers[identity.Key()]
}

func patientOf(id string) models.Identity { return models.Identity{ID: id, Role: models.RolePatient} }

func driverOf(id string) models.Identity { return models.Identity{ID: id, Role: models.RoleDriver} }

// Reply sends ev to p alone, serialized with the hub's own writes.
func (h *Hub) Reply(p *Peer, ev models.Event) { h.deliver(p, ev) }

// deliver writes ev to p. Failures are logged and counted; the caller's
// transition already committed and reconnecting peers reconcile.
func (h *Hub) deliver(p *Peer, ev models.Event) {
	if p == nil {
		observability.HubDeliveries.WithLabelValues(ev.Type, "offline").Inc()
		return
	}
	ev.SentAt = h.now().UTC()
	if err := p.send(ev); err != nil {
		observability.HubDeliveries.WithLabelValues(ev.Type, "failed").Inc()
		h.logger.Warn("event delivery failed", "type", ev.Type, "identity", p.identity.ID, "role", p.identity.Role, "error", err)
		return
	}
	observability.HubDeliveries.WithLabelValues(ev.Type, "ok").Inc()
}
