package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/example/ambulance-dispatch/internal/errs"
	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/hub"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/registry"
)

type recordingConn struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *recordingConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, v.(models.Event))
	return nil
}

func (c *recordingConn) Close() error { return nil }

func (c *recordingConn) count(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

type recordingPublisher struct {
	mu        sync.Mutex
	lifecycle []string
	locations []models.LocationUpdate
}

func (p *recordingPublisher) PublishLocation(_ context.Context, u models.LocationUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locations = append(p.locations, u)
	return nil
}

func (p *recordingPublisher) PublishLifecycle(_ context.Context, eventType string, req models.Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lifecycle = append(p.lifecycle, fmt.Sprintf("%s:%s:%d", eventType, req.Status, req.Version))
	return nil
}

var scene = models.Coord{Lat: 12.9716, Lng: 77.5946}

func newTestService(t *testing.T) (*Service, *hub.Hub, *recordingPublisher) {
	t.Helper()
	h := hub.New(nil, geo.NewIndex(), hub.Options{LocationRate: rate.Inf}, nil)
	reg := registry.NewMemoryRegistry()
	pub := &recordingPublisher{}
	svc := NewService(reg, h, pub, nil)
	return svc, h, pub
}

func driverAt(t *testing.T, svc *Service, h *hub.Hub, id string) *recordingConn {
	t.Helper()
	c := &recordingConn{}
	h.Register(models.Identity{ID: id, Role: models.RoleDriver}, c)
	_, err := svc.UpdateLocation(context.Background(), id, models.LocationFix{Coord: scene, At: time.Now()}, "")
	require.NoError(t, err)
	return c
}

func TestLifecycleIsPublishedInCommitOrder(t *testing.T) {
	ctx := context.Background()
	svc, h, pub := newTestService(t)
	driverAt(t, svc, h, "d1")

	req, err := svc.Create(ctx, models.NewRequest{PatientID: "p1", Location: scene, EmergencyType: "cardiac"})
	require.NoError(t, err)
	_, err = svc.Accept(ctx, req.ID, "d1", 9)
	require.NoError(t, err)
	done, err := svc.Complete(ctx, req.ID, "d1", "h1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)

	assert.Equal(t, []string{"create:pending:1", "accept:accepted:2", "complete:completed:3"}, pub.lifecycle)
}

func TestConcurrentAcceptsEmitOnce(t *testing.T) {
	ctx := context.Background()
	svc, h, _ := newTestService(t)
	patient := &recordingConn{}
	h.Register(models.Identity{ID: "p1", Role: models.RolePatient}, patient)

	const drivers = 8
	conns := make([]*recordingConn, drivers)
	for i := range conns {
		conns[i] = driverAt(t, svc, h, fmt.Sprintf("d%d", i))
	}
	req, err := svc.Create(ctx, models.NewRequest{PatientID: "p1", Location: scene, EmergencyType: "cardiac"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, drivers)
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Accept(ctx, req.ID, fmt.Sprintf("d%d", i), 5)
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, err := range results {
		if err == nil {
			wins++
			assert.Equal(t, 1, conns[i].count(models.EventAcceptConfirmed))
			continue
		}
		assert.ErrorIs(t, err, errs.ErrConflict)
		assert.Equal(t, 0, conns[i].count(models.EventAcceptConfirmed))
		assert.Equal(t, 1, conns[i].count(models.EventAdvisoryWithdrawn))
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, patient.count(models.EventRequestAccepted))
}

func TestRejectedTransitionEmitsNothing(t *testing.T) {
	ctx := context.Background()
	svc, h, pub := newTestService(t)
	patient := &recordingConn{}
	h.Register(models.Identity{ID: "p1", Role: models.RolePatient}, patient)

	req, err := svc.Create(ctx, models.NewRequest{PatientID: "p1", Location: scene, EmergencyType: "fall"})
	require.NoError(t, err)
	_, err = svc.Complete(ctx, req.ID, "d1", "h1")
	assert.Error(t, err)
	_, err = svc.Cancel(ctx, req.ID, "p2")
	assert.ErrorIs(t, err, errs.ErrForbidden)

	assert.Empty(t, patient.events)
	assert.Equal(t, []string{"create:pending:1"}, pub.lifecycle)
}

func TestActiveReseedsLocationRelay(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	first := hub.New(nil, geo.NewIndex(), hub.Options{LocationRate: rate.Inf}, nil)
	svc := NewService(reg, first, nil, nil)
	req, err := svc.Create(ctx, models.NewRequest{PatientID: "p1", Location: scene, EmergencyType: "cardiac"})
	require.NoError(t, err)
	_, err = svc.Accept(ctx, req.ID, "d1", 6)
	require.NoError(t, err)

	// a fresh hub, as after a restart, knows nothing until someone reconciles
	restarted := hub.New(nil, geo.NewIndex(), hub.Options{LocationRate: rate.Inf}, nil)
	svc = NewService(reg, restarted, nil, nil)
	patient := &recordingConn{}
	restarted.Register(models.Identity{ID: "p1", Role: models.RolePatient}, patient)

	active, err := svc.Active(ctx, models.Identity{ID: "p1", Role: models.RolePatient})
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "d1", active.DriverID)
	assert.Equal(t, 6, active.EstimatedArrivalMinutes)

	res, err := svc.UpdateLocation(ctx, "d1", models.LocationFix{Coord: scene, At: time.Now()}, req.ID)
	require.NoError(t, err)
	assert.Equal(t, hub.LocationForwarded, res)
	assert.Equal(t, 1, patient.count(models.EventDriverLocationUpdate))
}

func TestUpdateLocationPublishes(t *testing.T) {
	ctx := context.Background()
	svc, _, pub := newTestService(t)
	at := time.Unix(5_000, 0)

	_, err := svc.UpdateLocation(ctx, "d7", models.LocationFix{Coord: scene, At: at}, "")
	require.NoError(t, err)
	svc.SetAvailability(ctx, "d7", false)

	require.Len(t, pub.locations, 2)
	assert.Equal(t, "d7", pub.locations[0].DriverID)
	assert.True(t, pub.locations[0].Available)
	assert.Equal(t, at, pub.locations[0].At)
	assert.False(t, pub.locations[1].Available)

	_, err = svc.UpdateLocation(ctx, "d7", models.LocationFix{Coord: models.Coord{Lat: -100}}, "")
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.Len(t, pub.locations, 2)
}

func TestActiveRejectsUnknownRole(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Active(context.Background(), models.Identity{ID: "x", Role: "nurse"})
	assert.ErrorIs(t, err, errs.ErrValidation)
}
