package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/ambulance-dispatch/internal/models"
)

// Geo is the driver vicinity index used to pick advisory recipients.
type Geo interface {
	Upsert(ctx context.Context, p models.Presence) error
	Remove(ctx context.Context, driverID string) error
	Nearby(ctx context.Context, center models.Coord, radiusMeters float64, limit int) ([]models.Presence, error)
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Presence
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Presence)}
}

func (g *Index) Upsert(_ context.Context, p models.Presence) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.LastKnown == nil {
		if prev, ok := g.drivers[p.DriverID]; ok {
			p.LastKnown = prev.LastKnown
		}
	}
	g.drivers[p.DriverID] = p
	return nil
}

func (g *Index) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

// naive scan; fine for a single city's fleet
func (g *Index) Nearby(_ context.Context, center models.Coord, radiusMeters float64, limit int) ([]models.Presence, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		p    models.Presence
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, p := range g.drivers {
		if !p.Available || p.LastKnown == nil {
			continue
		}
		dist := Distance(center, *p.LastKnown)
		if radiusMeters > 0 && dist > radiusMeters {
			continue
		}
		arr = append(arr, pair{p, dist})
	}
	sort.Slice(arr, func(i, j int) bool { return arr[i].dist < arr[j].dist })
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.Presence, 0, len(arr))
	for _, a := range arr {
		out = append(out, a.p)
	}
	return out, nil
}

// Distance between two points in meters.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
