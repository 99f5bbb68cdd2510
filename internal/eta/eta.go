package eta

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/models"
)

// Client is a directions capability returning drive time in seconds.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Estimator suggests an arrival time for a driver looking at an advisory.
// The driver still chooses the committed estimatedArrivalMinutes on accept.
type Estimator struct {
	client   Client // optional OSRM client
	cache    *cache.Cache
	speedMps float64
}

func NewEstimator(client Client, ttl time.Duration, speedMps float64) *Estimator {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Estimator{client: client, cache: cache.New(ttl, 2*ttl), speedMps: speedMps}
}

// cache key rounded to ~100m so neighbouring pings share entries
func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.3f,%.3f", c.Lat, c.Lng)
}

// SuggestMinutes returns a whole number of minutes, at least one.
func (e *Estimator) SuggestMinutes(ctx context.Context, from, to models.Coord) int {
	return toMinutes(e.seconds(ctx, from, to))
}

func (e *Estimator) seconds(ctx context.Context, from, to models.Coord) float64 {
	k := keyFor(from, to)
	if v, ok := e.cache.Get(k); ok {
		return v.(float64)
	}
	var sec float64
	if e.client != nil {
		if v, err := e.client.EstimateSeconds(ctx, from, to); err == nil {
			sec = v
		}
	}
	if sec == 0 {
		// fallback to naive estimator
		sec = EstimateSeconds(from, to, e.speedMps)
	}
	e.cache.SetDefault(k, sec)
	return sec
}

// Naive ETA: distance / speed_mps. In prod use a routing engine.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	return geo.Distance(from, to) / speedMps
}

func toMinutes(sec float64) int {
	m := int(math.Ceil(sec / 60))
	if m < 1 {
		return 1
	}
	return m
}
