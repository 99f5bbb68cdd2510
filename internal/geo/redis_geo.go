package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ambulance-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. Positions live in one
// sorted set; availability and freshness live in a per-driver hash.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Client() *redis.Client { return r.client }

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisGeo) Close() error { return r.client.Close() }

func (r *RedisGeo) Upsert(ctx context.Context, p models.Presence) error {
	if p.LastKnown != nil {
		loc := &redis.GeoLocation{Longitude: p.LastKnown.Lng, Latitude: p.LastKnown.Lat, Name: p.DriverID}
		if err := r.client.GeoAdd(ctx, r.key, loc).Err(); err != nil {
			return err
		}
	}
	return r.client.HSet(ctx, MetaKey(p.DriverID), MetaFields(p)).Err()
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, driverID)
	pipe.Del(ctx, MetaKey(driverID))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) Nearby(ctx context.Context, center models.Coord, radiusMeters float64, limit int) ([]models.Presence, error) {
	q := &redis.GeoRadiusQuery{Radius: radiusMeters, Unit: "m", WithCoord: true, WithDist: true, Sort: "ASC"}
	if limit > 0 {
		// over-fetch; unavailable drivers are filtered below
		q.Count = limit * 2
	}
	res, err := r.client.GeoRadius(ctx, r.key, center.Lng, center.Lat, q).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Presence, 0, len(res))
	for _, g := range res {
		p := models.Presence{DriverID: g.Name, LastKnown: &models.Coord{Lat: g.Latitude, Lng: g.Longitude}}
		m, err := r.client.HGetAll(ctx, MetaKey(g.Name)).Result()
		if err != nil {
			return nil, err
		}
		p.Available = m["available"] == "true"
		if v, ok := m["updated"]; ok {
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				p.LastSeenAt = ts
			}
		}
		if !p.Available {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func MetaKey(id string) string { return "driver:meta:" + id }

// MetaFields is the hash written next to the GEO entry, shared with the
// location consumer so both writers agree on the layout.
func MetaFields(p models.Presence) map[string]interface{} {
	updated := p.LastSeenAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return map[string]interface{}{
		"available": strconv.FormatBool(p.Available),
		"updated":   updated.UTC().Format(time.RFC3339Nano),
	}
}
