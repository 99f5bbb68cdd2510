package geo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := Haversine(0, 0, 1, 0)
	assert.InDelta(t, 111195, d, 50)
}

func TestNearbyFiltersRadiusAndAvailability(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	center := models.Coord{Lat: 12.9716, Lng: 77.5946}

	require.NoError(t, idx.Upsert(ctx, models.Presence{DriverID: "near", LastKnown: &models.Coord{Lat: 12.975, Lng: 77.595}, Available: true}))
	require.NoError(t, idx.Upsert(ctx, models.Presence{DriverID: "nearer", LastKnown: &models.Coord{Lat: 12.9717, Lng: 77.5946}, Available: true}))
	require.NoError(t, idx.Upsert(ctx, models.Presence{DriverID: "far", LastKnown: &models.Coord{Lat: 13.5, Lng: 77.5946}, Available: true}))
	require.NoError(t, idx.Upsert(ctx, models.Presence{DriverID: "off", LastKnown: &models.Coord{Lat: 12.9716, Lng: 77.5946}, Available: false}))
	require.NoError(t, idx.Upsert(ctx, models.Presence{DriverID: "nowhere", Available: true}))

	got, err := idx.Nearby(ctx, center, 5000, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, p := range got {
		ids = append(ids, p.DriverID)
	}
	assert.Equal(t, []string{"nearer", "near"}, ids)

	got, err = idx.Nearby(ctx, center, 5000, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "nearer", got[0].DriverID)
}

func TestUpsertKeepsLastKnownWhenOnlyAvailabilityChanges(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	loc := models.Coord{Lat: 1, Lng: 1}
	require.NoError(t, idx.Upsert(ctx, models.Presence{DriverID: "d1", LastKnown: &loc, Available: false}))
	require.NoError(t, idx.Upsert(ctx, models.Presence{DriverID: "d1", Available: true}))

	got, err := idx.Nearby(ctx, loc, 100, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, loc, *got[0].LastKnown)

	require.NoError(t, idx.Remove(ctx, "d1"))
	got, err = idx.Nearby(ctx, loc, 100, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}
