package registry

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/errs"
	"github.com/example/ambulance-dispatch/internal/models"
)

var columns = []string{"id", "patient_id", "driver_id", "status", "lat", "lng", "emergency_type", "additional_info",
	"eta_minutes", "hospital_id", "version", "created_at", "accepted_at", "completed_at", "cancelled_at"}

func newTestRegistry(t *testing.T) (*PostgresRegistry, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	r := NewPostgresRegistryFromDB(db)
	r.now = func() time.Time { return time.Unix(2000, 0) }
	return r, mock
}

func pendingRow(id, patientID string, lat, lng float64) []driver.Value {
	return []driver.Value{id, patientID, nil, "pending", lat, lng, "cardiac", "", nil, nil, int64(1), time.Unix(1000, 0), nil, nil, nil}
}

func acceptedRow(id, patientID, driverID string) []driver.Value {
	return []driver.Value{id, patientID, driverID, "accepted", 1.0, 2.0, "cardiac", "", int64(10), nil, int64(2), time.Unix(1000, 0), time.Unix(2000, 0), nil, nil}
}

func TestPostgresCreate(t *testing.T) {
	r, mock := newTestRegistry(t)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO requests`)).
		WithArgs(sqlmock.AnyArg(), "p1", models.StatusPending, 1.0, 2.0, "cardiac", "", int64(1), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(pendingRow("r1", "p1", 1, 2)...))

	req, err := r.Create(context.Background(), models.NewRequest{PatientID: "p1", Location: models.Coord{Lat: 1, Lng: 2}, EmergencyType: "cardiac"})
	require.NoError(t, err)
	assert.Equal(t, "r1", req.ID)
	assert.Equal(t, models.StatusPending, req.Status)
	assert.Empty(t, req.DriverID)
	assert.Nil(t, req.AcceptedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateSecondActiveIsConflict(t *testing.T) {
	r, mock := newTestRegistry(t)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO requests`)).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	_, err := r.Create(context.Background(), models.NewRequest{PatientID: "p1", Location: models.Coord{Lat: 1, Lng: 2}, EmergencyType: "cardiac"})
	assert.ErrorIs(t, err, errs.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateValidatesBeforeQuery(t *testing.T) {
	r, mock := newTestRegistry(t)
	_, err := r.Create(context.Background(), models.NewRequest{PatientID: "p1", Location: models.Coord{Lat: 100}, EmergencyType: "cardiac"})
	assert.ErrorIs(t, err, errs.ErrValidation)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAcceptWins(t *testing.T) {
	r, mock := newTestRegistry(t)
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE requests`)).
		WithArgs("r1", "d1", 10, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(acceptedRow("r1", "p1", "d1")...))

	req, err := r.Accept(context.Background(), "r1", "d1", 10)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, req.Status)
	assert.Equal(t, "d1", req.DriverID)
	assert.Equal(t, 10, req.EstimatedArrivalMinutes)
	require.NotNil(t, req.AcceptedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAcceptLostRaceIsConflict(t *testing.T) {
	r, mock := newTestRegistry(t)
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE requests`)).
		WithArgs("r1", "d2", 5, sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM requests WHERE id = $1`)).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(acceptedRow("r1", "p1", "d1")...))

	_, err := r.Accept(context.Background(), "r1", "d2", 5)
	assert.ErrorIs(t, err, errs.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAcceptWhileBusyIsConflict(t *testing.T) {
	r, mock := newTestRegistry(t)
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE requests`)).
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := r.Accept(context.Background(), "r2", "d1", 5)
	assert.ErrorIs(t, err, errs.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAcceptUnknownIsNotFound(t *testing.T) {
	r, mock := newTestRegistry(t)
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE requests`)).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM requests WHERE id = $1`)).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(columns))

	_, err := r.Accept(context.Background(), "nope", "d1", 5)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompleteByStrangerIsForbidden(t *testing.T) {
	r, mock := newTestRegistry(t)
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE requests`)).
		WithArgs("r1", "d2", "h1", sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM requests WHERE id = $1`)).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(acceptedRow("r1", "p1", "d1")...))

	_, err := r.Complete(context.Background(), "r1", "d2", "h1")
	assert.ErrorIs(t, err, errs.ErrForbidden)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCancelCompletedIsConflict(t *testing.T) {
	r, mock := newTestRegistry(t)
	completed := []driver.Value{"r1", "p1", "d1", "completed", 1.0, 2.0, "cardiac", "", int64(10), "h1", int64(3),
		time.Unix(1000, 0), time.Unix(2000, 0), time.Unix(3000, 0), nil}
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE requests`)).
		WithArgs("r1", "p1", sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM requests WHERE id = $1`)).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(completed...))

	_, err := r.Cancel(context.Background(), "r1", "p1")
	assert.ErrorIs(t, err, errs.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetActiveNone(t *testing.T) {
	r, mock := newTestRegistry(t)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE driver_id = $1 AND status = 'accepted'`)).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows(columns))

	req, err := r.GetActive(context.Background(), models.Identity{ID: "d1", Role: models.RoleDriver})
	require.NoError(t, err)
	assert.Nil(t, req)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListPendingFiltersRadius(t *testing.T) {
	r, mock := newTestRegistry(t)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE status = 'pending' AND lat BETWEEN`)).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(pendingRow("corner", "p1", 12.99, 77.61)...).
			AddRow(pendingRow("close", "p2", 12.9717, 77.5947)...))

	out, err := r.ListPending(context.Background(), models.Coord{Lat: 12.9716, Lng: 77.5946}, 2000, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "close", out[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBoundingBoxCoversRadius(t *testing.T) {
	minLat, maxLat, minLng, maxLng := boundingBox(models.Coord{Lat: 0, Lng: 0}, 111320)
	assert.InDelta(t, -1, minLat, 1e-6)
	assert.InDelta(t, 1, maxLat, 1e-6)
	assert.InDelta(t, -1, minLng, 1e-6)
	assert.InDelta(t, 1, maxLng, 1e-6)

	minLat, maxLat, minLng, maxLng = boundingBox(models.Coord{Lat: 10, Lng: 10}, 0)
	assert.Equal(t, []float64{-90, 90, -180, 180}, []float64{minLat, maxLat, minLng, maxLng})
}
