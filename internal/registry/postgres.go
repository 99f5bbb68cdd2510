package registry

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/ambulance-dispatch/internal/errs"
	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/lifecycle"
	"github.com/example/ambulance-dispatch/internal/models"
)

const requestColumns = `id, patient_id, driver_id, status, lat, lng, emergency_type, additional_info,
	eta_minutes, hospital_id, version, created_at, accepted_at, completed_at, cancelled_at`

const uniqueViolation = "23505"

// PostgresRegistry decides transitions with conditional UPDATEs: the WHERE
// clause is the compare, the partial unique indexes enforce the one-active
// rules across rows.
type PostgresRegistry struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresRegistry(dsn string) (*PostgresRegistry, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgresRegistryFromDB(db), nil
}

func NewPostgresRegistryFromDB(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db, now: time.Now}
}

func (p *PostgresRegistry) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresRegistry) Close() error { return p.db.Close() }

// Migrate executes a schema script.
func (p *PostgresRegistry) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

func (p *PostgresRegistry) Create(ctx context.Context, in models.NewRequest) (models.Request, error) {
	req, err := lifecycle.New(uuid.NewString(), in, p.now())
	if err != nil {
		return models.Request{}, err
	}
	row := p.db.QueryRowContext(ctx, `INSERT INTO requests (id, patient_id, status, lat, lng, emergency_type, additional_info, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+requestColumns,
		req.ID, req.PatientID, req.Status, req.Location.Lat, req.Location.Lng, req.EmergencyType, req.AdditionalInfo, req.Version, req.CreatedAt)
	out, err := scanRequest(row)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Request{}, errs.Conflict("patient %s already has an active request", in.PatientID)
		}
		return models.Request{}, err
	}
	return out, nil
}

func (p *PostgresRegistry) Accept(ctx context.Context, requestID, driverID string, etaMinutes int) (models.Request, error) {
	t := lifecycle.Transition{
		Event:                   lifecycle.EventAccept,
		Actor:                   models.Identity{ID: driverID, Role: models.RoleDriver},
		EstimatedArrivalMinutes: etaMinutes,
	}
	if etaMinutes <= 0 {
		return models.Request{}, errs.Validation("estimated arrival minutes must be positive")
	}
	row := p.db.QueryRowContext(ctx, `UPDATE requests
		SET status = 'accepted', driver_id = $2, eta_minutes = $3,
			accepted_at = GREATEST($4, created_at), version = version + 1
		WHERE id = $1 AND status = 'pending'
		RETURNING `+requestColumns,
		requestID, driverID, etaMinutes, p.now().UTC())
	out, err := scanRequest(row)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Request{}, errs.Conflict("driver %s already bound to an accepted request", driverID)
		}
		return models.Request{}, p.diagnose(ctx, requestID, t, err)
	}
	return out, nil
}

func (p *PostgresRegistry) Complete(ctx context.Context, requestID, driverID, hospitalID string) (models.Request, error) {
	t := lifecycle.Transition{
		Event:      lifecycle.EventComplete,
		Actor:      models.Identity{ID: driverID, Role: models.RoleDriver},
		HospitalID: hospitalID,
	}
	if hospitalID == "" {
		return models.Request{}, errs.Validation("hospital id is required")
	}
	row := p.db.QueryRowContext(ctx, `UPDATE requests
		SET status = 'completed', hospital_id = $3,
			completed_at = GREATEST($4, accepted_at), version = version + 1
		WHERE id = $1 AND driver_id = $2 AND status = 'accepted'
		RETURNING `+requestColumns,
		requestID, driverID, hospitalID, p.now().UTC())
	out, err := scanRequest(row)
	if err != nil {
		return models.Request{}, p.diagnose(ctx, requestID, t, err)
	}
	return out, nil
}

func (p *PostgresRegistry) Cancel(ctx context.Context, requestID, patientID string) (models.Request, error) {
	t := lifecycle.Transition{
		Event: lifecycle.EventCancel,
		Actor: models.Identity{ID: patientID, Role: models.RolePatient},
	}
	row := p.db.QueryRowContext(ctx, `UPDATE requests
		SET status = 'cancelled', driver_id = NULL,
			cancelled_at = GREATEST($3, COALESCE(accepted_at, created_at)), version = version + 1
		WHERE id = $1 AND patient_id = $2 AND status IN ('pending', 'accepted')
		RETURNING `+requestColumns,
		requestID, patientID, p.now().UTC())
	out, err := scanRequest(row)
	if err != nil {
		return models.Request{}, p.diagnose(ctx, requestID, t, err)
	}
	return out, nil
}

// diagnose turns a failed compare-and-swap into the taxonomy error by
// re-reading the row and running the state machine guards against it.
func (p *PostgresRegistry) diagnose(ctx context.Context, requestID string, t lifecycle.Transition, err error) error {
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	current, getErr := p.GetByID(ctx, requestID)
	if getErr != nil {
		return getErr
	}
	if guardErr := lifecycle.Check(current, t); guardErr != nil {
		return guardErr
	}
	// the row moved between our UPDATE and the re-read
	return errs.Conflict("request %s changed concurrently", requestID)
}

func (p *PostgresRegistry) GetActive(ctx context.Context, who models.Identity) (*models.Request, error) {
	var row *sql.Row
	switch who.Role {
	case models.RolePatient:
		row = p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests
			WHERE patient_id = $1 AND status IN ('pending', 'accepted')
			ORDER BY created_at DESC LIMIT 1`, who.ID)
	case models.RoleDriver:
		row = p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests
			WHERE driver_id = $1 AND status = 'accepted'
			LIMIT 1`, who.ID)
	default:
		return nil, errs.Validation("unknown role %q", who.Role)
	}
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (p *PostgresRegistry) GetByID(ctx context.Context, id string) (models.Request, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Request{}, errs.NotFound("request %s", id)
	}
	return req, err
}

// ListPending narrows with a bounding box in SQL and applies the exact
// great-circle radius in Go.
func (p *PostgresRegistry) ListPending(ctx context.Context, near models.Coord, radiusMeters float64, limit int) ([]models.Request, error) {
	if err := near.Validate(); err != nil {
		return nil, err
	}
	minLat, maxLat, minLng, maxLng := boundingBox(near, radiusMeters)
	rows, err := p.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM requests
		WHERE status = 'pending' AND lat BETWEEN $1 AND $2 AND lng BETWEEN $3 AND $4
		ORDER BY created_at`, minLat, maxLat, minLng, maxLng)
	if err != nil {
		return nil, err
	}
	all, err := scanRequests(rows)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, req := range all {
		if radiusMeters > 0 && geo.Distance(near, req.Location) > radiusMeters {
			continue
		}
		out = append(out, req)
	}
	return closestFirst(out, near, limit), nil
}

func (p *PostgresRegistry) History(ctx context.Context, who models.Identity) ([]models.Request, error) {
	var column string
	switch who.Role {
	case models.RolePatient:
		column = "patient_id"
	case models.RoleDriver:
		column = "driver_id"
	default:
		return nil, errs.Validation("unknown role %q", who.Role)
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM requests
		WHERE `+column+` = $1 ORDER BY created_at DESC`, who.ID)
	if err != nil {
		return nil, err
	}
	return scanRequests(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(s scanner) (models.Request, error) {
	var (
		req                                models.Request
		driverID, hospitalID               sql.NullString
		eta                                sql.NullInt64
		acceptedAt, completedAt, cancelled sql.NullTime
	)
	err := s.Scan(&req.ID, &req.PatientID, &driverID, &req.Status, &req.Location.Lat, &req.Location.Lng,
		&req.EmergencyType, &req.AdditionalInfo, &eta, &hospitalID, &req.Version, &req.CreatedAt,
		&acceptedAt, &completedAt, &cancelled)
	if err != nil {
		return models.Request{}, err
	}
	req.DriverID = driverID.String
	req.HospitalID = hospitalID.String
	req.EstimatedArrivalMinutes = int(eta.Int64)
	req.AcceptedAt = nullTime(acceptedAt)
	req.CompletedAt = nullTime(completedAt)
	req.CancelledAt = nullTime(cancelled)
	return req, nil
}

func scanRequests(rows *sql.Rows) ([]models.Request, error) {
	defer rows.Close()
	out := make([]models.Request, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func boundingBox(c models.Coord, radiusMeters float64) (minLat, maxLat, minLng, maxLng float64) {
	if radiusMeters <= 0 {
		return -90, 90, -180, 180
	}
	const metersPerDegree = 111320.0
	dLat := radiusMeters / metersPerDegree
	cos := math.Cos(c.Lat * math.Pi / 180)
	if cos < 0.01 {
		return math.Max(-90, c.Lat-dLat), math.Min(90, c.Lat+dLat), -180, 180
	}
	dLng := radiusMeters / (metersPerDegree * cos)
	return math.Max(-90, c.Lat-dLat), math.Min(90, c.Lat+dLat), math.Max(-180, c.Lng-dLng), math.Min(180, c.Lng+dLng)
}
