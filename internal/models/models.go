package models

import (
	"math"
	"time"

	"github.com/example/ambulance-dispatch/internal/errs"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (c Coord) Validate() error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lng, 0) {
		return errs.Validation("coordinates must be finite")
	}
	if c.Lat < -90 || c.Lat > 90 {
		return errs.Validation("latitude %f out of range", c.Lat)
	}
	if c.Lng < -180 || c.Lng > 180 {
		return errs.Validation("longitude %f out of range", c.Lng)
	}
	return nil
}

type Role string

const (
	RolePatient Role = "patient"
	RoleDriver  Role = "driver"
)

func (r Role) Valid() bool { return r == RolePatient || r == RoleDriver }

// Identity is a connected party. Patient and driver id spaces are distinct.
type Identity struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

func (i Identity) Key() string { return string(i.Role) + ":" + i.ID }

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// Active reports whether the request still counts against the
// one-active-request-per-patient rule.
func (s Status) Active() bool { return s == StatusPending || s == StatusAccepted }

type Request struct {
	ID                      string     `json:"id"`
	PatientID               string     `json:"patientId"`
	DriverID                string     `json:"driverId,omitempty"`
	Status                  Status     `json:"status"`
	Location                Coord      `json:"location"`
	EmergencyType           string     `json:"emergencyType"`
	AdditionalInfo          string     `json:"additionalInfo,omitempty"`
	EstimatedArrivalMinutes int        `json:"estimatedArrivalMinutes,omitempty"`
	HospitalID              string     `json:"hospitalId,omitempty"`
	Version                 int64      `json:"version"`
	CreatedAt               time.Time  `json:"createdAt"`
	AcceptedAt              *time.Time `json:"acceptedAt,omitempty"`
	CompletedAt             *time.Time `json:"completedAt,omitempty"`
	CancelledAt             *time.Time `json:"cancelledAt,omitempty"`
}

// NewRequest carries the patient-supplied fields of a create call.
type NewRequest struct {
	PatientID      string `json:"patientId"`
	Location       Coord  `json:"location"`
	EmergencyType  string `json:"emergencyType"`
	AdditionalInfo string `json:"additionalInfo,omitempty"`
}

// LocationFix is a driver position stamped with the time the driver took it.
type LocationFix struct {
	Coord Coord     `json:"location"`
	At    time.Time `json:"at"`
}

// Presence is the hub-owned ephemeral view of a driver.
type Presence struct {
	DriverID   string    `json:"driverId"`
	LastKnown  *Coord    `json:"lastKnownLocation,omitempty"`
	LastSeenAt time.Time `json:"lastSeenAt"`
	Available  bool      `json:"available"`
}

// LocationUpdate is the message published to the location stream and consumed
// into the geo index.
type LocationUpdate struct {
	DriverID  string    `json:"driverId"`
	RequestID string    `json:"requestId,omitempty"`
	Location  Coord     `json:"location"`
	Available bool      `json:"available"`
	At        time.Time `json:"at"`
}

func Ptr[T any](v T) *T { return &v }
