package models

import "time"

// Hub -> client event types.
const (
	EventNewRequestAdvisory   = "new_request_advisory"
	EventAcceptConfirmed      = "accept_confirmed"
	EventAdvisoryWithdrawn    = "advisory_withdrawn"
	EventDriverLocationUpdate = "driver_location_update"
	EventDriverLocationStale  = "driver_location_stale"
	EventRequestAccepted      = "request_accepted"
	EventRequestCompleted     = "request_completed"
	EventRequestCancelled     = "request_cancelled"
	EventRequestCreated       = "request_created"
	EventError                = "error"
)

// Client -> hub command types.
const (
	CommandCreateRequest   = "create_request"
	CommandCancelRequest   = "cancel_request"
	CommandUpdateLocation  = "update_location"
	CommandAcceptRequest   = "accept_request"
	CommandCompleteRequest = "complete_request"
	CommandSetAvailability = "set_availability"
)

// Event is the single wire shape for everything the hub sends. Only the fields
// relevant to Type are populated.
type Event struct {
	Type                    string    `json:"type"`
	RequestID               string    `json:"requestId,omitempty"`
	Version                 int64     `json:"version,omitempty"`
	Request                 *Request  `json:"request,omitempty"`
	DriverID                string    `json:"driverId,omitempty"`
	Location                *Coord    `json:"location,omitempty"`
	LocationAt              time.Time `json:"locationAt,omitempty"`
	EmergencyType           string    `json:"emergencyType,omitempty"`
	EstimatedArrivalMinutes int       `json:"estimatedArrivalMinutes,omitempty"`
	SuggestedETAMinutes     int       `json:"suggestedEtaMinutes,omitempty"`
	HospitalID              string    `json:"hospitalId,omitempty"`
	Code                    string    `json:"code,omitempty"`
	Message                 string    `json:"message,omitempty"`
	SentAt                  time.Time `json:"sentAt"`
}

// Command is the single wire shape for everything a client sends.
type Command struct {
	Type                    string    `json:"type"`
	RequestID               string    `json:"requestId,omitempty"`
	Location                *Coord    `json:"location,omitempty"`
	At                      time.Time `json:"at,omitempty"`
	EmergencyType           string    `json:"emergencyType,omitempty"`
	AdditionalInfo          string    `json:"additionalInfo,omitempty"`
	EstimatedArrivalMinutes int       `json:"estimatedArrivalMinutes,omitempty"`
	HospitalID              string    `json:"hospitalId,omitempty"`
	Available               *bool     `json:"available,omitempty"`
}
