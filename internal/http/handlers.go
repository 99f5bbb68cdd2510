package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ambulance-dispatch/internal/dispatch"
	"github.com/example/ambulance-dispatch/internal/errs"
	"github.com/example/ambulance-dispatch/internal/hub"
	"github.com/example/ambulance-dispatch/internal/models"
)

const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"

	msgRequestTaken  = "request no longer available"
	msgAlreadyActive = "you already have an active request"
)

// ReadyCheck reports whether a backend the server depends on is reachable.
type ReadyCheck func(ctx context.Context) error

type Server struct {
	svc      *dispatch.Service
	hub      *hub.Hub
	logger   *slog.Logger
	checks   map[string]ReadyCheck
	upgrader websocket.Upgrader
	mux      *mux.Router
}

func NewServer(svc *dispatch.Service, h *hub.Hub, logger *slog.Logger, checks map[string]ReadyCheck) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		hub:    h,
		logger: logger,
		checks: checks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux: mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/requests", s.handleCreate).Methods(http.MethodPost)
	// fixed paths before /requests/{id}
	api.HandleFunc("/requests/active", s.handleActive).Methods(http.MethodGet)
	api.HandleFunc("/requests/pending", s.handlePending).Methods(http.MethodGet)
	api.HandleFunc("/requests/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/accept", s.handleAccept).Methods(http.MethodPut)
	api.HandleFunc("/requests/{id}/complete", s.handleComplete).Methods(http.MethodPut)
	api.HandleFunc("/requests/{id}/cancel", s.handleCancel).Methods(http.MethodPut)
	api.HandleFunc("/drivers/availability", s.handleAvailability).Methods(http.MethodPut)

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws/{role}/{id}", s.handleWS).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createBody struct {
	Location       models.Coord `json:"location"`
	EmergencyType  string       `json:"emergencyType"`
	AdditionalInfo string       `json:"additionalInfo,omitempty"`
}

type acceptBody struct {
	EstimatedArrivalMinutes int `json:"estimatedArrivalMinutes"`
}

type completeBody struct {
	HospitalID string `json:"hospitalId"`
}

type availabilityBody struct {
	Available bool `json:"available"`
}

// ActiveResponse wraps the nullable active request.
type ActiveResponse struct {
	Request *models.Request `json:"request"`
}

type ListResponse struct {
	Requests []models.Request `json:"requests"`
}

type LocationResponse struct {
	Result hub.LocationResult `json:"result"`
}

// ErrorResponse is the body of every non-2xx API answer.
type ErrorResponse struct {
	Error           string `json:"error"`
	Message         string `json:"message"`
	ActiveRequestID string `json:"activeRequestId,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	who, ok := s.identity(w, r, models.RolePatient)
	if !ok {
		return
	}
	var body createBody
	if !decode(w, r, &body) {
		return
	}
	req, err := s.svc.Create(r.Context(), models.NewRequest{
		PatientID:      who.ID,
		Location:       body.Location,
		EmergencyType:  body.EmergencyType,
		AdditionalInfo: body.AdditionalInfo,
	})
	if err != nil {
		if errors.Is(err, errs.ErrConflict) {
			resp := ErrorResponse{Error: "conflict", Message: msgAlreadyActive}
			if active, aErr := s.svc.Active(r.Context(), who); aErr == nil && active != nil {
				resp.ActiveRequestID = active.ID
			}
			writeJSON(w, http.StatusConflict, resp)
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	who, ok := s.identity(w, r, models.RoleDriver)
	if !ok {
		return
	}
	var body acceptBody
	if !decode(w, r, &body) {
		return
	}
	id := mux.Vars(r)["id"]
	req, err := s.svc.Accept(r.Context(), id, who.ID, body.EstimatedArrivalMinutes)
	if err != nil {
		if msg := s.acceptConflictMessage(r.Context(), id, err); msg != "" {
			writeJSON(w, http.StatusConflict, ErrorResponse{Error: "conflict", Message: msg})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// acceptConflictMessage words a failed accept for the driver. A request that
// is still pending was refused because of the driver's own binding, and that
// reason is kept; otherwise the request is gone. Empty when err is no Conflict.
func (s *Server) acceptConflictMessage(ctx context.Context, requestID string, err error) string {
	if !errors.Is(err, errs.ErrConflict) {
		return ""
	}
	if req, gErr := s.svc.Get(ctx, requestID); gErr == nil && req.Status == models.StatusPending {
		return err.Error()
	}
	return msgRequestTaken
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	who, ok := s.identity(w, r, models.RoleDriver)
	if !ok {
		return
	}
	var body completeBody
	if !decode(w, r, &body) {
		return
	}
	req, err := s.svc.Complete(r.Context(), mux.Vars(r)["id"], who.ID, body.HospitalID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	who, ok := s.identity(w, r, models.RolePatient)
	if !ok {
		return
	}
	req, err := s.svc.Cancel(r.Context(), mux.Vars(r)["id"], who.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	who, ok := s.identity(w, r, "")
	if !ok {
		return
	}
	req, err := s.svc.Active(r.Context(), who)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ActiveResponse{Request: req})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	req, err := s.svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	near, err := parseCoord(q.Get("near"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	radius := 5000.0
	if v := q.Get("radius"); v != "" {
		radius, err = strconv.ParseFloat(v, 64)
		if err != nil || radius < 0 {
			s.writeError(w, errs.Validation("invalid radius %q", v))
			return
		}
	}
	limit := 20
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			s.writeError(w, errs.Validation("invalid limit %q", v))
			return
		}
	}
	out, err := s.svc.Pending(r.Context(), near, radius, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse{Requests: out})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	who, ok := s.identity(w, r, "")
	if !ok {
		return
	}
	out, err := s.svc.History(r.Context(), who)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse{Requests: out})
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	who, ok := s.identity(w, r, models.RoleDriver)
	if !ok {
		return
	}
	var body availabilityBody
	if !decode(w, r, &body) {
		return
	}
	writeJSON(w, http.StatusOK, s.svc.SetAvailability(r.Context(), who.ID, body.Available))
}

// handleDriverLocation is the ingest route for driver apps that post pings
// over plain HTTP instead of holding a channel open.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var u models.LocationUpdate
	if !decode(w, r, &u) {
		return
	}
	if strings.TrimSpace(u.DriverID) == "" {
		s.writeError(w, errs.Validation("driverId is required"))
		return
	}
	res, err := s.svc.UpdateLocation(r.Context(), u.DriverID, models.LocationFix{Coord: u.Location, At: u.At}, u.RequestID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, LocationResponse{Result: res})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", "backend", name, "error", err)
			http.Error(w, name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// identity reads the caller from the identity headers. An empty want accepts
// either role.
func (s *Server) identity(w http.ResponseWriter, r *http.Request, want models.Role) (models.Identity, bool) {
	who := models.Identity{
		ID:   strings.TrimSpace(r.Header.Get(headerUserID)),
		Role: models.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(headerUserRole)))),
	}
	if who.ID == "" || !who.Role.Valid() {
		s.writeError(w, errs.Forbidden("missing or invalid identity headers"))
		return who, false
	}
	if want != "" && who.Role != want {
		s.writeError(w, errs.Forbidden("only a %s may do this", want))
		return who, false
	}
	return who, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := errs.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: code, Message: msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation", Message: "invalid body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseCoord(v string) (models.Coord, error) {
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return models.Coord{}, errs.Validation("near must be lat,lng")
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lng, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return models.Coord{}, errs.Validation("near must be lat,lng")
	}
	c := models.Coord{Lat: lat, Lng: lng}
	return c, c.Validate()
}
