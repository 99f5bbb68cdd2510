// Package dispatch is the coordination service behind both surfaces: every
// lifecycle operation commits at the registry first and only then asks the
// hub to fan the confirmed result out.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/ambulance-dispatch/internal/errs"
	"github.com/example/ambulance-dispatch/internal/hub"
	"github.com/example/ambulance-dispatch/internal/lifecycle"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
	"github.com/example/ambulance-dispatch/internal/registry"
)

// Publisher mirrors committed transitions and location pings onto a stream.
type Publisher interface {
	PublishLocation(ctx context.Context, u models.LocationUpdate) error
	PublishLifecycle(ctx context.Context, eventType string, req models.Request) error
}

type Service struct {
	registry  registry.Registry
	hub       *hub.Hub
	publisher Publisher // optional
	logger    *slog.Logger
	tracer    trace.Tracer
}

func NewService(reg registry.Registry, h *hub.Hub, pub Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry:  reg,
		hub:       h,
		publisher: pub,
		logger:    logger.With("component", "dispatch"),
		tracer:    otel.Tracer("github.com/example/ambulance-dispatch/internal/dispatch"),
	}
}

// Create opens a pending request and advises nearby drivers.
func (s *Service) Create(ctx context.Context, in models.NewRequest) (models.Request, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.Create", trace.WithAttributes(attribute.String("patient.id", in.PatientID)))
	defer span.End()
	start := time.Now()

	req, err := s.registry.Create(ctx, in)
	if err != nil {
		return models.Request{}, s.failed(ctx, span, lifecycle.EventCreate, err)
	}
	_ = s.hub.Sequence(req.ID, func() error {
		s.hub.OnRequestCreated(ctx, req)
		return nil
	})
	s.committed(ctx, span, lifecycle.EventCreate, req, start)
	return req, nil
}

// Accept binds driverID to a pending request. Exactly one concurrent caller
// wins; the rest get ErrConflict.
func (s *Service) Accept(ctx context.Context, requestID, driverID string, etaMinutes int) (models.Request, error) {
	return s.transition(ctx, lifecycle.EventAccept, requestID, driverID, func(ctx context.Context) (models.Request, error) {
		return s.registry.Accept(ctx, requestID, driverID, etaMinutes)
	}, s.hub.OnRequestAccepted)
}

func (s *Service) Complete(ctx context.Context, requestID, driverID, hospitalID string) (models.Request, error) {
	return s.transition(ctx, lifecycle.EventComplete, requestID, driverID, func(ctx context.Context) (models.Request, error) {
		return s.registry.Complete(ctx, requestID, driverID, hospitalID)
	}, s.hub.OnRequestCompleted)
}

func (s *Service) Cancel(ctx context.Context, requestID, patientID string) (models.Request, error) {
	return s.transition(ctx, lifecycle.EventCancel, requestID, patientID, func(ctx context.Context) (models.Request, error) {
		return s.registry.Cancel(ctx, requestID, patientID)
	}, s.hub.OnRequestCancelled)
}

func (s *Service) transition(
	ctx context.Context,
	event lifecycle.Event,
	requestID, actorID string,
	commit func(context.Context) (models.Request, error),
	emit func(context.Context, models.Request),
) (models.Request, error) {
	ctx, span := s.tracer.Start(ctx, "dispatch."+string(event), trace.WithAttributes(
		attribute.String("request.id", requestID),
		attribute.String("actor.id", actorID),
	))
	defer span.End()
	start := time.Now()

	var out models.Request
	err := s.hub.Sequence(requestID, func() error {
		req, err := commit(ctx)
		if err != nil {
			return err
		}
		emit(ctx, req)
		out = req
		return nil
	})
	if err != nil {
		return models.Request{}, s.failed(ctx, span, event, err)
	}
	s.committed(ctx, span, event, out, start)
	return out, nil
}

func (s *Service) committed(ctx context.Context, span trace.Span, event lifecycle.Event, req models.Request, start time.Time) {
	observability.TransitionsTotal.WithLabelValues(string(event), "ok").Inc()
	observability.TransitionLatency.WithLabelValues(string(event)).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("request.status", string(req.Status)), attribute.Int64("request.version", req.Version))
	s.logger.InfoContext(ctx, "transition committed", "event", event, "request_id", req.ID, "status", req.Status, "version", req.Version)
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishLifecycle(ctx, string(event), req); err != nil {
		s.logger.WarnContext(ctx, "lifecycle publish failed", "event", event, "request_id", req.ID, "error", err)
	}
}

func (s *Service) failed(ctx context.Context, span trace.Span, event lifecycle.Event, err error) error {
	_, code := errs.HTTPStatus(err)
	observability.TransitionsTotal.WithLabelValues(string(event), code).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, code)
	if code == "internal" || code == "unavailable" {
		s.logger.ErrorContext(ctx, "transition failed", "event", event, "error", err)
	} else {
		s.logger.DebugContext(ctx, "transition rejected", "event", event, "error", err)
	}
	return err
}

// Active returns the caller's non-terminal request, re-seeding the hub
// binding so a reconnecting pair keeps its location relay.
func (s *Service) Active(ctx context.Context, who models.Identity) (*models.Request, error) {
	if !who.Role.Valid() {
		return nil, errs.Validation("unknown role %q", who.Role)
	}
	req, err := s.registry.GetActive(ctx, who)
	if err != nil || req == nil {
		return req, err
	}
	s.hub.Reconcile(*req)
	return req, nil
}

func (s *Service) Get(ctx context.Context, requestID string) (models.Request, error) {
	return s.registry.GetByID(ctx, requestID)
}

func (s *Service) Pending(ctx context.Context, near models.Coord, radiusMeters float64, limit int) ([]models.Request, error) {
	return s.registry.ListPending(ctx, near, radiusMeters, limit)
}

func (s *Service) History(ctx context.Context, who models.Identity) ([]models.Request, error) {
	if !who.Role.Valid() {
		return nil, errs.Validation("unknown role %q", who.Role)
	}
	return s.registry.History(ctx, who)
}

// UpdateLocation records a driver fix and relays it to the bound patient.
func (s *Service) UpdateLocation(ctx context.Context, driverID string, fix models.LocationFix, requestID string) (hub.LocationResult, error) {
	res, err := s.hub.OnLocationUpdate(ctx, driverID, fix, requestID)
	if err != nil {
		return res, err
	}
	if res != hub.LocationForwarded && res != hub.LocationStored {
		return res, nil
	}
	available := true
	if p, ok := s.hub.Presence(driverID); ok {
		available = p.Available
	}
	at := fix.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.publishLocation(ctx, models.LocationUpdate{
		DriverID:  driverID,
		RequestID: requestID,
		Location:  fix.Coord,
		Available: available,
		At:        at,
	})
	return res, nil
}

// SetAvailability toggles whether the driver is offered new requests.
func (s *Service) SetAvailability(ctx context.Context, driverID string, available bool) models.Presence {
	p := s.hub.SetAvailability(ctx, driverID, available)
	if p.LastKnown != nil {
		s.publishLocation(ctx, models.LocationUpdate{
			DriverID:  driverID,
			Location:  *p.LastKnown,
			Available: available,
			At:        p.LastSeenAt,
		})
	}
	return p
}

func (s *Service) publishLocation(ctx context.Context, u models.LocationUpdate) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishLocation(ctx, u); err != nil {
		s.logger.WarnContext(ctx, "location publish failed", "driver_id", u.DriverID, "error", err)
	}
}
