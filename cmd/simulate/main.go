// Command simulate drives one patient and one ambulance through a full
// request against a running dispatch server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/example/ambulance-dispatch/internal/client"
	"github.com/example/ambulance-dispatch/internal/logging"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/session"
)

type scenario struct {
	server    string
	patientID string
	driverID  string
	hospital  string
	scene     models.Coord
	start     models.Coord
	steps     int
	interval  time.Duration
}

func main() {
	var sc scenario
	flag.StringVar(&sc.server, "server", "http://localhost:8080", "dispatch server base URL")
	flag.StringVar(&sc.patientID, "patient", "sim-patient", "patient id")
	flag.StringVar(&sc.driverID, "driver", "sim-driver", "driver id")
	flag.StringVar(&sc.hospital, "hospital", "general-hospital", "hospital id used on completion")
	flag.Float64Var(&sc.scene.Lat, "lat", 12.9716, "scene latitude")
	flag.Float64Var(&sc.scene.Lng, "lng", 77.5946, "scene longitude")
	flag.IntVar(&sc.steps, "steps", 5, "location pings on the way to the scene")
	flag.DurationVar(&sc.interval, "interval", time.Second, "time between pings")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()
	sc.start = models.Coord{Lat: sc.scene.Lat + 0.02, Lng: sc.scene.Lng + 0.02}

	logger := logging.NewLogger("simulate", *level)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, sc, logger); err != nil {
		logger.Error("simulation failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, sc scenario, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	patientWho := models.Identity{ID: sc.patientID, Role: models.RolePatient}
	driverWho := models.Identity{ID: sc.driverID, Role: models.RoleDriver}
	patientAPI := client.NewRegistry(sc.server, patientWho, nil, logger)
	driverAPI := client.NewRegistry(sc.server, driverWho, nil, logger)

	var position atomic.Pointer[models.Coord]
	position.Store(&sc.start)
	driverCh := client.NewChannel(sc.server, driverAPI, session.New(driverWho, logger),
		client.ChannelOptions{Near: position.Load}, logger)
	patientCh := client.NewChannel(sc.server, patientAPI, session.New(patientWho, logger), client.ChannelOptions{}, logger)
	go func() { _ = driverCh.Run(ctx) }()
	go func() { _ = patientCh.Run(ctx) }()
	if err := waitReady(ctx, driverCh, patientCh); err != nil {
		return err
	}

	if err := driverCh.Send(models.Command{Type: models.CommandUpdateLocation, Location: position.Load(), At: time.Now()}); err != nil {
		return err
	}
	time.Sleep(200 * time.Millisecond)

	req, err := patientAPI.Create(ctx, sc.scene, "cardiac", "simulated call")
	var active *client.ActiveRequestError
	if errors.As(err, &active) {
		logger.Info("patient already has an active request, resuming it", "request_id", active.ActiveRequestID)
		req, err = patientAPI.GetByID(ctx, active.ActiveRequestID)
	}
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	logger.Info("request created", "request_id", req.ID, "status", req.Status)

	eta := 8
	if req.Status == models.StatusPending {
		adv, err := awaitAdvisory(ctx, driverCh, req.ID)
		if err != nil {
			return err
		}
		if adv.SuggestedETAMinutes > 0 {
			eta = adv.SuggestedETAMinutes
		}
		logger.Info("advisory received", "request_id", adv.RequestID, "suggested_eta", adv.SuggestedETAMinutes)
		if req, err = driverAPI.Accept(ctx, req.ID, eta); err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		logger.Info("request accepted", "request_id", req.ID, "eta_minutes", eta)
	}

	for i := 1; i <= sc.steps; i++ {
		frac := float64(i) / float64(sc.steps)
		next := models.Coord{
			Lat: sc.start.Lat + (sc.scene.Lat-sc.start.Lat)*frac,
			Lng: sc.start.Lng + (sc.scene.Lng-sc.start.Lng)*frac,
		}
		position.Store(&next)
		if err := driverCh.Send(models.Command{Type: models.CommandUpdateLocation, RequestID: req.ID, Location: &next, At: time.Now()}); err != nil {
			logger.Warn("location ping failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sc.interval):
		}
		if fix, ok := patientCh.Session().CounterpartLocation(); ok {
			logger.Info("patient sees ambulance", "lat", fix.Coord.Lat, "lng", fix.Coord.Lng, "stale", patientCh.Session().LocationStale())
		}
	}

	done, err := driverAPI.Complete(ctx, req.ID, sc.hospital)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	logger.Info("request completed", "request_id", done.ID, "hospital_id", done.HospitalID, "version", done.Version)
	return nil
}

func waitReady(ctx context.Context, chans ...*client.Channel) error {
	for _, ch := range chans {
		select {
		case <-ch.Ready():
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(30 * time.Second):
			return errors.New("channel did not connect")
		}
	}
	return nil
}

// awaitAdvisory also accepts an advisory the driver already picked up from
// the pending list while reconciling.
func awaitAdvisory(ctx context.Context, ch *client.Channel, requestID string) (models.Event, error) {
	for _, adv := range ch.Session().PendingAdvisories() {
		if adv.ID == requestID {
			return models.Event{Type: models.EventNewRequestAdvisory, RequestID: adv.ID, Request: &adv}, nil
		}
	}
	return waitFor(ctx, ch, models.EventNewRequestAdvisory, requestID)
}

func waitFor(ctx context.Context, ch *client.Channel, eventType, requestID string) (models.Event, error) {
	timeout := time.After(30 * time.Second)
	for {
		select {
		case ev := <-ch.Events():
			if ev.Type == eventType && ev.RequestID == requestID {
				return ev, nil
			}
		case <-timeout:
			return models.Event{}, fmt.Errorf("no %s for %s", eventType, requestID)
		case <-ctx.Done():
			return models.Event{}, ctx.Err()
		}
	}
}
