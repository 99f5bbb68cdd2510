// Package client talks to a dispatch server the way a patient or driver app
// does: registry calls over REST and hub events over the location channel.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/ambulance-dispatch/internal/errs"
	"github.com/example/ambulance-dispatch/internal/models"
)

// ActiveRequestError is a create rejected because the patient already has
// an active request. It unwraps to errs.ErrConflict.
type ActiveRequestError struct {
	ActiveRequestID string
	Err             error
}

func (e *ActiveRequestError) Error() string {
	return fmt.Sprintf("%v (active request %s)", e.Err, e.ActiveRequestID)
}

func (e *ActiveRequestError) Unwrap() error { return e.Err }

type errorBody struct {
	Error           string `json:"error"`
	Message         string `json:"message"`
	ActiveRequestID string `json:"activeRequestId,omitempty"`
}

// Registry is a REST client bound to one identity. Mutating calls that fail
// with a transport error are retried exactly once; a Conflict on that retry
// is checked against the registry and reported as success when the first
// attempt had in fact landed.
type Registry struct {
	base     string
	identity models.Identity
	http     *http.Client
	timeout  time.Duration
	logger   *slog.Logger
}

func NewRegistry(baseURL string, who models.Identity, httpClient *http.Client, logger *slog.Logger) *Registry {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		base:     strings.TrimRight(baseURL, "/"),
		identity: who,
		http:     httpClient,
		timeout:  5 * time.Second,
		logger:   logger.With("identity", who.ID, "role", who.Role),
	}
}

// WithTimeout sets the per-attempt deadline.
func (c *Registry) WithTimeout(d time.Duration) *Registry {
	c.timeout = d
	return c
}

func (c *Registry) Identity() models.Identity { return c.identity }

func (c *Registry) Create(ctx context.Context, location models.Coord, emergencyType, info string) (models.Request, error) {
	body := map[string]any{"location": location, "emergencyType": emergencyType, "additionalInfo": info}
	return c.mutate(ctx, "create",
		func(ctx context.Context) (models.Request, error) {
			var out models.Request
			return out, c.do(ctx, c.identity, http.MethodPost, "/api/v1/requests", body, &out)
		},
		func(ctx context.Context) (models.Request, bool) {
			active, err := c.GetActive(ctx, c.identity)
			if err != nil || active == nil {
				return models.Request{}, false
			}
			ok := active.Status == models.StatusPending && active.EmergencyType == emergencyType && active.Location == location
			return *active, ok
		})
}

func (c *Registry) Accept(ctx context.Context, requestID string, etaMinutes int) (models.Request, error) {
	body := map[string]any{"estimatedArrivalMinutes": etaMinutes}
	return c.mutate(ctx, "accept",
		c.put("/api/v1/requests/"+url.PathEscape(requestID)+"/accept", body),
		c.confirm(requestID, func(r models.Request) bool {
			return r.DriverID == c.identity.ID && (r.Status == models.StatusAccepted || r.Status == models.StatusCompleted)
		}))
}

func (c *Registry) Complete(ctx context.Context, requestID, hospitalID string) (models.Request, error) {
	body := map[string]any{"hospitalId": hospitalID}
	return c.mutate(ctx, "complete",
		c.put("/api/v1/requests/"+url.PathEscape(requestID)+"/complete", body),
		c.confirm(requestID, func(r models.Request) bool {
			return r.Status == models.StatusCompleted && r.DriverID == c.identity.ID && r.HospitalID == hospitalID
		}))
}

func (c *Registry) Cancel(ctx context.Context, requestID string) (models.Request, error) {
	return c.mutate(ctx, "cancel",
		c.put("/api/v1/requests/"+url.PathEscape(requestID)+"/cancel", nil),
		c.confirm(requestID, func(r models.Request) bool {
			return r.Status == models.StatusCancelled && r.PatientID == c.identity.ID
		}))
}

func (c *Registry) GetActive(ctx context.Context, who models.Identity) (*models.Request, error) {
	var out struct {
		Request *models.Request `json:"request"`
	}
	if err := c.do(ctx, who, http.MethodGet, "/api/v1/requests/active", nil, &out); err != nil {
		return nil, err
	}
	return out.Request, nil
}

func (c *Registry) GetByID(ctx context.Context, requestID string) (models.Request, error) {
	var out models.Request
	err := c.do(ctx, c.identity, http.MethodGet, "/api/v1/requests/"+url.PathEscape(requestID), nil, &out)
	return out, err
}

func (c *Registry) ListPending(ctx context.Context, near models.Coord, radiusMeters float64, limit int) ([]models.Request, error) {
	q := url.Values{}
	q.Set("near", strconv.FormatFloat(near.Lat, 'f', -1, 64)+","+strconv.FormatFloat(near.Lng, 'f', -1, 64))
	if radiusMeters > 0 {
		q.Set("radius", strconv.FormatFloat(radiusMeters, 'f', -1, 64))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Requests []models.Request `json:"requests"`
	}
	err := c.do(ctx, c.identity, http.MethodGet, "/api/v1/requests/pending?"+q.Encode(), nil, &out)
	return out.Requests, err
}

func (c *Registry) History(ctx context.Context) ([]models.Request, error) {
	var out struct {
		Requests []models.Request `json:"requests"`
	}
	err := c.do(ctx, c.identity, http.MethodGet, "/api/v1/requests/history", nil, &out)
	return out.Requests, err
}

func (c *Registry) SetAvailability(ctx context.Context, available bool) (models.Presence, error) {
	var out models.Presence
	err := c.do(ctx, c.identity, http.MethodPut, "/api/v1/drivers/availability", map[string]bool{"available": available}, &out)
	return out, err
}

type attemptFunc func(ctx context.Context) (models.Request, error)

type confirmFunc func(ctx context.Context) (models.Request, bool)

func (c *Registry) put(path string, body any) attemptFunc {
	return func(ctx context.Context) (models.Request, error) {
		var out models.Request
		return out, c.do(ctx, c.identity, http.MethodPut, path, body, &out)
	}
}

func (c *Registry) confirm(requestID string, landed func(models.Request) bool) confirmFunc {
	return func(ctx context.Context) (models.Request, bool) {
		r, err := c.GetByID(ctx, requestID)
		if err != nil {
			return models.Request{}, false
		}
		return r, landed(r)
	}
}

func (c *Registry) mutate(ctx context.Context, op string, attempt attemptFunc, confirm confirmFunc) (models.Request, error) {
	out, err := attempt(ctx)
	if err == nil || !errors.Is(err, errs.ErrTransport) {
		return out, err
	}
	c.logger.Warn("registry call failed, retrying once", "op", op, "error", err)
	out, err = attempt(ctx)
	if err == nil {
		return out, nil
	}
	if errors.Is(err, errs.ErrConflict) {
		if got, ok := confirm(ctx); ok {
			c.logger.Info("conflict on retry confirmed as own earlier success", "op", op, "request_id", got.ID)
			return got, nil
		}
	}
	return out, err
}

func (c *Registry) do(ctx context.Context, who models.Identity, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rdr io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", who.ID)
	req.Header.Set("X-User-Role", string(who.Role))

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Transport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		if eb.Message == "" {
			eb.Message = resp.Status
		}
		err := errs.FromHTTPStatus(resp.StatusCode, eb.Message)
		if eb.ActiveRequestID != "" {
			return &ActiveRequestError{ActiveRequestID: eb.ActiveRequestID, Err: err}
		}
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Transport(fmt.Errorf("decode %s %s: %w", method, path, err))
	}
	return nil
}
