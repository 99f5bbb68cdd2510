package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/ambulance-dispatch/internal/errs"
	"github.com/example/ambulance-dispatch/internal/models"
)

// Route is the part of an OSRM route answer the estimator reads.
type Route struct {
	Seconds float64
	Meters  float64
}

// OSRMClient asks an OSRM server for drive times between an ambulance and a
// scene.
type OSRMClient struct {
	endpoint string
	profile  string
	http     *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		profile:  "driving",
		http:     &http.Client{Timeout: 2 * time.Second},
	}
}

func (o *OSRMClient) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	// OSRM wants lng,lat pairs
	u := fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=false",
		o.endpoint, o.profile, from.Lng, from.Lat, to.Lng, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Route{}, err
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return Route{}, errs.Transport(err)
	}
	defer resp.Body.Close()

	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Routes  []struct {
			Duration float64 `json:"duration"`
			Distance float64 `json:"distance"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Route{}, fmt.Errorf("osrm %d: %w", resp.StatusCode, err)
	}
	if body.Code != "Ok" || len(body.Routes) == 0 {
		return Route{}, fmt.Errorf("osrm no route: %s %s", body.Code, body.Message)
	}
	return Route{Seconds: body.Routes[0].Duration, Meters: body.Routes[0].Distance}, nil
}

func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	r, err := o.Route(ctx, from, to)
	return r.Seconds, err
}
