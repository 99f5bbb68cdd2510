package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/example/ambulance-dispatch/internal/dispatch"
	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/hub"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/registry"
)

var scene = models.Coord{Lat: 12.9716, Lng: 77.5946}

func newTestServer(t *testing.T) (*httptest.Server, *hub.Hub) {
	t.Helper()
	reg := registry.NewMemoryRegistry()
	h := hub.New(reg, geo.NewIndex(), hub.Options{LocationRate: rate.Inf}, nil)
	svc := dispatch.NewService(reg, h, nil, nil)
	ts := httptest.NewServer(NewServer(svc, h, nil, nil))
	t.Cleanup(ts.Close)
	return ts, h
}

func call(t *testing.T, ts *httptest.Server, method, path string, who models.Identity, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, rdr)
	require.NoError(t, err)
	if who.ID != "" {
		req.Header.Set(headerUserID, who.ID)
		req.Header.Set(headerUserRole, string(who.Role))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

var (
	p1 = models.Identity{ID: "p1", Role: models.RolePatient}
	d1 = models.Identity{ID: "d1", Role: models.RoleDriver}
	d2 = models.Identity{ID: "d2", Role: models.RoleDriver}
)

func createRequest(t *testing.T, ts *httptest.Server) models.Request {
	t.Helper()
	resp, body := call(t, ts, http.MethodPost, "/api/v1/requests", p1, createBody{Location: scene, EmergencyType: "cardiac"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var req models.Request
	require.NoError(t, json.Unmarshal(body, &req))
	return req
}

func TestCreateConflictPointsAtActiveRequest(t *testing.T) {
	ts, _ := newTestServer(t)
	first := createRequest(t, ts)
	assert.Equal(t, models.StatusPending, first.Status)

	resp, body := call(t, ts, http.MethodPost, "/api/v1/requests", p1, createBody{Location: scene, EmergencyType: "fall"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, "conflict", e.Error)
	assert.Equal(t, msgAlreadyActive, e.Message)
	assert.Equal(t, first.ID, e.ActiveRequestID)
}

func TestSecondAcceptIsRequestTaken(t *testing.T) {
	ts, _ := newTestServer(t)
	req := createRequest(t, ts)

	resp, body := call(t, ts, http.MethodPut, "/api/v1/requests/"+req.ID+"/accept", d1, acceptBody{EstimatedArrivalMinutes: 7})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = call(t, ts, http.MethodPut, "/api/v1/requests/"+req.ID+"/accept", d2, acceptBody{EstimatedArrivalMinutes: 3})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, msgRequestTaken, e.Message)

	resp, body = call(t, ts, http.MethodGet, "/api/v1/requests/active", d1, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var active ActiveResponse
	require.NoError(t, json.Unmarshal(body, &active))
	require.NotNil(t, active.Request)
	assert.Equal(t, "d1", active.Request.DriverID)
	assert.Equal(t, 7, active.Request.EstimatedArrivalMinutes)
}

func TestAcceptWhileBoundKeepsReason(t *testing.T) {
	ts, _ := newTestServer(t)
	first := createRequest(t, ts)
	resp, body := call(t, ts, http.MethodPut, "/api/v1/requests/"+first.ID+"/accept", d1, acceptBody{EstimatedArrivalMinutes: 7})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	p2 := models.Identity{ID: "p2", Role: models.RolePatient}
	resp, body = call(t, ts, http.MethodPost, "/api/v1/requests", p2, createBody{Location: scene, EmergencyType: "fall"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var second models.Request
	require.NoError(t, json.Unmarshal(body, &second))

	resp, body = call(t, ts, http.MethodPut, "/api/v1/requests/"+second.ID+"/accept", d1, acceptBody{EstimatedArrivalMinutes: 4})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, "conflict", e.Error)
	assert.NotEqual(t, msgRequestTaken, e.Message)
	assert.Contains(t, e.Message, "already bound")

	// still open for another driver
	resp, body = call(t, ts, http.MethodPut, "/api/v1/requests/"+second.ID+"/accept", d2, acceptBody{EstimatedArrivalMinutes: 4})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
}

func TestErrorMapping(t *testing.T) {
	ts, _ := newTestServer(t)
	req := createRequest(t, ts)

	resp, _ := call(t, ts, http.MethodPost, "/api/v1/requests", models.Identity{}, createBody{Location: scene, EmergencyType: "x"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = call(t, ts, http.MethodPut, "/api/v1/requests/"+req.ID+"/accept", p1, acceptBody{EstimatedArrivalMinutes: 7})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = call(t, ts, http.MethodGet, "/api/v1/requests/missing", p1, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = call(t, ts, http.MethodPut, "/api/v1/requests/"+req.ID+"/cancel", models.Identity{ID: "p2", Role: models.RolePatient}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = call(t, ts, http.MethodPut, "/api/v1/requests/"+req.ID+"/complete", d1, completeBody{HospitalID: "h1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = call(t, ts, http.MethodPost, "/api/v1/requests", models.Identity{ID: "p3", Role: models.RolePatient}, createBody{Location: models.Coord{Lat: 95}, EmergencyType: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestActiveIsNullWithoutRequest(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, body := call(t, ts, http.MethodGet, "/api/v1/requests/active", p1, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"request":null}`, string(body))
}

func TestPendingQuery(t *testing.T) {
	ts, _ := newTestServer(t)
	req := createRequest(t, ts)

	resp, _ := call(t, ts, http.MethodGet, "/api/v1/requests/pending", d1, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := call(t, ts, http.MethodGet, "/api/v1/requests/pending?near=12.97,77.59&radius=3000&limit=5", d1, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list ListResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Requests, 1)
	assert.Equal(t, req.ID, list.Requests[0].ID)
}

func TestHistoryAfterCancel(t *testing.T) {
	ts, _ := newTestServer(t)
	req := createRequest(t, ts)
	resp, _ := call(t, ts, http.MethodPut, "/api/v1/requests/"+req.ID+"/cancel", p1, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := call(t, ts, http.MethodGet, "/api/v1/requests/history", p1, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list ListResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Requests, 1)
	assert.Equal(t, models.StatusCancelled, list.Requests[0].Status)
}

func TestDriverLocationIngest(t *testing.T) {
	ts, h := newTestServer(t)
	resp, body := call(t, ts, http.MethodPost, "/internal/driver/locations", models.Identity{}, models.LocationUpdate{DriverID: "d9", Location: scene, At: time.Now()})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"result":"stored"}`, string(body))
	p, ok := h.Presence("d9")
	require.True(t, ok)
	assert.Equal(t, scene, *p.LastKnown)

	resp, _ = call(t, ts, http.MethodPost, "/internal/driver/locations", models.Identity{}, models.LocationUpdate{Location: scene})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndReady(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, body := call(t, ts, http.MethodGet, "/healthz", models.Identity{}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
	resp, _ = call(t, ts, http.MethodGet, "/ready", models.Identity{}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func dial(t *testing.T, ts *httptest.Server, who models.Identity) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + string(who.Role) + "/" + who.ID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) models.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev models.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestChannelEndToEnd(t *testing.T) {
	ts, h := newTestServer(t)

	driver := dial(t, ts, d1)
	require.NoError(t, driver.WriteJSON(models.Command{Type: models.CommandUpdateLocation, Location: &scene, At: time.Now()}))
	require.Eventually(t, func() bool {
		p, ok := h.Presence("d1")
		return ok && p.LastKnown != nil && h.Connected(d1)
	}, 2*time.Second, 10*time.Millisecond)

	patient := dial(t, ts, p1)
	require.Eventually(t, func() bool { return h.Connected(p1) }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, patient.WriteJSON(models.Command{Type: models.CommandCreateRequest, Location: &scene, EmergencyType: "cardiac"}))
	created := readEvent(t, patient)
	require.Equal(t, models.EventRequestCreated, created.Type)

	advisory := readEvent(t, driver)
	require.Equal(t, models.EventNewRequestAdvisory, advisory.Type)
	assert.Equal(t, created.RequestID, advisory.RequestID)

	require.NoError(t, driver.WriteJSON(models.Command{Type: models.CommandAcceptRequest, RequestID: advisory.RequestID, EstimatedArrivalMinutes: 4}))
	confirmed := readEvent(t, driver)
	assert.Equal(t, models.EventAcceptConfirmed, confirmed.Type)
	accepted := readEvent(t, patient)
	assert.Equal(t, models.EventRequestAccepted, accepted.Type)
	assert.Equal(t, "d1", accepted.DriverID)
	assert.Equal(t, 4, accepted.EstimatedArrivalMinutes)

	moved := models.Coord{Lat: 12.975, Lng: 77.6}
	require.NoError(t, driver.WriteJSON(models.Command{Type: models.CommandUpdateLocation, RequestID: advisory.RequestID, Location: &moved, At: time.Now()}))
	loc := readEvent(t, patient)
	assert.Equal(t, models.EventDriverLocationUpdate, loc.Type)
	assert.Equal(t, moved, *loc.Location)

	// wrong role for the command
	require.NoError(t, patient.WriteJSON(models.Command{Type: models.CommandCompleteRequest, RequestID: advisory.RequestID, HospitalID: "h1"}))
	denied := readEvent(t, patient)
	assert.Equal(t, models.EventError, denied.Type)
	assert.Equal(t, "forbidden", denied.Code)

	require.NoError(t, driver.WriteJSON(models.Command{Type: models.CommandCompleteRequest, RequestID: advisory.RequestID, HospitalID: "h1"}))
	assert.Equal(t, models.EventRequestCompleted, readEvent(t, driver).Type)
	done := readEvent(t, patient)
	assert.Equal(t, models.EventRequestCompleted, done.Type)
	assert.Equal(t, "h1", done.HospitalID)
}

func TestChannelRejectsUnknownRole(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, _ := call(t, ts, http.MethodGet, "/ws/nurse/n1", models.Identity{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMiddlewareEchoesRequestIDAndRecovers(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	h := hub.New(reg, geo.NewIndex(), hub.Options{}, nil)
	srv := NewServer(dispatch.NewService(reg, h, nil, nil), h, nil, nil)
	srv.mux.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	ts := httptest.NewServer(srv)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/boom", nil)
	require.NoError(t, err)
	req.Header.Set(headerRequestID, "trace-me")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "trace-me", resp.Header.Get(headerRequestID))
	var e ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	assert.Equal(t, "internal", e.Error)
}
