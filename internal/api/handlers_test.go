package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fieldroute/internal/auth"
	"fieldroute/internal/config"
	"fieldroute/internal/dispatch"
	"fieldroute/internal/events"
	"fieldroute/internal/model"
	"fieldroute/internal/store"
	"fieldroute/internal/webhooks"
)

const planDate = "2026-10-19"

func newTestServer(t *testing.T, mutate ...func(*config.Config)) (*Server, *store.Memory) {
	t.Helper()
	cfg := config.Default()
	for _, m := range mutate {
		m(cfg)
	}
	mem := store.NewMemory()
	broker := events.NewMemory()
	planner := dispatch.NewPlanner(mem, broker, webhooks.NewPublisher(mem, zap.NewNop()), cfg.Planner, zap.NewNop())
	s := NewServer(cfg, mem, planner, broker, auth.NewVerifier(cfg.Auth), zap.NewNop())
	s.Heartbeat = 50 * time.Millisecond
	return s, mem
}

type hdr map[string]string

func as(role, tenant, user string) hdr {
	return hdr{"X-Role": role, "X-Tenant-Id": tenant, "X-User-Id": user}
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers hdr) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func stopIDs(stops []model.Stop) []string {
	out := make([]string, len(stops))
	for i, s := range stops {
		out[i] = s.ID
	}
	return out
}

const triangle = `{"stops":[
	{"id":"A","location":{"lat":0,"lng":0}},
	{"id":"C","location":{"lat":10,"lng":10}},
	{"id":"B","location":{"lat":1,"lng":0}}]}`

func assignTriangle(t *testing.T, h http.Handler, tenant, tech string) {
	t.Helper()
	body := `{"planDate":"` + planDate + `",` + strings.TrimPrefix(triangle, "{")
	rr := do(t, h, http.MethodPost, "/v1/technicians/"+tech+"/stops", body, as("dispatcher", tenant, ""))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestHealthReady(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", nil, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", nil, nil).Code)
	rr := do(t, h, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "http_requests_total")
}

func TestSequence(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rr := do(t, h, http.MethodPost, "/v1/sequence", triangle, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rt := decode[model.Route](t, rr)
	assert.Equal(t, []string{"A", "B", "C"}, stopIDs(rt.Stops))
	assert.Len(t, rt.Legs, 2)
	assert.NotEmpty(t, rr.Header().Get(requestIDHeader))

	rr = do(t, h, http.MethodPost, "/v1/sequence", `{"stops":[]}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/sequence", `{"stops":[{"id":"A","location":{"lat":0,"lng":0}},{"id":"B","location":{"lat":1}}]}`, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	p := decode[Problem](t, rr)
	require.NotNil(t, p.StopIndex)
	assert.Equal(t, 1, *p.StopIndex)
	assert.Equal(t, "B", p.StopID)

	rr = do(t, h, http.MethodPost, "/v1/sequence", `{"stops":`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAssignPlanAndRead(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	assignTriangle(t, h, "t1", "tech-1")

	rr := do(t, h, http.MethodGet, "/v1/technicians/tech-1/stops?planDate="+planDate, nil, as("dispatcher", "t1", ""))
	require.Equal(t, http.StatusOK, rr.Code)
	assigned := decode[struct{ Stops []model.Stop }](t, rr)
	assert.Equal(t, []string{"A", "C", "B"}, stopIDs(assigned.Stops))

	rr = do(t, h, http.MethodPost, "/v1/technicians/tech-1/route", `{"planDate":"`+planDate+`"}`, as("dispatcher", "t1", ""))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rt := decode[model.Route](t, rr)
	assert.Equal(t, []string{"A", "B", "C"}, stopIDs(rt.Stops))
	assert.Equal(t, model.RouteStatusSequenced, rt.Status)

	rr = do(t, h, http.MethodGet, "/v1/routes/"+rt.ID, nil, as("dispatcher", "t1", ""))
	assert.Equal(t, http.StatusOK, rr.Code)

	// other tenants cannot see it
	rr = do(t, h, http.MethodGet, "/v1/routes/"+rt.ID, nil, as("dispatcher", "t2", ""))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	// technicians see only their own routes
	rr = do(t, h, http.MethodGet, "/v1/routes/"+rt.ID, nil, as("technician", "t1", "tech-1"))
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = do(t, h, http.MethodGet, "/v1/routes/"+rt.ID, nil, as("technician", "t1", "tech-2"))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = do(t, h, http.MethodGet, "/v1/routes?planDate="+planDate, nil, as("technician", "t1", "tech-2"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[struct{ Items []model.Route }](t, rr).Items)

	rr = do(t, h, http.MethodPost, "/v1/technicians/tech-1/route?planDate="+planDate, nil, as("technician", "t1", "tech-1"))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/technicians/tech-1/route?planDate=tomorrow", nil, as("dispatcher", "t1", ""))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/technicians/nobody/route?planDate="+planDate, nil, as("dispatcher", "t1", ""))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/admin/plan-metrics?planDate="+planDate, nil, as("admin", "t1", ""))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"technicianId":"tech-1"`)
}

func TestPlanBatch(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	assignTriangle(t, h, "t1", "tech-b")
	assignTriangle(t, h, "t1", "tech-a")

	rr := do(t, h, http.MethodPost, "/v1/routes/plan", map[string]any{"planDate": planDate}, as("dispatcher", "t1", ""))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	out := decode[struct{ Routes []model.Route }](t, rr)
	require.Len(t, out.Routes, 2)
	assert.Equal(t, "tech-a", out.Routes[0].TechnicianID)

	rr = do(t, h, http.MethodGet, "/v1/routes?limit=1", nil, as("dispatcher", "t1", ""))
	require.Equal(t, http.StatusOK, rr.Code)
	page := decode[struct {
		Items      []model.Route
		NextCursor string
	}](t, rr)
	assert.Len(t, page.Items, 1)
	assert.NotEmpty(t, page.NextCursor)

	rr = do(t, h, http.MethodGet, "/v1/routes?limit=x", nil, as("dispatcher", "t1", ""))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSubscriptionsAdmin(t *testing.T) {
	s, mem := newTestServer(t)
	h := s.Handler()
	body := map[string]any{"url": "https://hooks.example/x", "events": []string{model.EventRouteSequenced}, "secret": "k"}

	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodPost, "/v1/subscriptions", body, as("dispatcher", "t1", "")).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/subscriptions", map[string]any{"url": "ftp://x", "events": []string{model.EventRouteSequenced}}, as("admin", "t1", "")).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/subscriptions", map[string]any{"url": "https://x", "events": []string{"nope"}}, as("admin", "t1", "")).Code)

	rr := do(t, h, http.MethodPost, "/v1/subscriptions", body, as("admin", "t1", ""))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	sub := decode[model.Subscription](t, rr)
	assert.Equal(t, "t1", sub.TenantID)

	rr = do(t, h, http.MethodGet, "/v1/subscriptions", nil, as("admin", "t1", ""))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), `"secret"`)

	assignTriangle(t, h, "t1", "tech-1")
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/technicians/tech-1/route?planDate="+planDate, nil, as("dispatcher", "t1", "")).Code)
	due, err := mem.FetchDueWebhookDeliveries(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	rr = do(t, h, http.MethodGet, "/v1/admin/webhook-deliveries", nil, as("admin", "t1", ""))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), model.EventRouteSequenced)

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil, as("admin", "t1", "")).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil, as("admin", "t1", "")).Code)
}

func TestTenantFromProfile(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPut, "/v1/admin/profiles/u-7", nil, as("admin", "t9", "")).Code)
	assignTriangle(t, h, "t9", "tech-1")

	// no tenant header: resolved through the profile of X-User-Id
	rr := do(t, h, http.MethodGet, "/v1/technicians/tech-1/stops?planDate="+planDate, nil, hdr{"X-User-Id": "u-7"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[struct{ Stops []model.Stop }](t, rr).Stops, 3)

	// unknown user falls back to the default tenant
	rr = do(t, h, http.MethodGet, "/v1/technicians/tech-1/stops?planDate="+planDate, nil, hdr{"X-User-Id": "stranger"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[struct{ Stops []model.Stop }](t, rr).Stops)
}

func TestHMACAuth(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) {
		c.Auth.Mode = "hmac"
		c.Auth.HMACSecret = "s3cret"
	})
	h := s.Handler()

	rr := do(t, h, http.MethodPost, "/v1/sequence", triangle, as("admin", "t1", ""))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"tenant": "t1", "role": "admin"}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	rr = do(t, h, http.MethodPost, "/v1/sequence", triangle, hdr{"Authorization": "Bearer " + tok})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/sequence", triangle, hdr{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/debug", nil, hdr{"Authorization": "Bearer " + tok})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"authMode":"hmac"`)
	assert.NotContains(t, rr.Body.String(), "s3cret")
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) {
		c.RateLimit.RPS = 0.001
		c.RateLimit.Burst = 1
	})
	h := s.Handler()
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/sequence", triangle, as("", "t1", "")).Code)
	rr := do(t, h, http.MethodPost, "/v1/sequence", triangle, as("", "t1", ""))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	// other tenants have their own bucket; health is never limited
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/sequence", triangle, as("", "t2", "")).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", nil, as("", "t1", "")).Code)
}

func TestRateLimitKeysOnVerifiedTenant(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) {
		c.Auth.Mode = "hmac"
		c.Auth.HMACSecret = "s3cret"
		c.RateLimit.RPS = 0.001
		c.RateLimit.Burst = 1
	})
	h := s.Handler()
	sign := func(tenant string) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"tenant": tenant, "role": "dispatcher"}).SignedString([]byte("s3cret"))
		require.NoError(t, err)
		return "Bearer " + tok
	}
	t1 := sign("t1")

	allowed := 0
	for i := 0; i < 10; i++ {
		rr := do(t, h, http.MethodPost, "/v1/sequence", triangle, hdr{"Authorization": t1, "X-Tenant-Id": fmt.Sprintf("other-%d", i)})
		if rr.Code == http.StatusOK {
			allowed++
		} else {
			assert.Equal(t, http.StatusTooManyRequests, rr.Code)
		}
	}
	assert.Equal(t, 1, allowed)
	assert.Len(t, s.limiter.clients, 1)

	// a header naming t2 does not spend t2's bucket
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/sequence", triangle, hdr{"Authorization": sign("t2")}).Code)

	// callers without a valid token share their address bucket
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/v1/sequence", triangle, hdr{"X-Tenant-Id": "t3"}).Code)
	rr := do(t, h, http.MethodPost, "/v1/sequence", triangle, hdr{"X-Tenant-Id": "t4"})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Len(t, s.limiter.clients, 3)
}

func TestSequenceNonNumericCoordinate(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	rr := do(t, h, http.MethodPost, "/v1/sequence", `{"stops":[{"id":"A","location":{"lat":0,"lng":0}},{"id":"B","location":{"lat":"abc","lng":1}}]}`, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code, rr.Body.String())
	p := decode[Problem](t, rr)
	require.NotNil(t, p.StopIndex)
	assert.Equal(t, 1, *p.StopIndex)
	assert.Equal(t, "B", p.StopID)
	assert.Contains(t, p.Detail, "latitude is not a number")
}

func TestPlanTechnicianEmptyChunkedBody(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	assignTriangle(t, h, "t1", "tech-1")

	// unknown length, no bytes: the query string carries the plan date
	req := httptest.NewRequest(http.MethodPost, "/v1/technicians/tech-1/route?planDate="+planDate, io.NopCloser(strings.NewReader("")))
	require.Equal(t, int64(-1), req.ContentLength)
	req.Header.Set("X-Tenant-Id", "t1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, []string{"A", "B", "C"}, stopIDs(decode[model.Route](t, rr).Stops))
}

func TestRouteEventStream(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	h := s.Handler()

	assignTriangle(t, h, "t1", "tech-1")
	rr := do(t, h, http.MethodPost, "/v1/technicians/tech-1/route?planDate="+planDate, nil, as("dispatcher", "t1", ""))
	require.Equal(t, http.StatusOK, rr.Code)
	rt := decode[model.Route](t, rr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/routes/"+rt.ID+"/events/stream", nil)
	require.NoError(t, err)
	req.Header.Set("X-Tenant-Id", "t1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	next := func() string {
		require.True(t, lines.Scan(), "stream ended")
		return lines.Text()
	}
	assert.Equal(t, "event: heartbeat", next())

	rr = do(t, h, http.MethodPost, "/v1/technicians/tech-1/route?planDate="+planDate, nil, as("dispatcher", "t1", ""))
	require.Equal(t, http.StatusOK, rr.Code)
	for {
		if next() == "event: "+model.EventRouteSequenced {
			break
		}
	}
	data := next()
	assert.Contains(t, data, `"version":2`)
}

func TestWebSocketSubscribe(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	hd := http.Header{}
	hd.Set("X-Tenant-Id", "t1")
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/ws", hd)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	read := func() wsMessage {
		var m wsMessage
		require.NoError(t, conn.ReadJSON(&m))
		return m
	}
	require.NoError(t, conn.WriteJSON(wsMessage{Type: "connection_init"}))
	assert.Equal(t, "connection_ack", read().Type)

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "subscribe", ID: "bad", Payload: json.RawMessage(`{}`)}))
	assert.Equal(t, "error", read().Type)
	assert.Equal(t, "complete", read().Type)

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: json.RawMessage(`{"technicianId":"tech-1"}`)}))
	require.NoError(t, conn.WriteJSON(wsMessage{Type: "ping"}))
	assert.Equal(t, "pong", read().Type)

	assignTriangle(t, s.Handler(), "t1", "tech-1")
	var m wsMessage
	for m = read(); m.Type != "next"; m = read() {
	}
	assert.Equal(t, "1", m.ID)
	var evt events.Event
	require.NoError(t, json.Unmarshal(m.Payload, &evt))
	assert.Equal(t, model.EventStopsAssigned, evt.Type)

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "complete", ID: "1"}))
	for m = read(); m.Type != "complete"; m = read() {
	}
	assert.Equal(t, "1", m.ID)
}
