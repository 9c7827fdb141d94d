// Package main runs a demo WebSocket client: it assigns stops to a
// technician, plans the route, subscribes to it on /v1/ws and re-plans so
// the route.sequenced event arrives over the socket.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	tenant   = "t_demo"
	tech     = "tech-demo"
	planDate = "2026-10-19"
)

func post(base, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", tenant)
	req.Header.Set("X-Role", "dispatcher")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func main() {
	log, _ := zap.NewDevelopment()
	defer func() { _ = log.Sync() }()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := "http://localhost:" + port

	stops := []map[string]any{
		{"id": "WO-1", "location": map[string]float64{"lat": 40.7128, "lng": -74.0060}, "label": "Depot"},
		{"id": "WO-2", "location": map[string]float64{"lat": 40.7306, "lng": -73.9352}},
		{"id": "WO-3", "location": map[string]float64{"lat": 40.7180, "lng": -74.0000}},
	}
	if err := post(base, "/v1/technicians/"+tech+"/stops", map[string]any{"planDate": planDate, "stops": stops}, nil); err != nil {
		log.Fatal("assign", zap.Error(err))
	}
	var route struct {
		ID string `json:"id"`
	}
	if err := post(base, "/v1/technicians/"+tech+"/route", map[string]any{"planDate": planDate}, &route); err != nil {
		log.Fatal("plan", zap.Error(err))
	}
	log.Info("route planned", zap.String("route", route.ID))

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/ws"}
	hdr := http.Header{}
	hdr.Set("X-Tenant-Id", tenant)
	hdr.Set("X-Role", "dispatcher")
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial", zap.Error(err))
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal("init", zap.Error(err))
	}
	pl, _ := json.Marshal(map[string]string{"routeId": route.ID})
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: pl}); err != nil {
		log.Fatal("subscribe", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Info("read ended", zap.Error(err))
				return
			}
			log.Info("ws <-", zap.String("type", m.Type), zap.ByteString("payload", m.Payload))
		}
	}()

	time.Sleep(500 * time.Millisecond)
	if err := post(base, "/v1/technicians/"+tech+"/route", map[string]any{"planDate": planDate}, nil); err != nil {
		log.Warn("replan", zap.Error(err))
	}

	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
