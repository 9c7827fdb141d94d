package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fieldroute/internal/auth"
	"fieldroute/internal/events"
	"fieldroute/internal/logging"
)

// WebSocket protocol on /v1/ws:
//
//	-> {"type":"connection_init"}                         <- {"type":"connection_ack"}
//	-> {"type":"subscribe","id":"1","payload":{"routeId":"..."}}
//	   or payload {"technicianId":"..."}                  <- {"type":"next","id":"1","payload":{event}}
//	-> {"type":"complete","id":"1"}                       <- {"type":"complete","id":"1"}
//	-> {"type":"ping"}                                    <- {"type":"pong"}

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsSubscribe struct {
	RouteID      string `json:"routeId"`
	TechnicianID string `json:"technicianId"`
}

const (
	wsReadTimeout  = 60 * time.Second
	wsPingInterval = 20 * time.Second
)

// wsConn serialises writes; gorilla allows one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(m wsMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(m)
}

func (c *wsConn) fail(id, msg string) {
	b, _ := json.Marshal(map[string]string{"message": msg})
	_ = c.send(wsMessage{Type: "error", ID: id, Payload: b})
	_ = c.send(wsMessage{Type: "complete", ID: id})
}

// WSHandler handles GET /v1/ws.
func (s *Server) WSHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, nil)
	if !ok {
		return
	}
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	log := logging.FromContext(r.Context(), s.Log).With(zap.String("tenant", p.Tenant))
	conn := &wsConn{conn: raw}

	type sub struct {
		key string
		ch  chan events.Event
	}
	subs := map[string]sub{}
	var wg sync.WaitGroup
	done := make(chan struct{})
	defer func() {
		close(done)
		for _, sb := range subs {
			s.Broker.Unsubscribe(sb.key, sb.ch)
		}
		_ = raw.Close()
		wg.Wait()
	}()

	raw.SetReadLimit(1 << 20)
	_ = raw.SetReadDeadline(time.Now().Add(wsReadTimeout))
	raw.SetPongHandler(func(string) error { return raw.SetReadDeadline(time.Now().Add(wsReadTimeout)) })

	acked := false
	for {
		var msg wsMessage
		if err := raw.ReadJSON(&msg); err != nil {
			return
		}
		_ = raw.SetReadDeadline(time.Now().Add(wsReadTimeout))
		switch msg.Type {
		case "connection_init":
			_ = conn.send(wsMessage{Type: "connection_ack"})
			if acked {
				continue
			}
			acked = true
			wg.Add(1)
			go func() {
				defer wg.Done()
				ticker := time.NewTicker(wsPingInterval)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						if conn.send(wsMessage{Type: "ping"}) != nil {
							return
						}
					}
				}
			}()
		case "ping":
			_ = conn.send(wsMessage{Type: "pong"})
		case "subscribe":
			if msg.ID == "" {
				conn.fail("", "subscription id required")
				continue
			}
			if _, dup := subs[msg.ID]; dup {
				conn.fail(msg.ID, "subscription id already in use")
				continue
			}
			var pl wsSubscribe
			_ = json.Unmarshal(msg.Payload, &pl)
			key, reason := s.wsKey(r, p, pl)
			if reason != "" {
				conn.fail(msg.ID, reason)
				continue
			}
			ch := s.Broker.Subscribe(key)
			subs[msg.ID] = sub{key: key, ch: ch}
			wg.Add(1)
			go func(id string, ch chan events.Event) {
				defer wg.Done()
				for evt := range ch {
					b, _ := json.Marshal(evt)
					if conn.send(wsMessage{Type: "next", ID: id, Payload: b}) != nil {
						log.Debug("ws send failed", zap.String("subscription", id))
					}
				}
				_ = conn.send(wsMessage{Type: "complete", ID: id})
			}(msg.ID, ch)
		case "complete":
			if sb, ok := subs[msg.ID]; ok {
				s.Broker.Unsubscribe(sb.key, sb.ch)
				delete(subs, msg.ID)
			}
		}
	}
}

// wsKey picks the broker key for a subscription, or a reason it is refused.
func (s *Server) wsKey(r *http.Request, p auth.Principal, pl wsSubscribe) (string, string) {
	switch {
	case pl.RouteID != "":
		if _, err := s.routeFor(r.Context(), p, pl.RouteID); err != nil {
			return "", "route not found or forbidden"
		}
		return events.RouteKey(pl.RouteID), ""
	case pl.TechnicianID != "":
		if !canSeeTechnician(p, pl.TechnicianID) {
			return "", "forbidden"
		}
		return events.TechnicianKey(p.Tenant, pl.TechnicianID), ""
	default:
		return "", "routeId or technicianId required"
	}
}
