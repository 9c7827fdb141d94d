package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTT implements Broker over an MQTT broker. One MQTT subscription per key
// is shared by all local subscribers of that key.
type MQTT struct {
	client mqtt.Client
	prefix string
	qos    byte
	log    *zap.Logger

	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

// MQTTOptions configures NewMQTT.
type MQTTOptions struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

func NewMQTT(o MQTTOptions, log *zap.Logger) (*MQTT, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if o.TopicPrefix == "" {
		o.TopicPrefix = "fieldroute"
	}
	if o.ClientID == "" {
		o.ClientID = fmt.Sprintf("fieldroute-%d", time.Now().UnixNano())
	}
	opts := mqtt.NewClientOptions().
		AddBroker(o.BrokerURL).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect %s: timeout", o.BrokerURL)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", o.BrokerURL, err)
	}
	return &MQTT{client: c, prefix: strings.TrimSuffix(o.TopicPrefix, "/"), qos: o.QoS, log: log, subs: map[string]map[chan Event]struct{}{}}, nil
}

var topicKinds = map[string]string{
	"route": "routes",
	"tech":  "technicians",
}

// Topic maps a broker key to an MQTT topic:
// route:abc -> fieldroute/routes/abc, tech:t1:x -> fieldroute/technicians/t1/x.
func (b *MQTT) Topic(key string) string {
	kind, rest, ok := strings.Cut(key, ":")
	if !ok {
		return b.prefix + "/" + key
	}
	if k, known := topicKinds[kind]; known {
		kind = k
	}
	return b.prefix + "/" + kind + "/" + strings.ReplaceAll(rest, ":", "/")
}

func (b *MQTT) Subscribe(key string) chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	first := b.subs[key] == nil
	if first {
		b.subs[key] = map[chan Event]struct{}{}
	}
	b.subs[key][ch] = struct{}{}
	b.mu.Unlock()
	if !first {
		return ch
	}
	tok := b.client.Subscribe(b.Topic(key), b.qos, func(_ mqtt.Client, msg mqtt.Message) {
		var evt Event
		if err := json.Unmarshal(msg.Payload(), &evt); err != nil {
			b.log.Warn("mqtt event decode failed", zap.String("topic", msg.Topic()), zap.Error(err))
			return
		}
		b.fanout(key, evt)
	})
	if tok.WaitTimeout(5*time.Second) && tok.Error() != nil {
		b.log.Warn("mqtt subscribe failed", zap.String("key", key), zap.Error(tok.Error()))
	}
	return ch
}

func (b *MQTT) fanout(key string, evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[key] {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (b *MQTT) Unsubscribe(key string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[key]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	close(ch)
	if len(m) == 0 {
		delete(b.subs, key)
		b.client.Unsubscribe(b.Topic(key))
	}
}

func (b *MQTT) Publish(key string, evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	tok := b.client.Publish(b.Topic(key), b.qos, false, data)
	if tok.WaitTimeout(2*time.Second) && tok.Error() != nil {
		b.log.Warn("mqtt publish failed", zap.String("key", key), zap.Error(tok.Error()))
	}
}

func (b *MQTT) Close() { b.client.Disconnect(250) }
