// Package integration forwards simulation events to external systems: an
// HTTP webhook and an MQTT broker.
package integration

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-classb/internal/config"
	"github.com/lorawan-server/lorawan-classb/internal/events"
)

const (
	mqttTimeout     = 5 * time.Second
	mqttQuiesceMsec = 250
	// drainTimeout bounds forwarding of the events still queued at shutdown.
	drainTimeout = 5 * time.Second
)

// Conn is the part of *nats.Conn the forwarder needs.
type Conn interface {
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Publisher is the part of mqtt.Client used to forward events.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Forwarder queues events and forwards them from a single worker, so a slow
// target never blocks the simulation.
type Forwarder struct {
	cfg        config.IntegrationConfig
	kinds      map[events.Kind]bool
	httpClient *http.Client
	mqtt       Publisher
	client     mqtt.Client
	queue      chan *events.Envelope

	forwarded atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewForwarder creates a forwarder. Call Connect before Start when MQTT is
// enabled.
func NewForwarder(cfg config.IntegrationConfig) *Forwarder {
	f := &Forwarder{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTP.Timeout},
		queue:      make(chan *events.Envelope, cfg.QueueSize),
	}
	if len(cfg.Kinds) > 0 {
		f.kinds = make(map[events.Kind]bool, len(cfg.Kinds))
		for _, k := range cfg.Kinds {
			f.kinds[events.Kind(k)] = true
		}
	}
	return f
}

// Connect opens the MQTT connection.
func (f *Forwarder) Connect() error {
	if !f.cfg.MQTT.Enabled {
		return nil
	}
	cfg := f.cfg.MQTT
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", cfg.BrokerURL).Msg("MQTT client connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.BrokerURL).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("connect mqtt %s: timeout", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect mqtt %s: %w", cfg.BrokerURL, err)
	}
	f.client = client
	f.mqtt = client
	return nil
}

// Sink forwards events raised in this process, for runs without NATS.
func (f *Forwarder) Sink(runID uuid.UUID) events.Sink {
	return events.SinkFunc(func(e events.Event) {
		if !f.wants(e.Kind()) {
			return
		}
		env, err := events.NewEnvelope(runID, e)
		if err != nil {
			log.Error().Err(err).Msg("Failed to build event envelope")
			return
		}
		f.Enqueue(env)
	})
}

// Enqueue queues one event, dropping it when the queue is full.
func (f *Forwarder) Enqueue(env *events.Envelope) {
	if !f.wants(env.Kind) {
		return
	}
	select {
	case f.queue <- env:
	default:
		if f.dropped.Add(1) == 1 {
			log.Warn().Int("queue_size", cap(f.queue)).Msg("Integration queue full, dropping events")
		}
	}
}

func (f *Forwarder) wants(k events.Kind) bool {
	return f.kinds == nil || f.kinds[k]
}

// handleMessage queues one event received from NATS
func (f *Forwarder) handleMessage(msg *nats.Msg) {
	var env events.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to decode event")
		return
	}
	f.Enqueue(&env)
}

// Start forwards queued events until ctx is done. With a non-nil nc it also
// subscribes to every published event.
func (f *Forwarder) Start(ctx context.Context, nc Conn) error {
	if nc != nil {
		sub, err := nc.Subscribe(events.SubjectPrefix+".>", f.handleMessage)
		if err != nil {
			return fmt.Errorf("subscribe events: %w", err)
		}
		defer sub.Unsubscribe()
	}

	log.Info().
		Bool("http", f.cfg.HTTP.Enabled).
		Bool("mqtt", f.cfg.MQTT.Enabled).
		Msg("Integration forwarder started")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				f.drain()
				return
			case env := <-f.queue:
				f.forward(ctx, env)
			}
		}
	}()
	<-ctx.Done()
	wg.Wait()

	if f.client != nil && f.client.IsConnected() {
		f.client.Disconnect(mqttQuiesceMsec)
		log.Info().Msg("MQTT client disconnected")
	}

	forwarded, dropped, failed := f.Counts()
	log.Info().
		Uint64("forwarded", forwarded).
		Uint64("dropped", dropped).
		Uint64("failed", failed).
		Msg("Integration forwarder stopped")
	return ctx.Err()
}

func (f *Forwarder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for ctx.Err() == nil {
		select {
		case env := <-f.queue:
			f.forward(ctx, env)
		default:
			return
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, env *events.Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		f.failed.Add(1)
		log.Error().Err(err).Msg("Failed to marshal event")
		return
	}

	ok := true
	if f.cfg.HTTP.Enabled {
		if err := f.forwardToHTTP(ctx, body); err != nil {
			ok = false
			log.Error().Err(err).Str("endpoint", f.cfg.HTTP.Endpoint).Msg("Failed to forward event to HTTP")
		}
	}
	if f.mqtt != nil {
		topic := f.topic(env)
		if err := f.forwardToMQTT(topic, body); err != nil {
			ok = false
			log.Error().Err(err).Str("topic", topic).Msg("Failed to publish event to MQTT")
		}
	}

	if ok {
		f.forwarded.Add(1)
	} else {
		f.failed.Add(1)
	}
}

// forwardToHTTP posts one event
func (f *Forwarder) forwardToHTTP(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.HTTP.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range f.cfg.HTTP.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook answered %s", resp.Status)
	}
	return nil
}

// forwardToMQTT publishes one event
func (f *Forwarder) forwardToMQTT(topic string, body []byte) error {
	token := f.mqtt.Publish(topic, f.cfg.MQTT.QoS, false, body)
	if !token.WaitTimeout(mqttTimeout) {
		return fmt.Errorf("publish timeout")
	}
	return token.Error()
}

func (f *Forwarder) topic(env *events.Envelope) string {
	r := strings.NewReplacer(
		"{run_id}", env.RunID.String(),
		"{kind}", string(env.Kind),
		"{subject}", env.Subject,
	)
	return r.Replace(f.cfg.MQTT.TopicPattern)
}

// Counts returns how many events were forwarded, dropped on a full queue and
// failed on at least one target.
func (f *Forwarder) Counts() (forwarded, dropped, failed uint64) {
	return f.forwarded.Load(), f.dropped.Load(), f.failed.Load()
}
