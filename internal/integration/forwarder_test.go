package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-classb/internal/config"
	"github.com/lorawan-server/lorawan-classb/internal/events"
	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return doneToken{}
}

func (p *fakePublisher) messages() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

var dev = lorawan.DevAddrFromUint32(0x01020304)

func testConfig() config.IntegrationConfig {
	return config.IntegrationConfig{
		QueueSize: 16,
		HTTP:      config.HTTPIntegrationConfig{Timeout: time.Second},
		MQTT: config.MQTTIntegrationConfig{
			TopicPattern: "classb/{run_id}/{kind}/{subject}",
			QoS:          1,
		},
	}
}

func TestForwardToHTTPAndMQTT(t *testing.T) {
	var mu sync.Mutex
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token", r.Header.Get("X-Api-Key"))
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, b)
		mu.Unlock()
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.HTTP.Enabled = true
	cfg.HTTP.Endpoint = srv.URL
	cfg.HTTP.Headers = map[string]string{"X-Api-Key": "token"}
	cfg.MQTT.Enabled = true
	cfg.Kinds = []string{string(events.KindBeaconLost)}

	f := NewForwarder(cfg)
	pub := &fakePublisher{}
	f.mqtt = pub

	runID := uuid.New()
	sink := f.Sink(runID)
	sink.Handle(events.BeaconLost{Header: events.Header{At: time.Second, DevAddr: dev}, Missed: 1})
	sink.Handle(events.BeaconReceived{Header: events.Header{At: 2 * time.Second, DevAddr: dev}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Start(ctx, nil) }()

	require.Eventually(t, func() bool {
		forwarded, _, _ := f.Counts()
		return forwarded == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	msgs := pub.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "classb/"+runID.String()+"/beacon_lost/01020304", msgs[0].topic)
	assert.Equal(t, byte(1), msgs[0].qos)

	mu.Lock()
	require.Len(t, bodies, 1)
	var env events.Envelope
	require.NoError(t, json.Unmarshal(bodies[0], &env))
	mu.Unlock()
	assert.Equal(t, runID, env.RunID)
	assert.Equal(t, events.KindBeaconLost, env.Kind)
	assert.Equal(t, time.Second, env.At)

	_, dropped, failed := f.Counts()
	assert.Zero(t, dropped)
	assert.Zero(t, failed)
}

func TestWebhookErrorCountsAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.HTTP.Enabled = true
	cfg.HTTP.Endpoint = srv.URL
	f := NewForwarder(cfg)

	env, err := events.NewEnvelope(uuid.New(), events.BeaconLost{Header: events.Header{DevAddr: dev}})
	require.NoError(t, err)
	f.forward(context.Background(), env)

	forwarded, _, failed := f.Counts()
	assert.Zero(t, forwarded)
	assert.Equal(t, uint64(1), failed)
}

func TestQueueDropsWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	f := NewForwarder(cfg)

	sink := f.Sink(uuid.New())
	for i := 0; i < 3; i++ {
		sink.Handle(events.BeaconLost{Header: events.Header{DevAddr: dev}})
	}
	_, dropped, _ := f.Counts()
	assert.Equal(t, uint64(2), dropped)
}

func TestDrainOnShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.MQTT.Enabled = true
	f := NewForwarder(cfg)
	pub := &fakePublisher{}
	f.mqtt = pub

	sink := f.Sink(uuid.New())
	sink.Handle(events.BeaconLost{Header: events.Header{DevAddr: dev}})
	sink.Handle(events.BeaconLost{Header: events.Header{DevAddr: dev}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.Start(ctx, nil), context.Canceled)
	assert.Len(t, pub.messages(), 2)
}

func TestHandleNATSMessage(t *testing.T) {
	cfg := testConfig()
	cfg.Kinds = []string{string(events.KindBeaconLost)}
	f := NewForwarder(cfg)

	lost, err := events.NewEnvelope(uuid.New(), events.BeaconLost{Header: events.Header{DevAddr: dev}})
	require.NoError(t, err)
	received, err := events.NewEnvelope(uuid.New(), events.BeaconReceived{Header: events.Header{DevAddr: dev}})
	require.NoError(t, err)
	for _, env := range []*events.Envelope{lost, received} {
		data, err := json.Marshal(env)
		require.NoError(t, err)
		f.handleMessage(&nats.Msg{Subject: "classb." + string(env.Kind) + "." + env.Subject, Data: data})
	}
	f.handleMessage(&nats.Msg{Subject: "classb.bad", Data: []byte("{")})

	require.Len(t, f.queue, 1)
	got := <-f.queue
	assert.Equal(t, lost.ID, got.ID)
	assert.Equal(t, events.KindBeaconLost, got.Kind)
}
