package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sink consumes events.
type Sink interface {
	Handle(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e Event)

func (f SinkFunc) Handle(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Bus fans events out to every subscribed sink in subscription order.
type Bus struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewBus creates a bus with the given initial sinks.
func NewBus(sinks ...Sink) *Bus {
	return &Bus{sinks: sinks}
}

// Subscribe adds a sink.
func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Handle implements Sink, so buses can be nested.
func (b *Bus) Handle(e Event) {
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()
	for _, s := range sinks {
		s.Handle(e)
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Count returns the number of recorded events of kind k.
func (r *Recorder) Count(k Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind() == k {
			n++
		}
	}
	return n
}

// Filter returns the events of type T, in order.
func Filter[T Event](evs []Event) []T {
	var out []T
	for _, e := range evs {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// LogSink writes events to a zerolog logger.
type LogSink struct {
	Logger zerolog.Logger
	Level  zerolog.Level
}

// NewLogSink logs events on the global logger at debug level.
func NewLogSink() *LogSink {
	return &LogSink{Logger: log.Logger, Level: zerolog.DebugLevel}
}

func (s *LogSink) Handle(e Event) {
	s.Logger.WithLevel(s.Level).
		Str("kind", string(e.Kind())).
		Str("subject", e.Subject()).
		Dur("at", e.Time()).
		Interface("event", e).
		Msg("class B event")
}

// Envelope is the JSON document published for every event.
type Envelope struct {
	ID      uuid.UUID       `json:"id"`
	RunID   uuid.UUID       `json:"run_id"`
	Kind    Kind            `json:"kind"`
	Subject string          `json:"subject"`
	At      time.Duration   `json:"at"`
	Data    json.RawMessage `json:"data"`
}

// NewEnvelope wraps e for publishing.
func NewEnvelope(runID uuid.UUID, e Event) (*Envelope, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.Kind(), err)
	}
	return &Envelope{
		ID:      uuid.New(),
		RunID:   runID,
		Kind:    e.Kind(),
		Subject: e.Subject(),
		At:      e.Time(),
		Data:    data,
	}, nil
}

// SubjectPrefix is the first token of every published subject.
const SubjectPrefix = "classb"

// SubjectFor returns classb.<kind>.<subject>.
func SubjectFor(e Event) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, e.Kind(), e.Subject())
}

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subj string, data []byte) error
}

// Publisher publishes every event as an Envelope on NATS.
type Publisher struct {
	nc    Conn
	runID uuid.UUID
}

func NewPublisher(nc Conn, runID uuid.UUID) *Publisher {
	return &Publisher{nc: nc, runID: runID}
}

func (p *Publisher) Handle(e Event) {
	env, err := NewEnvelope(p.runID, e)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build event envelope")
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal event envelope")
		return
	}
	if err := p.nc.Publish(SubjectFor(e), data); err != nil {
		log.Warn().Err(err).Str("kind", string(e.Kind())).Msg("Failed to publish event")
	}
}
