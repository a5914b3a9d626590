package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-classb/internal/events"
	"github.com/lorawan-server/lorawan-classb/internal/models"
	"github.com/lorawan-server/lorawan-classb/internal/storage"
)

// storeTimeout bounds every store call made from a message handler.
const storeTimeout = 5 * time.Second

// Conn is the part of *nats.Conn the subscriber needs.
type Conn interface {
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NATSSubscriber persists the events published by a simulation run
type NATSSubscriber struct {
	nc    Conn
	store storage.Store
	subs  []*nats.Subscription

	stored  atomic.Uint64
	dropped atomic.Uint64
}

// NewNATSSubscriber creates NATS subscriber
func NewNATSSubscriber(nc Conn, store storage.Store) *NATSSubscriber {
	return &NATSSubscriber{
		nc:    nc,
		store: store,
		subs:  make([]*nats.Subscription, 0),
	}
}

// Start subscribes and blocks until ctx is done
func (s *NATSSubscriber) Start(ctx context.Context) error {
	// Every event of every run
	sub1, err := s.nc.Subscribe(events.SubjectPrefix+".>", s.handleEvent)
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	s.subs = append(s.subs, sub1)

	// Network suspensions are worth a warning in the subscriber's log too
	sub2, err := s.nc.Subscribe(events.SubjectPrefix+"."+string(events.KindDownlinkSuspended)+".*", s.handleSuspension)
	if err != nil {
		return fmt.Errorf("subscribe downlink suspensions: %w", err)
	}
	s.subs = append(s.subs, sub2)

	log.Info().
		Int("subscriptions", len(s.subs)).
		Msg("NATS subscriber started")

	<-ctx.Done()

	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	log.Info().
		Uint64("stored", s.stored.Load()).
		Uint64("dropped", s.dropped.Load()).
		Msg("NATS subscriber stopped")

	return ctx.Err()
}

func decodeEnvelope(msg *nats.Msg) (*events.Envelope, error) {
	var env events.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope on %s: %w", msg.Subject, err)
	}
	return &env, nil
}

// handleEvent stores one published event
func (s *NATSSubscriber) handleEvent(msg *nats.Msg) {
	env, err := decodeEnvelope(msg)
	if err != nil {
		s.dropped.Add(1)
		log.Error().Err(err).Msg("Failed to decode event")
		return
	}

	event, err := models.NewEventLog(env)
	if err != nil {
		s.dropped.Add(1)
		log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to convert event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.CreateEventLog(ctx, event); err != nil {
		s.dropped.Add(1)
		log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to create event log")
		return
	}
	s.stored.Add(1)

	log.Debug().
		Str("subject", msg.Subject).
		Str("run_id", env.RunID.String()).
		Dur("at", env.At).
		Msg("Event stored")
}

// handleSuspension logs downlink suspensions
func (s *NATSSubscriber) handleSuspension(msg *nats.Msg) {
	env, err := decodeEnvelope(msg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to decode suspension")
		return
	}
	var e events.DownlinkSuspended
	if err := json.Unmarshal(env.Data, &e); err != nil {
		log.Error().Err(err).Msg("Failed to unmarshal suspension")
		return
	}
	log.Warn().
		Str("run_id", env.RunID.String()).
		Dur("at", env.At).
		Uint32("skipped_periods", e.SkippedPeriods).
		Msg("Network stopped class B downlinks")
}

// Counts returns how many events were stored and dropped.
func (s *NATSSubscriber) Counts() (stored, dropped uint64) {
	return s.stored.Load(), s.dropped.Load()
}
