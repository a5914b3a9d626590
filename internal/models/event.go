package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-classb/internal/events"
)

// EventLog is one persisted domain event.
type EventLog struct {
	BaseModel
	RunID   uuid.UUID     `json:"runId" db:"run_id"`
	Kind    events.Kind   `json:"kind" db:"kind"`
	Level   EventLevel    `json:"level" db:"level"`
	Subject string        `json:"subject" db:"subject"`
	At      time.Duration `json:"at" db:"sim_time"`
	Data    Variables     `json:"data,omitempty" db:"data"`
}

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)

// LevelFor classifies an event kind.
func LevelFor(k events.Kind) EventLevel {
	switch k {
	case events.KindBeaconLost, events.KindPingFailed, events.KindFragmentsMissed, events.KindBeaconBlocked:
		return EventLevelWarning
	case events.KindDownlinkSuspended:
		return EventLevelError
	case events.KindMacModeChanged, events.KindPingSlotOpened, events.KindBeaconRunLength, events.KindBroadcastRunLength:
		return EventLevelDebug
	default:
		return EventLevelInfo
	}
}

// NewEventLog converts a published envelope.
func NewEventLog(env *events.Envelope) (*EventLog, error) {
	var data Variables
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("event %s data: %w", env.ID, err)
		}
	}
	return &EventLog{
		BaseModel: BaseModel{ID: env.ID, CreatedAt: time.Now().UTC()},
		RunID:     env.RunID,
		Kind:      env.Kind,
		Level:     LevelFor(env.Kind),
		Subject:   env.Subject,
		At:        env.At,
		Data:      data,
	}, nil
}
