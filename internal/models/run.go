package models

import (
	"time"
)

// RunSummary is the outcome of one simulation run.
type RunSummary struct {
	BaseModel
	Name          string        `json:"name" db:"name"`
	Seed          int64         `json:"seed" db:"seed"`
	Band          string        `json:"band" db:"band"`
	StartedAt     time.Time     `json:"startedAt" db:"started_at"`
	FinishedAt    time.Time     `json:"finishedAt" db:"finished_at"`
	SimulatedTime time.Duration `json:"simulatedTime" db:"simulated_time"`
	Gateways      []string      `json:"gateways" db:"gateways"`
	Devices       int           `json:"devices" db:"devices"`

	BeaconsBroadcast uint64 `json:"beaconsBroadcast" db:"beacons_broadcast"`
	BeaconsBlocked   uint64 `json:"beaconsBlocked" db:"beacons_blocked"`
	MulticastSent    uint64 `json:"multicastSent" db:"multicast_sent"`
	UnicastSent      uint64 `json:"unicastSent" db:"unicast_sent"`

	// Details holds the full analyzer summary.
	Details Variables `json:"details,omitempty" db:"details"`
}
