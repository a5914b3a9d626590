package lorawan

import (
	"time"

	"github.com/brocaar/lorawan/gps"
)

// GPSEpochTime returns ts as time since the GPS epoch.
func GPSEpochTime(ts time.Time) time.Duration {
	return gps.Time(ts).TimeSinceGPSEpoch()
}

// BeaconStartForTime returns the start of the beacon period containing ts,
// as time since the GPS epoch.
func BeaconStartForTime(ts time.Time) time.Duration {
	gpsTime := GPSEpochTime(ts)
	return gpsTime - (gpsTime % BeaconPeriod)
}

// GPSTime converts a duration since the GPS epoch back to wall clock time.
func GPSTime(sinceEpoch time.Duration) time.Time {
	return time.Time(gps.NewTimeFromTimeSinceGPSEpoch(sinceEpoch))
}

// BeaconTimeField is the 32 bit seconds value carried in a beacon sent at
// sinceEpoch.
func BeaconTimeField(sinceEpoch time.Duration) uint32 {
	return uint32((sinceEpoch / time.Second) % (1 << 32))
}
