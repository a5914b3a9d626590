package stats

// RunStats summarizes the lengths of closed runs.
type RunStats struct {
	Runs  uint32 `json:"runs"`
	Min   uint32 `json:"min"`
	Max   uint32 `json:"max"`
	Total uint64 `json:"total"`
}

// Add records one closed run.
func (s *RunStats) Add(length uint32) {
	if s.Runs == 0 || length < s.Min {
		s.Min = length
	}
	if length > s.Max {
		s.Max = length
	}
	s.Runs++
	s.Total += uint64(length)
}

// Average returns the mean run length, or 0 without runs.
func (s RunStats) Average() float64 {
	if s.Runs == 0 {
		return 0
	}
	return float64(s.Total) / float64(s.Runs)
}

// RunLengthTracker follows alternating runs of successes and failures, such
// as consecutive beacons sent versus blocked. It starts in the failing state
// with an empty run.
type RunLengthTracker struct {
	succeeding bool
	count      uint32

	Successes RunStats
	Failures  RunStats
}

// Run is a run that just ended.
type Run struct {
	Success bool
	Length  uint32
}

// Record adds one outcome. When the outcome flips the state, the run that
// ended is returned with ok set; the initial empty run is never returned.
func (t *RunLengthTracker) Record(success bool) (closed Run, ok bool) {
	if success == t.succeeding {
		t.count++
		return Run{}, false
	}

	closed = Run{Success: t.succeeding, Length: t.count}
	ok = t.count > 0
	if ok {
		if t.succeeding {
			t.Successes.Add(t.count)
		} else {
			t.Failures.Add(t.count)
		}
	}
	t.succeeding = success
	t.count = 1
	return closed, ok
}

// Succeeding reports the state of the current run.
func (t RunLengthTracker) Succeeding() bool {
	return t.succeeding
}

// Count returns the length of the current run.
func (t RunLengthTracker) Count() uint32 {
	return t.count
}

// Current returns the run in progress.
func (t RunLengthTracker) Current() Run {
	return Run{Success: t.succeeding, Length: t.count}
}
