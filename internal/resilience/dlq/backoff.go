package dlq

import "time"

// DefaultSchedule is the replay delay indexed by retries already made.
var DefaultSchedule = []time.Duration{
	0,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	6 * time.Hour,
}

// Schedule maps a retry count to the delay before the next replay.
type Schedule []time.Duration

// Delay returns the delay after retries replays, clamped at the last entry.
func (s Schedule) Delay(retries int) time.Duration {
	if len(s) == 0 {
		return 0
	}
	if retries < 0 {
		retries = 0
	}
	if retries >= len(s) {
		return s[len(s)-1]
	}
	return s[retries]
}
