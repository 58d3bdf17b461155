package sessions

import "time"

// DefaultIdleThreshold is how long a session may go without a routed request
// before it is considered expired.
const DefaultIdleThreshold = 30 * time.Minute

// IsExpired reports whether a session last active at lastActivity has been
// idle for strictly longer than threshold at now. A session exactly at the
// threshold is still live.
func IsExpired(lastActivity, now time.Time, threshold time.Duration) bool {
	return now.Sub(lastActivity) > threshold
}
