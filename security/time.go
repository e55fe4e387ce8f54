package security

import "time"

// DefaultClockSkewGracePeriod is how long past its deadline a code or token is
// still accepted. It absorbs NTP drift between replicas sharing one store.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired reports whether expiresAt lies more than the default grace
// period in the past. A zero time never expires.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsExpiredAt(expiresAt, time.Now(), DefaultClockSkewGracePeriod)
}

// IsExpiredAt is IsTokenExpired against an explicit clock reading.
func IsExpiredAt(expiresAt, now time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(grace))
}

// RemainingSeconds returns the whole seconds left until expiresAt, never
// negative. It is what token responses report as expires_in.
func RemainingSeconds(expiresAt, now time.Time) int64 {
	d := expiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64(d.Round(time.Second) / time.Second)
}
