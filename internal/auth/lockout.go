package auth

import "time"

const (
	defaultMaxAttempts = 5
	defaultLockWindow  = 15 * time.Minute
)

// LockoutPolicy holds the brute-force thresholds applied to password logins.
// Stores that update counters atomically must apply the same transition as Fail.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{Threshold: defaultMaxAttempts, Duration: defaultLockWindow}
}

func (p LockoutPolicy) normalized() LockoutPolicy {
	if p.Threshold <= 0 {
		p.Threshold = defaultMaxAttempts
	}
	if p.Duration <= 0 {
		p.Duration = defaultLockWindow
	}
	return p
}

// Fail returns the counters after one more failed password check. Reaching the
// threshold opens a lock window and zeroes the counter, so a re-lock needs a
// full new run of failures.
func (p LockoutPolicy) Fail(attempts int, lockUntil *time.Time, now time.Time) (int, *time.Time) {
	attempts++
	if attempts >= p.Threshold {
		until := now.UTC().Add(p.Duration)
		return 0, &until
	}
	return attempts, lockUntil
}

func (p LockoutPolicy) Succeed(user *User) {
	user.FailedLoginAttempts = 0
	user.LockUntil = nil
}

// Locked reports an active lock window. A lock in the past counts as unlocked.
func (p LockoutPolicy) Locked(user User, now time.Time) bool {
	return user.LockUntil != nil && now.Before(*user.LockUntil)
}

func (p LockoutPolicy) dirty(user User) bool {
	return user.FailedLoginAttempts != 0 || user.LockUntil != nil
}
