package domain

import "time"

// LogicalTime is the monotonic time injected into all accrual math, expressed
// in whole seconds. The production clock derives it from wall time; tests and
// replay tooling supply their own.
type LogicalTime int64

// SecondsPerDay converts between LogicalTime deltas and the per-day rates
// used by reward policies.
const SecondsPerDay int64 = 86_400

// Clock supplies the current logical time. Implementations must be monotonic:
// a later call never returns a smaller value than an earlier one.
type Clock interface {
	Now() LogicalTime
}

// WallClock is the production Clock, backed by the system wall clock
// truncated to seconds.
type WallClock struct{}

// Now returns the current wall time as LogicalTime.
func (WallClock) Now() LogicalTime {
	return LogicalTime(time.Now().Unix())
}

// Days returns a duration of n days as a LogicalTime delta.
func Days(n int64) LogicalTime {
	return LogicalTime(n * SecondsPerDay)
}
