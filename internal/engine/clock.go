package engine

import "time"

// Clock supplies wall-clock time. Elapsed-time rules (the anti-gaming
// window) read it, so tests substitute a fake.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
