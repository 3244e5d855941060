// Package retry runs device calls that may fail with transient memory exhaustion.
package retry

import "time"

// DefaultSchedule is the sleep applied after each transient failure.
// The call is attempted once per entry.
var DefaultSchedule = []time.Duration{
	0,
	time.Millisecond,
	10 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// Policy retries an operation while it reports a transient error.
type Policy struct {
	// Schedule lists the delay after each failed attempt. An empty schedule
	// means a single attempt.
	Schedule []time.Duration

	// Transient classifies errors worth retrying.
	Transient func(error) bool

	// Sleep replaces time.Sleep, mainly for tests.
	Sleep func(time.Duration)

	// OnRetry is called before each sleep with the attempt number and error.
	OnRetry func(attempt int, err error)
}

// Do calls fn until it succeeds, fails with a non-transient error, or the
// schedule is exhausted. The last error is returned.
func (p Policy) Do(fn func() error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	attempts := max(len(p.Schedule), 1)
	var err error
	for i := range attempts {
		err = fn()
		if err == nil || p.Transient == nil || !p.Transient(err) {
			return err
		}
		if i < len(p.Schedule) {
			if p.OnRetry != nil {
				p.OnRetry(i+1, err)
			}
			if d := p.Schedule[i]; d > 0 {
				sleep(d)
			}
		}
	}
	return err
}
