package offload

import "time"

// DrainReason records why a handle left the selection rotation
type DrainReason string

const (
	ReasonSectionDrain DrainReason = "section_drain"
	ReasonPollFailures DrainReason = "poll_failures"
	ReasonFatalStatus  DrainReason = "fatal_status"
)

// FailurePolicy drains a handle once MaxFailures polls fail inside Window
// with no successful poll in between. MaxFailures of zero disables it.
type FailurePolicy struct {
	MaxFailures int
	Window      time.Duration
}

// DefaultFailurePolicy is used when a section is started without one.
var DefaultFailurePolicy = FailurePolicy{MaxFailures: 16, Window: time.Minute}

// failureTracker counts recent poll failures for one handle. It is owned by
// the handle's polling goroutine.
type failureTracker struct {
	policy   FailurePolicy
	failures []time.Time
}

func newFailureTracker(policy FailurePolicy) *failureTracker {
	return &failureTracker{policy: policy}
}

// record adds a failure at now and reports the count inside the window and
// whether the policy threshold was reached.
func (t *failureTracker) record(now time.Time) (int, bool) {
	t.failures = append(t.failures, now)

	window := t.policy.Window
	if window <= 0 {
		window = DefaultFailurePolicy.Window
	}
	cutoff := now.Add(-window)
	filtered := t.failures[:0]
	for _, at := range t.failures {
		if at.After(cutoff) {
			filtered = append(filtered, at)
		}
	}
	t.failures = filtered

	if t.policy.MaxFailures <= 0 {
		return len(t.failures), false
	}
	return len(t.failures), len(t.failures) >= t.policy.MaxFailures
}

// reset clears the window after a successful poll.
func (t *failureTracker) reset() {
	t.failures = t.failures[:0]
}
