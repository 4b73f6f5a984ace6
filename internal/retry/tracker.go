package retry

import (
	"errors"
	"fmt"
	"time"

	"github.com/szibis/logship/internal/exporter"
	"github.com/szibis/logship/internal/metrics"
)

// ErrInvalidTransition is returned when a Tracker method is called in a
// state that does not allow it.
var ErrInvalidTransition = errors.New("retry: invalid state transition")

// State is the lifecycle state of one batch.
type State int

const (
	Pending State = iota
	Attempting
	Retrying
	Acknowledged
	FatallyFailed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Attempting:
		return "attempting"
	case Retrying:
		return "retrying"
	case Acknowledged:
		return "acknowledged"
	case FatallyFailed:
		return "fatally_failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Acknowledged || s == FatallyFailed
}

// Action is what the caller must do next.
type Action int

const (
	// Ack: the batch was delivered.
	Ack Action = iota
	// Retry: wait Decision.Delay, then Begin again.
	Retry
	// Fail: the batch is lost with Decision.Reason.
	Fail
)

func (a Action) String() string {
	switch a {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case Fail:
		return "fail"
	default:
		return "unknown"
	}
}

// FailReason explains a Fail decision.
type FailReason string

const (
	ReasonFatal             FailReason = "fatal"
	ReasonAttemptsExhausted FailReason = "attempts_exhausted"
)

// ErrAttemptsExhausted wraps the last delivery error when the retry budget is
// consumed.
var ErrAttemptsExhausted = errors.New("retry: attempts exhausted")

// Decision is the result of observing one attempt.
type Decision struct {
	Action Action
	Delay  time.Duration
	Reason FailReason
	// Err is the error reported with a Fail decision.
	Err error
}

// Attempt records one delivery try.
type Attempt struct {
	Number     int
	Start      time.Time
	End        time.Time
	Outcome    exporter.Outcome
	Kind       exporter.ErrorKind
	StatusCode int
	Err        error
}

// Tracker is the state machine of a single batch:
// Pending → Attempting → {Acknowledged | FatallyFailed | Retrying → Attempting}.
// It is owned by one goroutine.
type Tracker struct {
	policy   *Policy
	sequence uint64
	state    State
	history  []Attempt
}

// Track starts tracking the batch with the given sequence number.
func (p *Policy) Track(sequence uint64) *Tracker {
	return &Tracker{policy: p, sequence: sequence, state: Pending}
}

// Sequence returns the tracked batch sequence number.
func (t *Tracker) Sequence() uint64 {
	return t.sequence
}

// State returns the current state.
func (t *Tracker) State() State {
	return t.state
}

// Attempts returns the number of attempts started.
func (t *Tracker) Attempts() int {
	return len(t.history)
}

// History returns a copy of all attempts.
func (t *Tracker) History() []Attempt {
	return append([]Attempt(nil), t.history...)
}

// Begin moves to Attempting and returns the attempt number (1-based).
func (t *Tracker) Begin() (int, error) {
	if t.state != Pending && t.state != Retrying {
		return 0, fmt.Errorf("%w: begin from %s", ErrInvalidTransition, t.state)
	}
	t.state = Attempting
	t.history = append(t.history, Attempt{
		Number: len(t.history) + 1,
		Start:  t.policy.now(),
	})
	return len(t.history), nil
}

// Observe classifies the result of the current attempt and returns the
// decision.
func (t *Tracker) Observe(res exporter.Result) (Decision, error) {
	if t.state != Attempting {
		return Decision{}, fmt.Errorf("%w: observe in %s", ErrInvalidTransition, t.state)
	}

	cur := &t.history[len(t.history)-1]
	cur.End = t.policy.now()
	cur.Outcome = res.Outcome
	cur.Kind = res.Kind
	cur.StatusCode = res.StatusCode
	cur.Err = res.Err

	switch res.Outcome {
	case exporter.Success:
		t.state = Acknowledged
		return Decision{Action: Ack}, nil

	case exporter.Fatal:
		t.state = FatallyFailed
		return Decision{Action: Fail, Reason: ReasonFatal, Err: res.Err}, nil
	}

	if cur.Number >= t.policy.cfg.MaxAttempts {
		t.state = FatallyFailed
		return Decision{
			Action: Fail,
			Reason: ReasonAttemptsExhausted,
			Err:    fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, cur.Number, res.Err),
		}, nil
	}

	t.state = Retrying
	kind := string(res.Kind)
	if kind == "" {
		kind = string(exporter.ErrorKindUnknown)
	}
	t.policy.rec.AddCounter(metrics.Retries, 1, kind)
	return Decision{Action: Retry, Delay: t.policy.Delay(cur.Number, res.RetryAfter)}, nil
}

// Abandon ends tracking without delivery, e.g. on shutdown. It is valid in
// any non-terminal state.
func (t *Tracker) Abandon() error {
	if t.state.Terminal() {
		return fmt.Errorf("%w: abandon from %s", ErrInvalidTransition, t.state)
	}
	t.state = FatallyFailed
	return nil
}
