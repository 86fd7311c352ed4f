package taskqueue

import (
	"time"

	"github.com/spf13/cast"
)

// DefaultErrorState is the reserved literal a claim falls back to when a
// Spec names no ErrorState, preserving firebase-queue's original behavior
// of quarantining rather than refusing the claim.
const DefaultErrorState = "error"

// Spec binds a QueueWorker to one stage of a pipeline: the state a task
// must be in to be eligible, the state it moves to while being worked,
// and where it lands on success or exhausted retries.
type Spec struct {
	// StartState selects eligible tasks. nil means "tasks with no _state
	// field at all" rather than any particular string.
	StartState *string

	// InProgressState is required, and must differ from every other
	// state named in the Spec.
	InProgressState string

	// FinishedState is where a resolved task lands. nil means resolving
	// deletes the task instead of leaving a record behind.
	FinishedState *string

	// ErrorState is where a task lands once retries are exhausted, and
	// where a malformed task is quarantined on claim. Defaults to
	// DefaultErrorState when left empty.
	ErrorState string

	// Timeout arms the reaper: an in-progress task whose _state_changed
	// is older than Timeout is assumed abandoned and reset. nil disables
	// the reaper for this spec.
	Timeout *time.Duration

	// Retries is the number of times a rejected task is routed back to
	// StartState before landing in ErrorState. nil means zero retries.
	Retries *int
}

func (s *Spec) errorState() string {
	if s.ErrorState == "" {
		return DefaultErrorState
	}
	return s.ErrorState
}

func (s *Spec) retries() int {
	if s.Retries == nil {
		return 0
	}
	return *s.Retries
}

// HasTimeout reports whether the spec arms the timeout reaper.
func (s *Spec) HasTimeout() bool {
	return s != nil && s.Timeout != nil
}

// IsValidTaskSpec reports whether spec describes a usable Spec. It accepts
// either a *Spec or a map[string]any in the shape a Spec decodes to, so
// callers plumbing specs in from loosely-typed configuration (the
// firebase-queue convention) and callers constructing a Spec directly in
// Go both get the same validation.
func IsValidTaskSpec(spec any) bool {
	s, ok := toSpec(spec)
	if !ok {
		return false
	}
	return isValidSpec(s)
}

func toSpec(spec any) (*Spec, bool) {
	switch v := spec.(type) {
	case nil:
		return nil, false
	case *Spec:
		if v == nil {
			return nil, false
		}
		return v, true
	case Spec:
		return &v, true
	case map[string]any:
		return specFromMap(v)
	default:
		return nil, false
	}
}

func specFromMap(m map[string]any) (*Spec, bool) {
	s := &Spec{}
	if v, ok := m["inProgressState"]; ok {
		str, ok := v.(string)
		if !ok {
			return nil, false
		}
		s.InProgressState = str
	}
	if v, ok := m["startState"]; ok && v != nil {
		str, ok := v.(string)
		if !ok {
			return nil, false
		}
		s.StartState = &str
	}
	if v, ok := m["finishedState"]; ok && v != nil {
		str, ok := v.(string)
		if !ok {
			return nil, false
		}
		s.FinishedState = &str
	}
	if v, ok := m["errorState"]; ok && v != nil {
		str, ok := v.(string)
		if !ok {
			return nil, false
		}
		s.ErrorState = str
	}
	if v, ok := m["timeout"]; ok && v != nil {
		n, err := cast.ToIntE(v)
		if err != nil {
			return nil, false
		}
		d := time.Duration(n) * time.Millisecond
		s.Timeout = &d
	}
	if v, ok := m["retries"]; ok && v != nil {
		n, err := cast.ToIntE(v)
		if err != nil {
			return nil, false
		}
		s.Retries = &n
	}
	return s, true
}

func isValidSpec(s *Spec) bool {
	if s == nil {
		return false
	}
	if s.InProgressState == "" {
		return false
	}
	if s.StartState != nil {
		if *s.StartState == s.InProgressState {
			return false
		}
		if s.FinishedState != nil && *s.StartState == *s.FinishedState {
			return false
		}
	}
	if s.FinishedState != nil && *s.FinishedState == s.InProgressState {
		return false
	}
	if s.ErrorState != "" && s.ErrorState == s.InProgressState {
		return false
	}
	if s.Timeout != nil && *s.Timeout <= 0 {
		return false
	}
	if s.Retries != nil && *s.Retries < 0 {
		return false
	}
	return true
}
