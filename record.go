package taskqueue

import (
	"time"

	"github.com/relaydb/taskqueue/db"
	"github.com/spf13/cast"
)

// metadataFields lists the underscore-prefixed keys TaskWorker owns.
// Everything else in a task's value map is a user field, preserved
// verbatim across every transition.
var metadataFields = map[string]bool{
	"_state":         true,
	"_state_changed": true,
	"_owner":         true,
	"_progress":      true,
	"_error_details": true,
	"_id":            true,
}

// ErrorDetails records why a task was last rejected.
type ErrorDetails struct {
	PreviousState string `json:"previous_state"`
	Attempts      int    `json:"attempts"`
	Error         string `json:"error"`
	ErrorStack    string `json:"error_stack,omitempty"`
}

// Record is the decoded form of a task held at tasks/<id>. State and Owner
// are nil when the corresponding field is absent, matching the spec's
// null-means-absent convention (State == nil means "no _state field",
// which is what Spec.StartState == nil is eligible for).
type Record struct {
	State        *string
	StateChanged time.Time
	Owner        *string
	Progress     *int
	ErrorDetails *ErrorDetails
	Fields       map[string]any
}

func strPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }

// decodeRecord converts a raw db value map into a Record. A nil map
// decodes to a nil *Record, the same way a transaction function sees a
// missing location as a nil current value.
func decodeRecord(value map[string]any) *Record {
	if value == nil {
		return nil
	}
	r := &Record{Fields: make(map[string]any)}
	if v, ok := value["_state"]; ok && v != nil {
		if s, ok := v.(string); ok {
			r.State = &s
		}
	}
	if v, ok := value["_state_changed"]; ok {
		if t, ok := v.(time.Time); ok {
			r.StateChanged = t
		}
	}
	if v, ok := value["_owner"]; ok && v != nil {
		if s, ok := v.(string); ok {
			r.Owner = &s
		}
	}
	if v, ok := value["_progress"]; ok && v != nil {
		if p, err := cast.ToIntE(v); err == nil {
			r.Progress = &p
		}
	}
	if v, ok := value["_error_details"]; ok && v != nil {
		if ed, ok := v.(*ErrorDetails); ok {
			r.ErrorDetails = ed
		} else if m, ok := v.(map[string]any); ok {
			r.ErrorDetails = decodeErrorDetails(m)
		}
	}
	for k, v := range value {
		if metadataFields[k] {
			continue
		}
		r.Fields[k] = v
	}
	return r
}

func decodeErrorDetails(m map[string]any) *ErrorDetails {
	ed := &ErrorDetails{}
	if v, ok := m["previous_state"].(string); ok {
		ed.PreviousState = v
	}
	if v, err := cast.ToIntE(m["attempts"]); err == nil {
		ed.Attempts = v
	}
	if v, ok := m["error"].(string); ok {
		ed.Error = v
	}
	if v, ok := m["error_stack"].(string); ok {
		ed.ErrorStack = v
	}
	return ed
}

// encode flattens a Record back into the map[string]any shape the db
// package persists, ready for Transaction's next-value return. When
// useServerTimestamp is true, _state_changed is written as the
// db.ServerTimestamp sentinel so the backend substitutes its own clock at
// commit; otherwise the Record's own StateChanged value is preserved
// as-is (used by UpdateProgressWith, the one transition that must not
// advance _state_changed).
func (r *Record) encode(useServerTimestamp bool) map[string]any {
	out := make(map[string]any, len(r.Fields)+5)
	for k, v := range r.Fields {
		out[k] = v
	}
	if r.State != nil {
		out["_state"] = *r.State
	} else {
		out["_state"] = nil
	}
	if useServerTimestamp {
		out["_state_changed"] = db.ServerTimestamp{}
	} else if !r.StateChanged.IsZero() {
		out["_state_changed"] = r.StateChanged
	}
	if r.Owner != nil {
		out["_owner"] = *r.Owner
	} else {
		out["_owner"] = nil
	}
	if r.Progress != nil {
		out["_progress"] = *r.Progress
	} else {
		out["_progress"] = nil
	}
	if r.ErrorDetails != nil {
		out["_error_details"] = map[string]any{
			"previous_state": r.ErrorDetails.PreviousState,
			"attempts":       r.ErrorDetails.Attempts,
			"error":          r.ErrorDetails.Error,
			"error_stack":    r.ErrorDetails.ErrorStack,
		}
	} else {
		out["_error_details"] = nil
	}
	return out
}

func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	out := &Record{
		StateChanged: r.StateChanged,
		Fields:       fields,
	}
	if r.State != nil {
		out.State = strPtr(*r.State)
	}
	if r.Owner != nil {
		out.Owner = strPtr(*r.Owner)
	}
	if r.Progress != nil {
		out.Progress = intPtr(*r.Progress)
	}
	if r.ErrorDetails != nil {
		ed := *r.ErrorDetails
		out.ErrorDetails = &ed
	}
	return out
}

// Sanitize strips underscore-prefixed metadata, returning the payload a
// processing function should see when the sanitize option is enabled.
func Sanitize(r *Record) map[string]any {
	out := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		out[k] = v
	}
	return out
}
