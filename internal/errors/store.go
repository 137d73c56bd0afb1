package errors

import (
	"fmt"
	"strings"
)

// Store names one of the three backing stores.
type Store string

const (
	StoreDocument   Store = "document"
	StoreGraph      Store = "graph"
	StoreRelational Store = "relational"
)

// StoreError is a connectivity or query failure in a single backing store.
type StoreError struct {
	Store Store
	Op    string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s store: %s: %v", e.Store, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrStore) match any StoreError.
func (e *StoreError) Is(target error) bool { return target == ErrStore }

// WrapStore tags err as a failure of store during op. Domain errors
// (validation, not found, conflict) are returned unchanged so callers keep
// seeing the category they care about.
func WrapStore(store Store, op string, err error) error {
	if err == nil {
		return nil
	}
	if IsDomain(err) {
		return err
	}
	var se *StoreError
	if As(err, &se) {
		return err
	}
	return &StoreError{Store: store, Op: op, Err: err}
}

// IsStore reports whether err is or wraps a StoreError.
func IsStore(err error) bool {
	if err == nil {
		return false
	}
	var se *StoreError
	return As(err, &se)
}

// StoreOf returns the store tag carried by err, if any.
func StoreOf(err error) (Store, bool) {
	var se *StoreError
	if As(err, &se) {
		return se.Store, true
	}
	return "", false
}

// SchemaConflictError reports that an attribute's inferred types disagree
// with the schema already registered for (kind, attribute).
type SchemaConflictError struct {
	KindMajor string
	KindMinor string
	Attribute string
	Existing  string
	Inferred  string
}

func (e *SchemaConflictError) Error() string {
	return fmt.Sprintf("schema conflict for attribute %q of kind %s/%s: registered as %s, got %s",
		e.Attribute, e.KindMajor, e.KindMinor, e.Existing, e.Inferred)
}

// Is lets errors.Is(err, ErrConflict) match schema conflicts.
func (e *SchemaConflictError) Is(target error) bool { return target == ErrConflict }

// StepOutcome is the result of one step of a multi-store operation.
type StepOutcome struct {
	Step    string `json:"step"`
	Store   Store  `json:"store"`
	Err     error  `json:"-"`
	Skipped bool   `json:"skipped,omitempty"`
}

// Succeeded reports whether the step ran without error.
func (o StepOutcome) Succeeded() bool { return !o.Skipped && o.Err == nil }

// PartialFailureError aggregates the per-step outcomes of a multi-store
// operation in which at least one step failed or was skipped. Steps that
// committed before a failure are not rolled back.
type PartialFailureError struct {
	Op       string
	EntityID string
	Outcomes []StepOutcome
}

func (e *PartialFailureError) Error() string {
	var ok, failed, skipped []string
	for _, o := range e.Outcomes {
		label := fmt.Sprintf("%s(%s)", o.Step, o.Store)
		switch {
		case o.Skipped:
			skipped = append(skipped, label)
		case o.Err != nil:
			failed = append(failed, fmt.Sprintf("%s: %v", label, o.Err))
		default:
			ok = append(ok, label)
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s of entity %q partially failed", e.Op, e.EntityID)
	if len(ok) > 0 {
		fmt.Fprintf(&b, "; succeeded: %s", strings.Join(ok, ", "))
	}
	if len(failed) > 0 {
		fmt.Fprintf(&b, "; failed: %s", strings.Join(failed, "; "))
	}
	if len(skipped) > 0 {
		fmt.Fprintf(&b, "; skipped: %s", strings.Join(skipped, ", "))
	}
	return b.String()
}

// Unwrap returns the first step error so errors.Is/As can see it.
func (e *PartialFailureError) Unwrap() error {
	for _, o := range e.Outcomes {
		if o.Err != nil {
			return o.Err
		}
	}
	return nil
}

// Succeeded returns the steps that completed.
func (e *PartialFailureError) Succeeded() []StepOutcome {
	var out []StepOutcome
	for _, o := range e.Outcomes {
		if o.Succeeded() {
			out = append(out, o)
		}
	}
	return out
}

// Failed returns the steps that returned an error.
func (e *PartialFailureError) Failed() []StepOutcome {
	var out []StepOutcome
	for _, o := range e.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// AsPartialFailure extracts a PartialFailureError from err.
func AsPartialFailure(err error) (*PartialFailureError, bool) {
	var pf *PartialFailureError
	if As(err, &pf) {
		return pf, true
	}
	return nil, false
}
