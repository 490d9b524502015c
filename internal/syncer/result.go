package syncer

import (
	"errors"
	"fmt"
	"time"

	"github.com/tillbook/tillbook/internal/record"
)

// Operations named in failures.
const (
	OpPut    = "put"
	OpDelete = "delete"
	OpList   = "list"
	OpApply  = "apply"
)

// Failure is one record (or listing) that did not sync.
type Failure struct {
	ID     string `json:"id,omitempty" yaml:"id,omitempty"`
	Op     string `json:"op" yaml:"op"`
	Reason string `json:"reason" yaml:"reason"`
	Err    error  `json:"-" yaml:"-"`
}

// Transient reports whether the failure will be retried on the next trigger.
func (f Failure) Transient() bool {
	return record.Transient(f.Err)
}

func (f Failure) Error() string {
	if f.ID == "" {
		return fmt.Sprintf("%s: %v", f.Op, f.Err)
	}
	return fmt.Sprintf("%s %s: %v", f.Op, f.ID, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

// Result is the aggregate outcome of one session for one (tenant, kind).
//
// Coalesced is set when the request was folded into a session that was
// already running; the counters are then zero.
type Result struct {
	Kind      record.Kind   `json:"kind" yaml:"kind"`
	TenantID  string        `json:"tenant_id" yaml:"tenant_id"`
	Pushed    int           `json:"pushed" yaml:"pushed"`
	Deleted   int           `json:"deleted" yaml:"deleted"`
	Pulled    int           `json:"pulled" yaml:"pulled"`
	Removed   int           `json:"removed" yaml:"removed"`
	Failures  []Failure     `json:"failures,omitempty" yaml:"failures,omitempty"`
	Coalesced bool          `json:"coalesced,omitempty" yaml:"coalesced,omitempty"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

func (r *Result) fail(id, op string, err error) {
	r.Failures = append(r.Failures, Failure{ID: id, Op: op, Reason: err.Error(), Err: err})
}

// Err joins every failure, or returns nil.
func (r *Result) Err() error {
	if r == nil || len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Fatal returns the failures that will not heal by retrying.
func (r *Result) Fatal() []Failure {
	var out []Failure
	for _, f := range r.Failures {
		if !f.Transient() {
			out = append(out, f)
		}
	}
	return out
}

// Complete reports whether the pull phase saw the full remote listing.
func (r *Result) Complete() bool {
	if r.Coalesced {
		return false
	}
	for _, f := range r.Failures {
		if f.Op == OpList {
			return false
		}
	}
	return true
}

// Report aggregates the results of a multi-kind sync.
type Report struct {
	TenantID string                `json:"tenant_id" yaml:"tenant_id"`
	Results  []*Result             `json:"results" yaml:"results"`
	Errors   map[record.Kind]error `json:"-" yaml:"-"`
}

// Err joins per-kind session errors and record failures.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if err := r.Errors[res.Kind]; err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Kind, err))
		}
		if err := res.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Failed returns the number of fatal per-record failures across kinds.
func (r *Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		n += len(res.Fatal())
	}
	return n
}
