package job

import "encoding/json"

// Result is the outcome a handler declares for one lease.
//
// Exactly one of the two shapes is meaningful: a success carries an optional
// value, a failure carries an error and whether it may be retried.
type Result struct {
	value     interface{}
	err       error
	retryable bool
}

// Success reports the job completed; v is recorded on the job when non-nil
func Success(v interface{}) Result {
	return Result{value: v}
}

// Failure reports the job failed
func Failure(err error, retryable bool) Result {
	if err == nil {
		err = errUnspecified
	}
	return Result{err: err, retryable: retryable}
}

// Retry is a retryable failure
func Retry(err error) Result {
	return Failure(err, true)
}

// Permanent is a failure that must not be retried
func Permanent(err error) Result {
	return Failure(err, false)
}

// OK reports whether the result is a success
func (r Result) OK() bool {
	return r.err == nil
}

// Err returns the failure error, nil on success
func (r Result) Err() error {
	return r.err
}

// Retryable reports whether a failure may be retried
func (r Result) Retryable() bool {
	return r.err != nil && r.retryable
}

// Value returns the success value
func (r Result) Value() interface{} {
	return r.value
}

// Encode returns the success value as JSON, nil when there is none
func (r Result) Encode() (json.RawMessage, error) {
	if r.value == nil {
		return nil, nil
	}
	if raw, ok := r.value.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(r.value)
}

type unspecifiedError struct{}

func (unspecifiedError) Error() string { return "unspecified failure" }

var errUnspecified error = unspecifiedError{}
