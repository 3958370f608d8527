package fetcher

import "context"

// Class tags the result of a single network attempt. The retry loop is a
// pure function of this classification; no control flow rides on panics or
// untyped errors.
type Class string

const (
	// ClassSuccess is a well-formed successful response.
	ClassSuccess Class = "success"

	// ClassTransient covers transport errors, timeouts and 5xx responses.
	// Retried with backoff, consuming an attempt.
	ClassTransient Class = "transient"

	// ClassRateLimited is a rate-limit response from the server. Not a
	// failure: the loop rotates credentials without consuming an attempt.
	ClassRateLimited Class = "rate_limited"

	// ClassCredentialInvalid means the credential was rejected outright.
	// The credential is excluded and the loop retries with another one.
	ClassCredentialInvalid Class = "credential_invalid"

	// ClassPermanent is an application-level rejection for this record.
	// No retry will fix it within this run.
	ClassPermanent Class = "permanent"

	// ClassMalformed is a response whose shape could not be decoded.
	// Treated as permanent, logged distinctly.
	ClassMalformed Class = "malformed"
)

// Attempt is the classified result of one network attempt.
type Attempt struct {
	Class   Class
	Payload any
	Err     error
}

// RemoteClient performs one fetch attempt for a record using the given
// credential token, and classifies whatever came back. Implementations must
// perform at most one network round trip per call.
type RemoteClient interface {
	FetchRecord(ctx context.Context, token string, id string) Attempt
}

// FailureKind distinguishes why a record failed permanently, for stats.
type FailureKind string

const (
	// FailureRejected is an application-level permanent rejection.
	FailureRejected FailureKind = "rejected"

	// FailureMalformed is an undecodable response.
	FailureMalformed FailureKind = "malformed"

	// FailureExhausted means transient errors consumed every attempt.
	FailureExhausted FailureKind = "exhausted"
)

// Outcome is the final result for one record. Only successes and permanent
// failures leave the fetcher; retryable conditions are internal.
type Outcome struct {
	ID       string
	Payload  any
	Failure  FailureKind
	Reason   string
	Attempts int
}

// Success reports whether the record was fetched.
func (o Outcome) Success() bool {
	return o.Failure == ""
}
