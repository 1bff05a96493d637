package types

import "errors"

var (
	// ErrConnectFailure indicates the initial handshake with a source or destination failed.
	ErrConnectFailure = &kindError{
		kind:    "connect_failure",
		message: "connect failure",
	}

	// ErrConnectionLost indicates an established connection was closed or reset mid-stream.
	ErrConnectionLost = &kindError{
		kind:    "connection_lost",
		message: "connection lost",
	}

	// ErrTimeout indicates no frame arrived within the configured idle bound.
	ErrTimeout = &kindError{
		kind:    "timeout",
		message: "timeout",
	}

	// ErrMalformedPayload indicates a frame could not be decoded as a JSON object.
	ErrMalformedPayload = &kindError{
		kind:    "malformed_payload",
		message: "malformed payload",
	}

	// ErrMissingKeyField indicates the partition key field was absent or empty.
	ErrMissingKeyField = &kindError{
		kind:    "missing_key_field",
		message: "missing key field",
	}

	// ErrPublishFailure indicates the broker did not accept a record for a reason
	// that a reconnect may fix (leader change, delivery timeout, broker outage).
	ErrPublishFailure = &kindError{
		kind:    "publish_failure",
		message: "publish failure",
	}

	// ErrPublishRejected indicates the broker refused a record for a reason a reconnect
	// cannot fix (authorization, unknown topic, record too large).
	ErrPublishRejected = &kindError{
		kind:    "publish_rejected",
		message: "publish rejected",
	}

	// ErrConfig indicates invalid or missing configuration.
	ErrConfig = &kindError{
		kind:    "config_error",
		message: "configuration error",
	}
)

// retryable lists the kinds the supervisor recovers from by reconnecting.
var retryable = []error{
	ErrConnectFailure,
	ErrConnectionLost,
	ErrTimeout,
	ErrPublishFailure,
}

// kindError classifies an error for retry decisions and log labels.
type kindError struct {
	kind    string
	message string
}

// Error implements the error interface.
func (e *kindError) Error() string {
	return e.message
}

// Kind returns the stable label of the error class.
func (e *kindError) Kind() string {
	return e.kind
}

func (e *kindError) Is(target error) bool {
	if t, ok := target.(*kindError); ok {
		return e.kind == t.kind
	}
	return false
}

// Kind walks the error chain and returns the label of the first classified error,
// "" for nil and "unknown" for unclassified errors.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.Kind()
	}
	return "unknown"
}

// Classified reports whether err carries any of the kinds defined in this package.
func Classified(err error) bool {
	var ke *kindError
	return errors.As(err, &ke)
}

// Retryable reports whether reconnecting may clear err.
// Data-quality, rejection and configuration errors are not retryable,
// and neither is anything unclassified.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	// A rejection wins even if a retryable kind was joined in alongside it.
	if errors.Is(err, ErrPublishRejected) {
		return false
	}
	for _, kind := range retryable {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
