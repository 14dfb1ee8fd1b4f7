package dispatch

import "errors"

// Acknowledgement errors: conditions a retry could never fix. The worker
// marks the webhook processed with a note instead of rescheduling it.
var (
	// ErrUnknownEventType means no handler is registered for the event type.
	ErrUnknownEventType = errors.New("no handler registered for event type")
	// ErrNotFound means the webhook references an entity the system never
	// created locally.
	ErrNotFound = errors.New("no local record matches provider id")
	// ErrMalformedPayload means the event body could not be decoded into the
	// shape the handler expects.
	ErrMalformedPayload = errors.New("malformed event payload")
)

// IsAcknowledged reports whether an error should be acknowledged rather than
// retried.
func IsAcknowledged(err error) bool {
	return errors.Is(err, ErrUnknownEventType) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrMalformedPayload)
}
