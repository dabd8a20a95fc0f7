package inbox

import "fmt"

// HandlerError indicates that the handler failed to process a claimed message.
// The transaction was rolled back and the record left New, so a later
// delivery can claim it again.
type HandlerError struct {
	Key Key
	Err error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handling message %s by %s: %v", e.Key.MessageID, e.Key.ConsumerID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// RetryLimitExceededError indicates that a unit of work kept failing with
// transient errors until the retry strategy gave up.
type RetryLimitExceededError struct {
	Attempts int
	Err      error
}

func (e *RetryLimitExceededError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryLimitExceededError) Unwrap() error { return e.Err }
