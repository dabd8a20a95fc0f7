package inbox

import (
	"fmt"
	"time"
)

// Outcome is the result of consuming one delivery.
type Outcome int

const (
	// OutcomeFailed means the delivery failed and must be redelivered by the transport.
	OutcomeFailed Outcome = iota

	// OutcomeProcessed means the handler ran and its effect was committed.
	OutcomeProcessed

	// OutcomeSkipped means there was nothing to do: the message was already
	// processed, or another consumer instance holds it right now.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFailed:
		return "failed"
	case OutcomeProcessed:
		return "processed"
	case OutcomeSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Observer receives notifications about consumed deliveries.
// Implementations must be safe for concurrent use and must not block.
type Observer interface {
	// OnConsumed is called once per Consume call.
	OnConsumed(consumerID string, outcome Outcome, elapsed time.Duration)

	// OnRetry is called when the execution strategy runs the claim and
	// handle unit again after a transient failure.
	OnRetry(consumerID string, attempt int, err error)
}

type noOpObserver struct{}

func (noOpObserver) OnConsumed(string, Outcome, time.Duration) {}

func (noOpObserver) OnRetry(string, int, error) {}
