package inbox

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the processing state of an inbox record.
type State int16

const (
	// StateNew marks a record that has been seen but not yet processed
	// successfully. It can be claimed.
	StateNew State = 0

	// StateDone marks a record whose handler committed. It is final.
	StateDone State = 1
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int16(s))
	}
}

// Key identifies an inbox record: one message as seen by one logical consumer.
type Key struct {
	MessageID  uuid.UUID
	ConsumerID string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.ConsumerID, k.MessageID)
}

// Record is a row of the inbox table.
type Record struct {
	Key
	State     State
	CreatedAt time.Time
	UpdatedAt time.Time
}
