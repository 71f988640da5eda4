package amqp

import (
	"encoding/json"
	"time"
)

// AllocationRecalculatedMessage announces that a user's allocations were
// rewritten. Consumers re-read state from the store; the counters are for
// logging only.
type AllocationRecalculatedMessage struct {
	UserID    string    `json:"user_id"`
	Month     string    `json:"month"`
	Updated   int       `json:"updated"`
	Attempted int       `json:"attempted"`
	Timestamp time.Time `json:"timestamp"`
}

func NewAllocationRecalculatedMessage(userID, month string, updated, attempted int) *AllocationRecalculatedMessage {
	return &AllocationRecalculatedMessage{
		UserID:    userID,
		Month:     month,
		Updated:   updated,
		Attempted: attempted,
		Timestamp: time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *AllocationRecalculatedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// AllocationRecalculatedMessageFromJSON decodes a message body.
func AllocationRecalculatedMessageFromJSON(data []byte) (*AllocationRecalculatedMessage, error) {
	var msg AllocationRecalculatedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
