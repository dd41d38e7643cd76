package bus

import "time"

// StateChange is the payload of TopicState.
type StateChange struct {
	State         string    `json:"state"`
	PreviousState string    `json:"previousState"`
	Timestamp     time.Time `json:"timestamp"`
}

// InterruptSignal is the payload of TopicInterrupt.
type InterruptSignal struct {
	Reason    string
	Resumable bool
}

// KBUpdate is the payload of TopicUpdateKB.
type KBUpdate struct {
	Topic   string
	Content string
}

// Chunk is the payload of TopicChunk.
type Chunk struct {
	Delta string
	// Index is the position of the delta in the controller's chunk history.
	Index int
}
