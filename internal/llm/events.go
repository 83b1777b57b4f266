package llm

// Event is one item of a streaming completion. The concrete types Start,
// Message, End and Error are the only implementations.
type Event interface {
	isEvent()
}

// Start signals that the provider accepted the request and the stream is
// open.
type Start struct{}

// Message carries one delta of generated output. Reasoning holds text the
// model produced as chain-of-thought, either via the provider's native
// reasoning field or inside inline reasoning tags.
type Message struct {
	Role      string
	Content   string
	Reasoning string
}

// End signals normal stream termination.
type End struct{}

// Error terminates the stream abnormally. No further events follow it.
type Error struct {
	Err error
}

func (Start) isEvent()   {}
func (Message) isEvent() {}
func (End) isEvent()     {}
func (Error) isEvent()   {}
