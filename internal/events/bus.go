// Package events implements the cycle-scoped notification bus. Producers
// dispatch events at any time; consumers see, during one update cycle, the
// events dispatched since the previous cycle and nothing older.
package events

import (
	"sync"

	"lmclient/internal/store"
)

// Kind enumerates every event the bus carries.
type Kind int

const (
	KindConversationUpdate Kind = iota
	KindConversationDelete
	KindMessageReceived
	KindMessageDelete
	KindRagFilesUpdated
	KindProvidersUpdate
	KindPresetsUpdate
	KindProgress
)

// Event is one bus notification. Which payload fields are meaningful
// depends on Kind; unused fields stay zero. Update events carry the updated
// entity so consumers need no follow-up read.
type Event struct {
	Kind           Kind
	ConversationID int64
	MessageID      int64
	Conversation   *store.ConversationNode
	Message        *store.Message
	Progress       Progress
}

// Matches reports whether e satisfies a subscription pattern. A zero id in
// the pattern matches any event of the same kind.
func (e Event) Matches(pattern Event) bool {
	if e.Kind != pattern.Kind {
		return false
	}
	switch e.Kind {
	case KindConversationUpdate, KindConversationDelete, KindRagFilesUpdated, KindMessageReceived:
		return pattern.ConversationID == 0 || pattern.ConversationID == e.ConversationID
	case KindMessageDelete:
		return pattern.MessageID == 0 || pattern.MessageID == e.MessageID
	default:
		return true
	}
}

// Bus collects dispatched events into a pending queue and exposes them to
// subscribers for exactly one cycle.
type Bus struct {
	mu      sync.Mutex
	pending []Event
	current []Event
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Dispatch queues an event for the next cycle.
func (b *Bus) Dispatch(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, e)
}

// PreUpdate opens a cycle: queued events become visible and the queue is
// reset. Events of the previous cycle that no subscriber consumed are
// discarded here; there is no replay.
func (b *Bus) PreUpdate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.pending
	b.pending = nil
}

// Subscribe returns the current cycle's events matching the pattern. It may
// be called any number of times within one cycle.
func (b *Bus) Subscribe(pattern Event) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var matched []Event
	for _, e := range b.current {
		if e.Matches(pattern) {
			matched = append(matched, e)
		}
	}
	return matched
}

// PostSubscribe closes the cycle and drops its events.
func (b *Bus) PostSubscribe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = nil
}

// Constructors for the common events.

func ConversationUpdated(node *store.ConversationNode) Event {
	return Event{Kind: KindConversationUpdate, ConversationID: node.ID, Conversation: node}
}

func ConversationDeleted(conversationID int64) Event {
	return Event{Kind: KindConversationDelete, ConversationID: conversationID}
}

func MessageReceivedEvent(msg *store.Message) Event {
	return Event{
		Kind:           KindMessageReceived,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Message:        msg,
	}
}

func MessageDeleted(messageID int64) Event {
	return Event{Kind: KindMessageDelete, MessageID: messageID}
}

func RagFilesUpdated(conversationID int64) Event {
	return Event{Kind: KindRagFilesUpdated, ConversationID: conversationID}
}

func ProvidersUpdated() Event {
	return Event{Kind: KindProvidersUpdate}
}

func PresetsUpdated() Event {
	return Event{Kind: KindPresetsUpdate}
}

func ProgressUpdated(p Progress) Event {
	return Event{Kind: KindProgress, Progress: p}
}
