// Package conversations provides the service over the conversation tree:
// hierarchy operations, message access and change notifications.
package conversations

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"lmclient/internal/events"
	"lmclient/internal/store"
)

// summaryWindow is how many recent messages are scanned for a summary.
const summaryWindow = 5

// Service wraps the store with tree-level operations and dispatches bus
// events on every mutation. Structural operations are serialized so sibling
// order stays dense under concurrent use.
type Service struct {
	mu    sync.RWMutex
	store *store.Store
	bus   *events.Bus
	log   *logrus.Entry
}

// NewService creates a Service.
func NewService(st *store.Store, bus *events.Bus, log *logrus.Entry) *Service {
	return &Service{store: st, bus: bus, log: log}
}

// AddChat creates a chat node as the first child of parentID.
func (s *Service) AddChat(ctx context.Context, name string, parentID int64) (*store.ConversationNode, error) {
	return s.add(ctx, name, parentID, store.NodeChat)
}

// AddFolder creates a folder node as the first child of parentID.
func (s *Service) AddFolder(ctx context.Context, name string, parentID int64) (*store.ConversationNode, error) {
	return s.add(ctx, name, parentID, store.NodeFolder)
}

func (s *Service) add(ctx context.Context, name string, parentID int64, typ store.NodeType) (*store.ConversationNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, err := s.store.AddConversation(ctx, name, parentID, typ)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"id":     node.ID,
		"parent": parentID,
		"type":   typ,
	}).Debug("conversation created")
	s.bus.Dispatch(events.ConversationUpdated(node))
	return node, nil
}

// Get returns a node by id.
func (s *Service) Get(ctx context.Context, id int64) (*store.ConversationNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.GetConversation(ctx, id)
}

// GetChildren returns the ordered children of a node; zero selects roots.
func (s *Service) GetChildren(ctx context.Context, parentID int64) ([]*store.ConversationNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.GetChildren(ctx, parentID)
}

// GetDescendants returns every node under id, parents before children. The
// traversal uses an explicit worklist so deep trees cannot exhaust the
// stack.
func (s *Service) GetDescendants(ctx context.Context, id int64) ([]*store.ConversationNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var descendants []*store.ConversationNode
	worklist := []int64{id}
	for len(worklist) > 0 {
		nodeID := worklist[0]
		worklist = worklist[1:]

		children, err := s.store.GetChildren(ctx, nodeID)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			descendants = append(descendants, child)
			worklist = append(worklist, child.ID)
		}
	}
	return descendants, nil
}

// Move reparents a node to position newIndex under newParentID.
func (s *Service) Move(ctx context.Context, id, newParentID int64, newIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.MoveConversation(ctx, id, newParentID, newIndex); err != nil {
		return err
	}
	node, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	s.bus.Dispatch(events.ConversationUpdated(node))
	return nil
}

// Update persists node fields and notifies subscribers.
func (s *Service) Update(ctx context.Context, node *store.ConversationNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.UpdateConversation(ctx, node); err != nil {
		return err
	}
	s.bus.Dispatch(events.ConversationUpdated(node))
	return nil
}

// SetPreset attaches a preset to a node; zero detaches.
func (s *Service) SetPreset(ctx context.Context, id, presetID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.SetConversationPreset(ctx, id, presetID); err != nil {
		return err
	}
	node, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	s.bus.Dispatch(events.ConversationUpdated(node))
	return nil
}

// GetPreset resolves the preset attached to a node, nil when none is set.
func (s *Service) GetPreset(ctx context.Context, id int64) (*store.Preset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if node.PresetID == 0 {
		return nil, nil
	}
	return s.store.GetPreset(ctx, node.PresetID)
}

// Delete removes a node and its whole subtree: messages, vector data and
// the node rows themselves, descendants first.
func (s *Service) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Collect the subtree with an explicit worklist, then delete in
	// reverse so children go before their parents.
	worklist := []int64{id}
	var subtree []int64
	for len(worklist) > 0 {
		nodeID := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		subtree = append(subtree, nodeID)

		children, err := s.store.GetChildren(ctx, nodeID)
		if err != nil {
			return err
		}
		for _, child := range children {
			worklist = append(worklist, child.ID)
		}
	}

	for i := len(subtree) - 1; i >= 0; i-- {
		nodeID := subtree[i]
		if err := s.store.DeleteConversationMessages(ctx, nodeID); err != nil {
			return err
		}
		if err := s.store.DeleteConversationVectors(ctx, nodeID); err != nil {
			return err
		}
		if err := s.store.DeleteConversation(ctx, nodeID); err != nil {
			return err
		}
		s.bus.Dispatch(events.ConversationDeleted(nodeID))
	}

	s.log.WithFields(logrus.Fields{
		"id":    id,
		"nodes": len(subtree),
	}).Debug("conversation subtree deleted")
	return nil
}

// WriteMessage persists a message and notifies subscribers.
func (s *Service) WriteMessage(ctx context.Context, m *store.Message) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved, err := s.store.AddMessage(ctx, m)
	if err != nil {
		return nil, err
	}
	s.bus.Dispatch(events.MessageReceivedEvent(saved))
	return saved, nil
}

// GetMessage returns a single message.
func (s *Service) GetMessage(ctx context.Context, id int64) (*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.GetMessage(ctx, id)
}

// GetLastMessages pages backward through a conversation's messages. The
// result is chronological; beforeID restricts it to older messages.
func (s *Service) GetLastMessages(ctx context.Context, conversationID int64, limit int, beforeID int64) ([]*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.GetLastMessages(ctx, conversationID, limit, beforeID)
}

// UpdateMessage persists message changes and notifies subscribers.
func (s *Service) UpdateMessage(ctx context.Context, m *store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.UpdateMessage(ctx, m); err != nil {
		return err
	}
	s.bus.Dispatch(events.MessageReceivedEvent(m))
	return nil
}

// DeleteMessage removes one message and notifies subscribers.
func (s *Service) DeleteMessage(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.DeleteMessage(ctx, id); err != nil {
		return err
	}
	s.bus.Dispatch(events.MessageDeleted(id))
	return nil
}

// GetLastSummary returns the most recent non-empty summary among the last
// few messages, or the empty string when none exists.
func (s *Service) GetLastSummary(ctx context.Context, conversationID int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, err := s.store.GetLastMessages(ctx, conversationID, summaryWindow, 0)
	if err != nil {
		return "", err
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Summary != "" {
			return messages[i].Summary, nil
		}
	}
	return "", nil
}
