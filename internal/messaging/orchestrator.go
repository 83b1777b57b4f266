// Package messaging orchestrates message generation: history assembly,
// retrieval context, streaming completion and summarization.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"lmclient/internal/conversations"
	"lmclient/internal/events"
	"lmclient/internal/llm"
	"lmclient/internal/rag"
	"lmclient/internal/store"
)

const (
	// summaryWindow is how many recent messages feed a summarization pass.
	summaryWindow = 5

	summaryTemperature = 0.4

	summarizePrompt = "SUMMARIZE LAST SUMMARY WITH NEW MESSAGES, DONT LOSE CONTEXT, " +
		"BUT SAVE CAPACITY, THIS NEED NOT FOR HUMAN, FORMAT OUTPUT MUST BE CONVINIENT " +
		"FOR OTHER LLM YOU MUST UPDATE INFO OF LAST SUMMARY, NOT OVERWRITE IT"
)

// Orchestrator drives a conversation turn end to end.
type Orchestrator struct {
	conversations *conversations.Service
	engine        *rag.Engine
	client        *llm.Client
	store         *store.Store
	bus           *events.Bus
	log           *logrus.Entry
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(convs *conversations.Service, engine *rag.Engine, client *llm.Client, st *store.Store, bus *events.Bus, log *logrus.Entry) *Orchestrator {
	return &Orchestrator{
		conversations: convs,
		engine:        engine,
		client:        client,
		store:         st,
		bus:           bus,
		log:           log,
	}
}

// SendMessage persists the user's message and generates the reply.
func (o *Orchestrator) SendMessage(ctx context.Context, conversationID int64, content string) (<-chan llm.Event, error) {
	_, err := o.conversations.WriteMessage(ctx, &store.Message{
		ConversationID: conversationID,
		Role:           store.RoleUser,
		Content:        content,
	})
	if err != nil {
		return nil, err
	}
	return o.GenerateMessage(ctx, conversationID)
}

// GenerateMessage streams a completion for the conversation's pending user
// turn. The assistant reply is persisted when the stream ends normally;
// partial output from a cancelled or failed stream is discarded.
func (o *Orchestrator) GenerateMessage(ctx context.Context, conversationID int64) (<-chan llm.Event, error) {
	node, err := o.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	history, err := o.conversations.GetLastMessages(ctx, conversationID, node.MaxMessages, 0)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, errors.New("conversation has no messages")
	}

	// The newest message becomes the user turn the model answers.
	last := history[len(history)-1]
	history = history[:len(history)-1]
	if last.Role != store.RoleUser {
		return nil, errors.New("latest message is not a user message")
	}
	userMsg := *last

	var assembled []store.Message

	summary, err := o.conversations.GetLastSummary(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if summary != "" {
		assembled = append(assembled, store.Message{
			Role:    store.RoleSystem,
			Content: "<LAST_SUMMARY>" + summary + "</LAST_SUMMARY>",
		})
	}
	for _, m := range history {
		assembled = append(assembled, *m)
	}

	if node.EmbeddingProvider != 0 && node.EmbeddingModel != "" {
		contextMsg, err := o.retrieveContext(ctx, node, &userMsg)
		if err != nil {
			o.log.WithField("conversation", conversationID).
				Errorf("retrieval failed: %v", err)
		} else {
			assembled = append(assembled, store.Message{
				Role:    store.RoleSystem,
				Content: contextMsg,
			})
		}
	}

	if node.Prompt != "" {
		assembled = append(assembled, store.Message{
			Role:    store.RoleSystem,
			Content: node.Prompt,
		})
	}

	model, err := o.generationModel(ctx, node)
	if err != nil {
		return nil, err
	}
	preset, err := o.conversations.GetPreset(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	stream, err := o.client.ChatCompletions(ctx, model, assembled, preset, userMsg)
	if err != nil {
		return nil, err
	}

	out := make(chan llm.Event)
	go o.collect(ctx, node, stream, out)
	return out, nil
}

// retrieveContext searches the conversation's vectors for the user turn,
// persists the chunk references on the message and renders the retrieved
// chunks into a context block.
func (o *Orchestrator) retrieveContext(ctx context.Context, node *store.ConversationNode, userMsg *store.Message) (string, error) {
	provider, err := o.store.GetProvider(ctx, node.EmbeddingProvider)
	if err != nil {
		return "", fmt.Errorf("failed to resolve embedding provider: %w", err)
	}
	model := llm.Model{Name: node.EmbeddingModel, Provider: provider}

	refs, err := o.engine.Search(ctx, model, userMsg.Content, node.ID)
	if err != nil {
		return "", err
	}

	userMsg.Chunks = refs
	if err := o.conversations.UpdateMessage(ctx, userMsg); err != nil {
		return "", err
	}

	chunks := make([]string, 0, len(refs))
	for _, ref := range refs {
		text, err := o.engine.Chunk(ctx, node.ID, ref)
		if err != nil {
			return "", err
		}
		chunks = append(chunks, "<chunk>"+text+"</chunk>")
	}
	return "<retrieved_context>" + strings.Join(chunks, "\n") + "</retrieved_context>", nil
}

// generationModel resolves the provider and model used to answer.
func (o *Orchestrator) generationModel(ctx context.Context, node *store.ConversationNode) (llm.Model, error) {
	if node.ProviderID == 0 {
		return llm.Model{}, errors.New("no provider or model configured")
	}
	provider, err := o.store.GetProvider(ctx, node.ProviderID)
	if err != nil {
		return llm.Model{}, fmt.Errorf("failed to resolve provider: %w", err)
	}
	model := llm.Model{Name: node.Model, Provider: provider}
	if model.ResolvedName() == "" {
		return llm.Model{}, errors.New("no provider or model configured")
	}
	return model, nil
}

// collect forwards stream events to the caller while accumulating the
// reply. On End the assistant message is persisted and, when enabled, a
// summarization pass follows.
func (o *Orchestrator) collect(ctx context.Context, node *store.ConversationNode, stream <-chan llm.Event, out chan<- llm.Event) {
	defer close(out)

	forward := func(e llm.Event) bool {
		select {
		case out <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var content, reasoning strings.Builder
	for event := range stream {
		switch ev := event.(type) {
		case llm.Message:
			content.WriteString(ev.Content)
			reasoning.WriteString(ev.Reasoning)
		case llm.End:
			saved, err := o.conversations.WriteMessage(ctx, &store.Message{
				ConversationID: node.ID,
				Role:           store.RoleAssistant,
				Content:        content.String(),
				Reasoning:      reasoning.String(),
			})
			if err != nil {
				forward(llm.Error{Err: fmt.Errorf("failed to persist reply: %w", err)})
				return
			}
			if node.SummaryEnabled {
				if err := o.Summarize(ctx, node.ID); err != nil {
					o.log.WithField("conversation", node.ID).
						Errorf("summarization failed: %v", err)
				}
			}
			o.log.WithFields(logrus.Fields{
				"conversation": node.ID,
				"message":      saved.ID,
			}).Debug("assistant reply persisted")
		}
		if !forward(event) {
			return
		}
	}
}

// Summarize condenses the recent turns into a rolling summary stored on the
// latest message.
func (o *Orchestrator) Summarize(ctx context.Context, conversationID int64) error {
	node, err := o.conversations.Get(ctx, conversationID)
	if err != nil {
		return err
	}

	providerID := node.SummaryProvider
	if providerID == 0 {
		providerID = node.ProviderID
	}
	if providerID == 0 {
		return errors.New("no provider or model configured")
	}
	provider, err := o.store.GetProvider(ctx, providerID)
	if err != nil {
		return fmt.Errorf("failed to resolve summary provider: %w", err)
	}
	model := llm.Model{Name: node.SummaryModel, Provider: provider}

	messages, err := o.conversations.GetLastMessages(ctx, conversationID, summaryWindow, 0)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	var b strings.Builder
	for _, m := range messages {
		role := m.Role.String()
		b.WriteString("<" + role + ">")
		b.WriteString(m.Content)
		b.WriteString("</" + role + ">\n")
		if m.Summary != "" {
			b.WriteString("<SUMMARY>" + m.Summary + "</SUMMARY>\n")
		}
	}

	preset := &store.Preset{
		Prompt:      summarizePrompt,
		Temperature: summaryTemperature,
		MaxTokens:   store.DefaultMaxTokens,
	}
	userMsg := store.Message{Role: store.RoleUser, Content: b.String()}

	stream, err := o.client.ChatCompletions(ctx, model, nil, preset, userMsg)
	if err != nil {
		return err
	}

	var summary strings.Builder
	for event := range stream {
		switch ev := event.(type) {
		case llm.Message:
			summary.WriteString(ev.Content)
		case llm.Error:
			return fmt.Errorf("summary stream failed: %w", ev.Err)
		case llm.End:
			latest := messages[len(messages)-1]
			latest.Summary = summary.String()
			if err := o.conversations.UpdateMessage(ctx, latest); err != nil {
				return err
			}
			o.bus.Dispatch(events.ConversationUpdated(node))
			return nil
		}
	}
	return ctx.Err()
}
