// Package llm talks to OpenAI-compatible endpoints: streaming chat
// completions, embeddings and model listing.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"lmclient/internal/store"
)

// Model pairs a model name with the provider serving it. An empty Name
// falls back to the provider's default model.
type Model struct {
	Name     string
	Provider *store.Provider
}

// ResolvedName returns the model name after the default-model fallback.
func (m Model) ResolvedName() string {
	if m.Name != "" {
		return m.Name
	}
	if m.Provider != nil {
		return m.Provider.DefaultModel
	}
	return ""
}

// ChatMessage is one turn of a completion request.
type ChatMessage struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// Client issues requests against OpenAI-compatible HTTP APIs.
type Client struct {
	// No client-level timeout: completion streams stay open for the
	// duration of generation and are bounded by the request context.
	http *http.Client
	log  *logrus.Entry
}

// NewClient creates a Client logging through the given entry.
func NewClient(log *logrus.Entry) *Client {
	return &Client{
		http: &http.Client{},
		log:  log,
	}
}

// Models whose output wraps chain-of-thought in inline tags send the tag as
// a standalone delta. A delta counts as a tag only when it is exactly the
// tag and nothing else.
var reasoningOpenTags = []string{"<reasoning>", "<think>", "<thinking>", "<reason>"}

func isReasoningOpen(content string) bool {
	for _, tag := range reasoningOpenTags {
		if content == tag {
			return true
		}
	}
	return false
}

func isReasoningClose(content string) bool {
	for _, tag := range reasoningOpenTags {
		if content == "</"+tag[1:] {
			return true
		}
	}
	return false
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type streamDelta struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content"`
}

type streamChunk struct {
	Choices []struct {
		Delta *streamDelta `json:"delta"`
	} `json:"choices"`
}

func toChatMessage(m store.Message) ChatMessage {
	return ChatMessage{
		Role:             m.Role.String(),
		Content:          m.Content,
		ReasoningContent: m.Reasoning,
	}
}

// ChatCompletions streams a completion for history plus the user message.
// The preset contributes sampling parameters and, when its prompt is set, a
// leading system message. The returned channel delivers Start, then Message
// deltas, and closes after exactly one terminal event (End or Error).
func (c *Client) ChatCompletions(ctx context.Context, model Model, history []store.Message, preset *store.Preset, userMsg store.Message) (<-chan Event, error) {
	if model.Provider == nil {
		return nil, errors.New("no provider configured")
	}
	name := model.ResolvedName()
	if name == "" {
		return nil, errors.New("no model configured")
	}

	temperature := float32(store.DefaultTemperature)
	maxTokens := store.DefaultMaxTokens
	var messages []ChatMessage
	if preset != nil {
		temperature = preset.Temperature
		maxTokens = preset.MaxTokens
		if preset.Prompt != "" {
			messages = append(messages, ChatMessage{Role: store.RoleSystem.String(), Content: preset.Prompt})
		}
	}
	for _, m := range history {
		messages = append(messages, toChatMessage(m))
	}
	messages = append(messages, toChatMessage(userMsg))

	body, err := json.Marshal(chatRequest{
		Model:       name,
		Messages:    messages,
		Stream:      true,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	url := strings.TrimSuffix(model.Provider.URL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if model.Provider.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+model.Provider.APIKey)
	}

	c.log.WithFields(logrus.Fields{
		"provider": model.Provider.Name,
		"model":    name,
		"messages": len(messages),
	}).Debug("starting completion stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("completion request failed with status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	ch := make(chan Event)
	go c.readStream(ctx, resp.Body, ch)
	return ch, nil
}

// readStream parses the SSE body and drives the event channel. It owns both
// the body and the channel.
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, ch chan<- Event) {
	defer close(ch)
	defer body.Close()

	send := func(e Event) bool {
		select {
		case ch <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error) {
		c.log.Errorf("completion stream failed: %v", err)
		send(Error{Err: err})
	}

	if !send(Start{}) {
		return
	}

	inReasoning := false
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			// An unclosed reasoning block at end of stream is tolerated;
			// the model just never emitted the close tag.
			send(End{})
			return
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			fail(fmt.Errorf("failed to decode stream chunk: %w", err))
			return
		}
		if len(chunk.Choices) == 0 {
			fail(errors.New("stream chunk has no choices"))
			return
		}
		delta := chunk.Choices[0].Delta
		if delta == nil {
			fail(errors.New("stream chunk has no delta"))
			return
		}

		switch {
		case isReasoningOpen(delta.Content):
			if inReasoning {
				fail(fmt.Errorf("nested reasoning tag %q", delta.Content))
				return
			}
			inReasoning = true
		case isReasoningClose(delta.Content):
			if !inReasoning {
				fail(fmt.Errorf("unmatched reasoning close tag %q", delta.Content))
				return
			}
			inReasoning = false
		case inReasoning:
			if !send(Message{
				Role:      delta.Role,
				Reasoning: delta.ReasoningContent + delta.Content,
			}) {
				return
			}
		default:
			if !send(Message{
				Role:      delta.Role,
				Content:   delta.Content,
				Reasoning: delta.ReasoningContent,
			}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		fail(fmt.Errorf("failed to read stream: %w", err))
		return
	}
	send(End{})
}
