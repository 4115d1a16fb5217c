// Package conversation maintains the per-session chat history handed to the
// LLM: a bounded message deque under a fixed system prompt, with token-budget
// trimming so long sessions never overflow the model's context window.
package conversation

import (
	"sync"

	"github.com/novavoice/nova/pkg/types"
)

const (
	// maxMessages bounds the deque; the oldest non-system message is dropped
	// when a new one would exceed it.
	maxMessages = 50

	// tokenBudget is the approximate context budget enforced before each
	// completion. The estimate is chars/4, the same heuristic the providers
	// use for CountTokens.
	tokenBudget = 4000

	// minRetained is the number of trailing messages trimming always keeps,
	// so the model retains at least the current exchange.
	minRetained = 2
)

// DefaultSystemPrompt defines the Nova persona. Responses are spoken aloud,
// so the prompt pushes hard for brevity and against markup.
const DefaultSystemPrompt = `You are Nova, a helpful voice assistant. Your replies are spoken aloud, so keep them short, conversational, and free of markdown, lists, or code unless the user explicitly asks. Use the available tools when a question needs live data (time, weather, web search, music, memories) instead of guessing. After a tool returns, answer in one or two spoken sentences. If you don't know something and no tool can help, say so plainly.`

// Store holds one session's conversation history. It is safe for concurrent
// use.
type Store struct {
	mu           sync.Mutex
	systemPrompt string
	messages     []types.Message
}

// New creates a Store with the given system prompt; empty selects
// DefaultSystemPrompt.
func New(systemPrompt string) *Store {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	return &Store{systemPrompt: systemPrompt}
}

// SystemPrompt returns the prompt injected before the history.
func (s *Store) SystemPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.systemPrompt
}

// AddUser appends a user message.
func (s *Store) AddUser(content string) {
	s.add(types.Message{Role: "user", Content: content})
}

// AddAssistant appends an assistant message, optionally carrying the tool
// calls it issued.
func (s *Store) AddAssistant(content string, toolCalls []types.ToolCall) {
	s.add(types.Message{Role: "assistant", Content: content, ToolCalls: toolCalls})
}

// AddToolResult appends a tool message answering the given call.
func (s *Store) AddToolResult(toolName, toolCallID, content string) {
	s.add(types.Message{Role: "tool", Name: toolName, ToolCallID: toolCallID, Content: content})
}

func (s *Store) add(m types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	if len(s.messages) > maxMessages {
		s.messages = s.messages[len(s.messages)-maxMessages:]
	}
	s.trimToBudget()
}

// Messages returns a copy of the current history, trimmed to the token
// budget, without the system prompt (providers receive that separately).
func (s *Store) Messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Last returns the most recent message and true, or a zero message and false
// when the history is empty.
func (s *Store) Last() (types.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return types.Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Clear drops the history, keeping only the system prompt.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}

// Export returns the history for persistence. The copy is deep enough that
// callers may serialize it after the store moves on.
func (s *Store) Export() []types.Message {
	return s.Messages()
}

// Restore replaces the history with previously exported messages, re-applying
// the size and budget bounds.
func (s *Store) Restore(messages []types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make([]types.Message, len(messages))
	copy(s.messages, messages)
	if len(s.messages) > maxMessages {
		s.messages = s.messages[len(s.messages)-maxMessages:]
	}
	s.trimToBudget()
}

// EstimatedTokens returns the chars/4 estimate for the system prompt plus the
// current history.
func (s *Store) EstimatedTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.estimatedTokensLocked()
}

func (s *Store) estimatedTokensLocked() int {
	total := len(s.systemPrompt)
	for _, m := range s.messages {
		total += len(m.Content)
	}
	return total / 4
}

// trimToBudget drops the oldest messages while the estimate exceeds the
// budget and more than minRetained messages remain. Callers hold the lock.
func (s *Store) trimToBudget() {
	for s.estimatedTokensLocked() > tokenBudget && len(s.messages) > minRetained {
		s.messages = s.messages[1:]
	}
}
