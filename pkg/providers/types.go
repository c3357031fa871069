package providers

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

const (
	RoleSystem    = openai.ChatMessageRoleSystem
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
)

// ErrMissingCredential is returned before any network call when no API
// credential is configured for the active provider.
var ErrMissingCredential = errors.New("llm credential not configured")

// Message is one role/content pair of a completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest carries everything except the stream flag; the caller
// picks streaming or non-streaming by the method it invokes.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	TopP        float64
}

// Streamer produces the content fragments of one completion, in arrival
// order, through onChunk. Every call opens a fresh request.
type Streamer interface {
	StreamCompletion(ctx context.Context, req CompletionRequest, onChunk func(content string)) error
}

// Completer performs a non-streaming completion and returns the full text.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

type LLMProvider interface {
	Streamer
	Completer
	GetDefaultModel() string
	HasCredential() bool
}

// StatusError reports a non-2xx response from the completion endpoint.
type StatusError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API request failed: status=%d error=%s", e.Provider, e.StatusCode, e.Message)
}
