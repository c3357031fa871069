package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/companion/pkg/providers"
	"github.com/dotsetgreg/companion/pkg/store"
)

const (
	summarySystemPrompt = "You maintain long-term memory for a supportive mental-health companion. " +
		"Summarize the conversation so the companion can continue it later. Keep the user's feelings, " +
		"concerns, goals, coping strategies and any stated preferences. Write plain prose in the third " +
		"person, at most 200 words, with no greeting or commentary."
	summaryUserTemplate = "Conversation transcript, oldest first:\n\n%s\n\nWrite the summary now."

	memoryEntryPrefix = "Summary of earlier conversations with this user:\n"
)

// SummaryFunc turns a chronological transcript into a compact summary.
type SummaryFunc func(ctx context.Context, transcript string) (string, error)

// NewLLMSummarizer returns a SummaryFunc backed by a non-streaming
// completion call.
func NewLLMSummarizer(c providers.Completer, model string, temperature float64) SummaryFunc {
	return func(ctx context.Context, transcript string) (string, error) {
		out, err := c.Complete(ctx, providers.CompletionRequest{
			Model: model,
			Messages: []providers.Message{
				{Role: providers.RoleSystem, Content: summarySystemPrompt},
				{Role: providers.RoleUser, Content: fmt.Sprintf(summaryUserTemplate, transcript)},
			},
			Temperature: temperature,
			TopP:        1,
		})
		if err != nil {
			return "", fmt.Errorf("generate summary: %w", err)
		}
		return strings.TrimSpace(out), nil
	}
}

// BuildTranscript renders turns as "User: ..." / "AI: ..." lines.
func BuildTranscript(turns []*store.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		switch t.Sender {
		case store.SenderAI:
			b.WriteString("AI: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// SystemEntry converts a memory record into the system message that seeds
// a context window. ok is false when there is nothing to inject.
func SystemEntry(rec *store.MemoryRecord) (providers.Message, bool) {
	if rec == nil || strings.TrimSpace(rec.Summary) == "" {
		return providers.Message{}, false
	}
	return providers.Message{
		Role:    providers.RoleSystem,
		Content: memoryEntryPrefix + strings.TrimSpace(rec.Summary),
	}, true
}
