package providers

import (
	"bytes"
	"encoding/json"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/dotsetgreg/companion/pkg/logger"
)

const doneSentinel = "[DONE]"

// LineDecoder turns an arbitrarily fragmented chunked body into content
// fragments. Records are newline-delimited and may carry a "data:" prefix;
// bytes after the last newline are held until more input or Flush.
type LineDecoder struct {
	pending []byte
	done    bool

	// Malformed counts records that failed to decode and were skipped.
	Malformed int
}

func NewLineDecoder() *LineDecoder {
	return &LineDecoder{}
}

// Done reports whether the [DONE] sentinel has been seen.
func (d *LineDecoder) Done() bool {
	return d.done
}

// Feed consumes p and calls emit once per complete record, in order.
func (d *LineDecoder) Feed(p []byte, emit func(string)) {
	if d.done {
		return
	}
	d.pending = append(d.pending, p...)
	for !d.done {
		idx := bytes.IndexByte(d.pending, '\n')
		if idx < 0 {
			return
		}
		line := string(d.pending[:idx])
		d.pending = d.pending[idx+1:]
		d.handleLine(line, emit)
	}
}

// Flush decodes a trailing record that was never newline-terminated.
func (d *LineDecoder) Flush(emit func(string)) {
	if d.done || len(d.pending) == 0 {
		d.pending = nil
		return
	}
	line := string(d.pending)
	d.pending = nil
	d.handleLine(line, emit)
}

func (d *LineDecoder) handleLine(line string, emit func(string)) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, ":") {
		return
	}

	payload := line
	switch {
	case strings.HasPrefix(line, "data:"):
		payload = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	case strings.HasPrefix(line, "event:"), strings.HasPrefix(line, "id:"), strings.HasPrefix(line, "retry:"):
		return
	}
	if payload == "" {
		return
	}
	if payload == doneSentinel {
		d.done = true
		return
	}

	var record openai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		d.Malformed++
		logger.WarnCF("providers", "Skipping malformed stream record", map[string]interface{}{
			"error":  err.Error(),
			"record": truncate(payload, 200),
		})
		return
	}

	content := ""
	if len(record.Choices) > 0 {
		content = record.Choices[0].Delta.Content
	}
	emit(content)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
