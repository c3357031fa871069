package providers

import (
	"context"
	"sync"
)

// ScriptedStreamer replays a fixed fragment sequence on every call. It
// satisfies LLMProvider so sessions can be driven without a network socket.
type ScriptedStreamer struct {
	Fragments []string
	Err       error
	// CompleteText is returned by Complete.
	CompleteText string
	NoCredential bool
	// Gate, when set, is received from before each fragment is delivered.
	Gate <-chan struct{}

	mu       sync.Mutex
	requests []CompletionRequest
}

func (s *ScriptedStreamer) StreamCompletion(ctx context.Context, req CompletionRequest, onChunk func(string)) error {
	s.record(req)
	if s.NoCredential {
		return ErrMissingCredential
	}
	for _, frag := range s.Fragments {
		if s.Gate != nil {
			select {
			case <-s.Gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		onChunk(frag)
	}
	return s.Err
}

func (s *ScriptedStreamer) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	s.record(req)
	if s.NoCredential {
		return "", ErrMissingCredential
	}
	if s.Err != nil {
		return "", s.Err
	}
	return s.CompleteText, nil
}

func (s *ScriptedStreamer) GetDefaultModel() string { return "scripted" }

func (s *ScriptedStreamer) HasCredential() bool { return !s.NoCredential }

// Requests returns a copy of every request received so far.
func (s *ScriptedStreamer) Requests() []CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CompletionRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *ScriptedStreamer) record(req CompletionRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]Message, len(req.Messages))
	copy(msgs, req.Messages)
	req.Messages = msgs
	s.requests = append(s.requests, req)
}
