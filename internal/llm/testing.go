package llm

import (
	"context"
	"errors"
	"sync"
)

// ErrScriptExhausted is returned by Scripted once all replies are used.
var ErrScriptExhausted = errors.New("scripted provider has no replies left")

// Reply is one scripted completion.
type Reply struct {
	Text string
	Err  error
}

// Scripted is a Provider that returns queued replies in order. It records
// every prompt it receives and is safe for concurrent use.
type Scripted struct {
	mu      sync.Mutex
	replies []Reply
	// Respond, when set, answers prompts after the queue is drained.
	Respond func(prompt string) (string, error)
	prompts []string
}

// NewScripted returns a provider answering with texts in order.
func NewScripted(texts ...string) *Scripted {
	s := &Scripted{}
	for _, t := range texts {
		s.replies = append(s.replies, Reply{Text: t})
	}
	return s
}

// Enqueue appends replies.
func (s *Scripted) Enqueue(replies ...Reply) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, replies...)
	return s
}

// Complete implements Provider.
func (s *Scripted) Complete(_ context.Context, prompt string) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	if len(s.replies) > 0 {
		r := s.replies[0]
		s.replies = s.replies[1:]
		s.mu.Unlock()
		return r.Text, r.Err
	}
	respond := s.Respond
	s.mu.Unlock()

	if respond != nil {
		return respond(prompt)
	}
	return "", ErrScriptExhausted
}

// Calls returns how many completions were requested.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

// Prompts returns a copy of the received prompts.
func (s *Scripted) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

// Name implements Provider.
func (s *Scripted) Name() string { return "scripted" }
