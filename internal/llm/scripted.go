package llm

import (
	"context"
	"errors"
	"sync"
)

var ErrScriptExhausted = errors.New("scripted model has no replies left")

// Scripted replays canned completions in order.
type Scripted struct {
	mu       sync.Mutex
	replies  []string
	errs     map[int]error
	requests []Request
	// Repeat, when set, answers every call once the script runs out.
	Repeat func(call int) string
}

func NewScripted(replies ...string) *Scripted {
	return &Scripted{replies: replies, errs: map[int]error{}}
}

// FailOn makes the call with the given zero-based index return err.
func (s *Scripted) FailOn(call int, err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[call] = err
	return s
}

func (s *Scripted) Complete(ctx context.Context, req Request) (string, error) {
	s.mu.Lock()
	call := len(s.requests)
	s.requests = append(s.requests, req)
	err := s.errs[call]
	var reply string
	var ok bool
	if call < len(s.replies) {
		reply, ok = s.replies[call], true
	} else if s.Repeat != nil {
		reply, ok = s.Repeat(call), true
	}
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrScriptExhausted
	}
	if req.OnPartial != nil {
		for i := 1; i <= len(reply); i++ {
			req.OnPartial(reply[:i])
		}
	}
	return reply, nil
}

// Requests returns a copy of every request seen so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}
