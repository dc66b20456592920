package provider

import (
	"context"
	"sync"
)

// Stub is a deterministic scripted adapter for tests. The script
// function receives the 1-based call number and the request, and
// returns whatever the test wants the "model" to say.
type Stub struct {
	name   string
	script func(call int, req Request) (*Response, error)

	mu    sync.Mutex
	calls []Request
}

// NewStub creates a scripted stub adapter.
func NewStub(name string, script func(call int, req Request) (*Response, error)) *Stub {
	return &Stub{name: name, script: script}
}

// NewStubText creates a stub that always answers with the same text.
func NewStubText(name, text string, tokensIn, tokensOut int) *Stub {
	return NewStub(name, func(int, Request) (*Response, error) {
		return &Response{Text: text, TokensIn: tokensIn, TokensOut: tokensOut, Model: name}, nil
	})
}

func (s *Stub) Name() string { return s.name }

func (s *Stub) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindTimeout, Provider: s.name, Err: err}
	}

	s.mu.Lock()
	s.calls = append(s.calls, req)
	n := len(s.calls)
	s.mu.Unlock()

	resp, err := s.script(n, req)
	if err != nil {
		return nil, err
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return resp, nil
}

// Calls returns a copy of every request seen so far.
func (s *Stub) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns the number of Invoke calls so far.
func (s *Stub) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
