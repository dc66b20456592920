package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{context.DeadlineExceeded, KindTimeout},
		{errors.New("429 Too Many Requests"), KindRateLimited},
		{errors.New("quota exceeded for project"), KindRateLimited},
		{errors.New("request timed out"), KindTimeout},
		{errors.New("400 invalid request body"), KindInvalidRequest},
		{errors.New("401 Unauthorized: invalid api key"), KindInvalidRequest},
		{errors.New("503 Service Unavailable"), KindUpstream},
		{errors.New("overloaded_error: try again later"), KindUpstream},
		{errors.New("dial tcp: connection refused"), KindNetwork},
		{errors.New("completely novel failure"), KindUpstream},
	}
	for _, tc := range cases {
		if got := classify(tc.err); got != tc.want {
			t.Errorf("classify(%q) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestErrorTransient(t *testing.T) {
	transient := []ErrorKind{KindRateLimited, KindTimeout, KindUpstream, KindNetwork}
	for _, kind := range transient {
		e := &Error{Kind: kind, Provider: "test", Err: errors.New("x")}
		if !e.Transient() {
			t.Errorf("%s should be transient", kind)
		}
	}
	e := &Error{Kind: KindInvalidRequest, Provider: "test", Err: errors.New("x")}
	if e.Transient() {
		t.Error("invalid_request should not be transient")
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	e := &Error{Kind: KindUpstream, Provider: "openai", Err: fmt.Errorf("wrapped: %w", inner)}
	if !errors.Is(e, inner) {
		t.Fatal("expected errors.Is to reach the root cause")
	}
}

func TestStubRecordsCalls(t *testing.T) {
	stub := NewStubText("openai", "hello", 5, 7)

	resp, err := stub.Invoke(context.Background(), Request{Model: "gpt-4o", UserPrompt: "hi"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Text != "hello" || resp.TokensIn != 5 || resp.TokensOut != 7 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if stub.CallCount() != 1 {
		t.Fatalf("call count = %d", stub.CallCount())
	}
	if calls := stub.Calls(); calls[0].UserPrompt != "hi" {
		t.Fatalf("recorded request %+v", calls[0])
	}
}

func TestStubHonorsCancelledContext(t *testing.T) {
	stub := NewStubText("openai", "hello", 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := stub.Invoke(ctx, Request{Model: "gpt-4o"})
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != KindTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if stub.CallCount() != 0 {
		t.Fatal("cancelled invoke should not be recorded")
	}
}

func TestLimitedCapsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int64
	release := make(chan struct{})
	inner := NewStub("openai", func(int, Request) (*Response, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return &Response{Text: "{}"}, nil
	})
	limited := NewLimited(inner, 2)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = limited.Invoke(context.Background(), Request{Model: "gpt-4o"})
		}()
	}

	// Let the first wave occupy the slots, then drain.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := peak.Load(); got > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", got)
	}
	if inner.CallCount() != 6 {
		t.Fatalf("expected all 6 calls to complete, got %d", inner.CallCount())
	}
}

func TestLimitedRespectsContextWhileWaiting(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	inner := NewStub("openai", func(int, Request) (*Response, error) {
		<-block
		return &Response{Text: "{}"}, nil
	})
	limited := NewLimited(inner, 1)

	go func() {
		_, _ = limited.Invoke(context.Background(), Request{Model: "gpt-4o"})
	}()
	// Wait until the slot is taken.
	deadline := time.Now().Add(2 * time.Second)
	for inner.CallCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := limited.Invoke(ctx, Request{Model: "gpt-4o"})
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != KindTimeout {
		t.Fatalf("expected timeout while queued, got %v", err)
	}
}

func TestLimitedDefaultCap(t *testing.T) {
	limited := NewLimited(NewStubText("openai", "{}", 1, 1), 0)
	if cap(limited.slots) != 4 {
		t.Fatalf("default cap = %d, want 4", cap(limited.slots))
	}
}
