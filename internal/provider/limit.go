package provider

import "context"

// Limited wraps an adapter with a soft cap on concurrent in-flight
// calls, so a wide fan-out cannot trigger a self-inflicted rate storm.
type Limited struct {
	inner Adapter
	slots chan struct{}
}

// NewLimited caps concurrent Invoke calls at n (default 4 when n <= 0).
func NewLimited(inner Adapter, n int) *Limited {
	if n <= 0 {
		n = 4
	}
	return &Limited{
		inner: inner,
		slots: make(chan struct{}, n),
	}
}

func (l *Limited) Name() string { return l.inner.Name() }

func (l *Limited) Invoke(ctx context.Context, req Request) (*Response, error) {
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, &Error{Kind: KindTimeout, Provider: l.inner.Name(), Err: ctx.Err()}
	}
	defer func() { <-l.slots }()

	return l.inner.Invoke(ctx, req)
}
