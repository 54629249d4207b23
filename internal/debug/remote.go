package debug

import (
	"context"

	"github.com/dshills/guestdbg/internal/debug/proto"
	"github.com/dshills/guestdbg/internal/debug/transport"
)

// requester routes requests to the session's current connection.
type requester struct {
	s *Session
}

func (r requester) Request(ctx context.Context, data proto.Payload) (proto.Payload, error) {
	client := r.s.currentClient()
	if client == nil {
		return nil, ErrNotAttached
	}
	return client.Request(ctx, data)
}

// remoteBreakpoints installs breakpoints on one connection.
type remoteBreakpoints struct {
	client *transport.Client
}

func (r remoteBreakpoints) AddBreakpoints(ctx context.Context, entries []proto.BreakpointEntry) error {
	_, err := transport.Do[*proto.AddBreakpointsResponse](ctx, r.client, &proto.AddBreakpointsRequest{
		Breakpoints: entries,
	})
	return err
}

func (r remoteBreakpoints) RemoveBreakpoints(ctx context.Context, ids []string) error {
	_, err := transport.Do[*proto.RemoveBreakpointsResponse](ctx, r.client, &proto.RemoveBreakpointsRequest{
		IDs: ids,
	})
	return err
}
