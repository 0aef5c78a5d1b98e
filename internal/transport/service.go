package transport

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zde37/pgrid/internal/message"
	"github.com/zde37/pgrid/internal/pgrid"
	"github.com/zde37/pgrid/pkg"
)

// ServiceName is the gRPC service exposed by every peer.
const ServiceName = "pgrid.Overlay"

// Full method names.
const (
	MethodInvite       = "/" + ServiceName + "/Invite"
	MethodCounterReply = "/" + ServiceName + "/CounterReply"
	MethodDistribute   = "/" + ServiceName + "/Distribute"
	MethodQuery        = "/" + ServiceName + "/Query"
	MethodRangeQuery   = "/" + ServiceName + "/RangeQuery"
	MethodPeerLookup   = "/" + ServiceName + "/PeerLookup"
)

// Handler answers incoming overlay messages. *pgrid.Peer implements it.
type Handler interface {
	HandleInvitation(ctx context.Context, inv *message.Invitation) (*message.Reply, error)
	HandleCounterReply(ctx context.Context, counter *message.Reply) *message.Ack
	HandleDataModifier(ctx context.Context, m *message.DataModifier) *message.Ack
	HandleQuery(ctx context.Context, q *message.Query) (*message.QueryReply, error)
	HandleRangeQuery(ctx context.Context, q *message.RangeQuery) (*message.QueryReply, error)
	HandlePeerLookup(ctx context.Context, m *message.PeerLookup) (*message.PeerLookupReply, error)
}

var _ Handler = (*pgrid.Peer)(nil)

// unary adapts a typed handler method to the grpc.MethodDesc signature.
func unary[In message.Message, Out message.Message](method string, newIn func() In, call func(Handler, context.Context, In) (Out, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newIn()
			if err := dec(in); err != nil {
				return nil, toStatus(err)
			}
			h := srv.(Handler)
			invoke := func(ctx context.Context, req any) (any, error) {
				out, err := call(h, ctx, req.(In))
				if err != nil {
					return nil, toStatus(err)
				}
				return out, nil
			}
			if interceptor == nil {
				return invoke(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, invoke)
		},
	}
}

// ServiceDesc describes the overlay service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		unary("Invite",
			func() *message.Invitation { return new(message.Invitation) },
			func(h Handler, ctx context.Context, in *message.Invitation) (*message.Reply, error) {
				return h.HandleInvitation(ctx, in)
			}),
		unary("CounterReply",
			func() *message.Reply { return new(message.Reply) },
			func(h Handler, ctx context.Context, in *message.Reply) (*message.Ack, error) {
				return h.HandleCounterReply(ctx, in), nil
			}),
		unary("Distribute",
			func() *message.DataModifier { return new(message.DataModifier) },
			func(h Handler, ctx context.Context, in *message.DataModifier) (*message.Ack, error) {
				return h.HandleDataModifier(ctx, in), nil
			}),
		unary("Query",
			func() *message.Query { return new(message.Query) },
			func(h Handler, ctx context.Context, in *message.Query) (*message.QueryReply, error) {
				return h.HandleQuery(ctx, in)
			}),
		unary("RangeQuery",
			func() *message.RangeQuery { return new(message.RangeQuery) },
			func(h Handler, ctx context.Context, in *message.RangeQuery) (*message.QueryReply, error) {
				return h.HandleRangeQuery(ctx, in)
			}),
		unary("PeerLookup",
			func() *message.PeerLookup { return new(message.PeerLookup) },
			func(h Handler, ctx context.Context, in *message.PeerLookup) (*message.PeerLookupReply, error) {
				return h.HandlePeerLookup(ctx, in)
			}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pgrid/overlay",
}

// toStatus maps overlay errors to gRPC status codes.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, pkg.ErrProtocolViolation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, pkg.ErrContextCanceled), errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, pkg.ErrRoutingMismatch):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus maps a gRPC status back to the overlay sentinel errors.
func fromStatus(method string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s RPC failed: %w", method, err)
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return fmt.Errorf("%s RPC failed: %w: %s", method, pkg.ErrProtocolViolation, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%s RPC failed: %w", method, pkg.ErrContextCanceled)
	case codes.FailedPrecondition:
		return fmt.Errorf("%s RPC failed: %w: %s", method, pkg.ErrRoutingMismatch, st.Message())
	default:
		return fmt.Errorf("%s RPC failed: %w", method, err)
	}
}
